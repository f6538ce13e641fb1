// Package diag exposes a small HTTP/websocket surface over a running
// node via gin: a public status route, a JWT-guarded route that asks
// Transport for a path, and an event stream over gorilla/websocket that
// carries whatever is passed to Broadcast (§6). It does not list the
// path table, Link status, or propagation-node state.
package diag

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one diagnostics notification pushed to websocket subscribers.
type Event struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Server is the diagnostics HTTP/websocket listener.
type Server struct {
	tr        *transport.Transport
	links     *link.Service
	jwtSecret string
	log       *slog.Logger

	engine *gin.Engine

	subsMu sync.RWMutex
	subs   map[*websocket.Conn]struct{}
}

// New builds the gin engine and route table for a Server bound to tr
// and links. Pass an empty jwtSecret to disable the authenticated
// control routes.
func New(tr *transport.Transport, links *link.Service, jwtSecret string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		tr:        tr,
		links:     links,
		jwtSecret: jwtSecret,
		log:       log.With("component", "diag"),
		subs:      make(map[*websocket.Conn]struct{}),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler returns the http.Handler to serve, e.g. via http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api/v1")
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleEvents)

	if s.jwtSecret != "" {
		protected := s.engine.Group("/api/v1/admin")
		protected.Use(s.authMiddleware())
		protected.POST("/request-path/:dest", s.handleRequestPath)
	}
}

// authClaims is the minimal JWT claim set the admin routes require.
type authClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := header[len(prefix):]
		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// IssueToken mints a bearer token for subject, valid for ttl.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := authClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": true})
}

func (s *Server) handleRequestPath(c *gin.Context) {
	destHex := c.Param("dest")
	var destHash destination.Hash
	n, err := hex.Decode(destHash[:], []byte(destHex))
	if err != nil || n != len(destHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid destination hash"})
		return
	}
	if err := s.tr.RequestPath(destHash); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requested": destHex})
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	s.subsMu.Lock()
	s.subs[conn] = struct{}{}
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, conn)
		s.subsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes ev to every connected websocket subscriber.
func (s *Server) Broadcast(ev Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for conn := range s.subs {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteJSON(ev)
	}
}
