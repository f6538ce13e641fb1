package diag

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/transport"
)

func mustServer(t *testing.T) *Server {
	t.Helper()
	id, err := identity.Create()
	require.NoError(t, err)
	tr := transport.New(id, false, nil)
	links := link.NewService(tr, nil)
	return New(tr, links, "test-secret", nil)
}

func TestStatusRouteIsPublic(t *testing.T) {
	s := mustServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRouteRejectsMissingAndInvalidTokens(t *testing.T) {
	s := mustServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/admin/request-path/00112233445566778899aabbccddeeff", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer not-a-real-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRouteAcceptsIssuedToken(t *testing.T) {
	s := mustServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tok, err := s.IssueToken("operator", time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/admin/request-path/00112233445566778899aabbccddeeff", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestEventsWebsocketBroadcast(t *testing.T) {
	s := mustServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the server register the subscriber
	s.Broadcast(Event{Kind: "test", Data: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "test", ev.Kind)
	require.Equal(t, "hello", ev.Data)
}
