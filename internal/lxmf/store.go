package lxmf

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/reticulum-go/rns/internal/destination"
)

// StoredMessage is one propagated message held by a propagation node
// for later sync to its destination's owner.
type StoredMessage struct {
	ID              string    `gorm:"primarykey"` // hex HashID
	DestinationHash string    `gorm:"index;not null"`
	Encoded         []byte    `gorm:"not null"`
	ReceivedAt      time.Time `gorm:"not null"`
}

// Store is the propagation-node message backing store.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (creating if needed) a sqlite-backed propagation
// store. dsn follows a "sqlite:///path" convention.
func OpenStore(dsn string) (*Store, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("lxmf: unsupported store DSN: %s (only sqlite:// supported)", dsn)
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("lxmf: open store: %w", err)
	}
	if err := db.AutoMigrate(&StoredMessage{}); err != nil {
		return nil, fmt.Errorf("lxmf: migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Put persists encoded under its content-addressed id, ignoring
// duplicates.
func (s *Store) Put(destHash destination.Hash, encoded []byte) error {
	id := HashID(encoded)
	rec := StoredMessage{
		ID:              fmt.Sprintf("%x", id),
		DestinationHash: fmt.Sprintf("%x", destHash[:]),
		Encoded:         encoded,
		ReceivedAt:      time.Now(),
	}
	return s.db.Where("id = ?", rec.ID).FirstOrCreate(&rec).Error
}

// ForDestination returns every stored message addressed to destHash,
// used when a propagation client syncs.
func (s *Store) ForDestination(destHash destination.Hash) ([][]byte, error) {
	var recs []StoredMessage
	if err := s.db.Where("destination_hash = ?", fmt.Sprintf("%x", destHash[:])).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([][]byte, len(recs))
	for i, r := range recs {
		out[i] = r.Encoded
	}
	return out, nil
}

// Purge deletes stored messages older than before.
func (s *Store) Purge(before time.Time) error {
	return s.db.Where("received_at < ?", before).Delete(&StoredMessage{}).Error
}
