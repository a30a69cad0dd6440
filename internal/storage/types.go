package storage

import (
	"errors"
	"time"

	"github.com/Alpizar28/TecBot-api/internal/model"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the default and only driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// NotificationState is the prior state of a (user, external_id) pair.
type NotificationState struct {
	Exists         bool
	DocumentStatus model.DocumentStatus
}

// UploadedFile is one ledger entry keyed by (user_id, content_hash).
type UploadedFile struct {
	UserID      string
	Course      string
	ContentHash string
	FileName    string
	VaultFileID string
	CreatedAt   time.Time
}
