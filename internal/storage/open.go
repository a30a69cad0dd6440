package storage

import (
	"context"
	"errors"
	"strings"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
)

// Store is the persistence API used by the dispatch guard and the cycle
// coordinator. All methods are safe for concurrent use.
type Store interface {
	NotificationState(ctx context.Context, userID, externalID string) (NotificationState, error)
	InsertNotification(ctx context.Context, userID string, n model.Notification) error
	UpdateNotificationDocumentStatus(ctx context.Context, userID, externalID string, status model.DocumentStatus) error

	UploadedFileExists(ctx context.Context, userID, contentHash string) (bool, error)
	InsertUploadedFile(ctx context.Context, f UploadedFile) error

	ActiveUsers(ctx context.Context) ([]model.User, error)
	UserByID(ctx context.Context, id string) (model.User, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
