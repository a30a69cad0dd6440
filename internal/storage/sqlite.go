package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) NotificationState(ctx context.Context, userID, externalID string) (NotificationState, error) {
	var status sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT document_status FROM notifications WHERE user_id = ? AND external_id = ?`,
		userID, externalID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationState{}, nil
	}
	if err != nil {
		return NotificationState{}, err
	}
	return NotificationState{Exists: true, DocumentStatus: model.DocumentStatus(status.String)}, nil
}

func (s *sqliteStore) InsertNotification(ctx context.Context, userID string, n model.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(user_id, external_id, type, course, title, link, document_status, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, external_id) DO UPDATE SET document_status=excluded.document_status`,
		userID, n.ExternalID, string(n.Type), n.Course, n.Title, n.Link,
		nullStr(string(n.DocumentStatus)), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) UpdateNotificationDocumentStatus(ctx context.Context, userID, externalID string, status model.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET document_status = ? WHERE user_id = ? AND external_id = ?`,
		string(status), userID, externalID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UploadedFileExists(ctx context.Context, userID, contentHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM uploaded_files WHERE user_id = ? AND content_hash = ?`,
		userID, contentHash,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) InsertUploadedFile(ctx context.Context, f UploadedFile) error {
	at := f.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploaded_files(user_id, content_hash, course, file_name, vault_file_id, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, content_hash) DO NOTHING`,
		f.UserID, f.ContentHash, f.Course, f.FileName, f.VaultFileID, at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ActiveUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, portal_username, portal_password, telegram_chat_id, vault_root_id, is_active, created_at
		 FROM users WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UserByID(ctx context.Context, id string) (model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, portal_username, portal_password, telegram_chat_id, vault_root_id, is_active, created_at
		 FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return u, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (model.User, error) {
	var (
		u        model.User
		active   int
		created  string
		vaultRID sql.NullString
	)
	if err := r.Scan(&u.ID, &u.Name, &u.PortalUsername, &u.PortalPassword, &u.TelegramChatID, &vaultRID, &active, &created); err != nil {
		return model.User{}, err
	}
	u.VaultRootID = vaultRID.String
	u.Active = active != 0
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		u.CreatedAt = t
	}
	return u, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
