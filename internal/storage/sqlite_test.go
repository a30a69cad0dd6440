package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "relay.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNotificationStateRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	state, err := st.NotificationState(ctx, "u1", "n1")
	if err != nil {
		t.Fatalf("NotificationState: %v", err)
	}
	if state.Exists {
		t.Fatal("fresh pair must not exist")
	}

	n := model.Notification{
		ExternalID:     "n1",
		Type:           model.TypeDocument,
		Course:         "Redes",
		Title:          "Material",
		DocumentStatus: model.DocumentUnresolved,
	}
	if err := st.InsertNotification(ctx, "u1", n); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}

	state, err = st.NotificationState(ctx, "u1", "n1")
	if err != nil {
		t.Fatalf("NotificationState: %v", err)
	}
	if !state.Exists || state.DocumentStatus != model.DocumentUnresolved {
		t.Fatalf("unexpected state: %+v", state)
	}

	// Same external id for another user is a distinct identity.
	other, err := st.NotificationState(ctx, "u2", "n1")
	if err != nil || other.Exists {
		t.Fatalf("per-user isolation broken: %+v (%v)", other, err)
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.UpdateNotificationDocumentStatus(ctx, "u1", "missing", model.DocumentResolved)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n := model.Notification{ExternalID: "n1", Type: model.TypeDocument, DocumentStatus: model.DocumentUnresolved}
	if err := st.InsertNotification(ctx, "u1", n); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateNotificationDocumentStatus(ctx, "u1", "n1", model.DocumentResolved); err != nil {
		t.Fatalf("UpdateNotificationDocumentStatus: %v", err)
	}
	state, _ := st.NotificationState(ctx, "u1", "n1")
	if state.DocumentStatus != model.DocumentResolved {
		t.Fatalf("status not updated: %+v", state)
	}
}

func TestUploadedFileLedger(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ok, err := st.UploadedFileExists(ctx, "u1", "hash-1")
	if err != nil || ok {
		t.Fatalf("empty ledger: got %v %v", ok, err)
	}

	entry := UploadedFile{
		UserID:      "u1",
		Course:      "Redes",
		ContentHash: "hash-1",
		FileName:    "a.pdf",
		VaultFileID: "file-1",
	}
	if err := st.InsertUploadedFile(ctx, entry); err != nil {
		t.Fatalf("InsertUploadedFile: %v", err)
	}
	// Duplicate inserts are harmless (the ledger is idempotent).
	if err := st.InsertUploadedFile(ctx, entry); err != nil {
		t.Fatalf("duplicate InsertUploadedFile: %v", err)
	}

	ok, err = st.UploadedFileExists(ctx, "u1", "hash-1")
	if err != nil || !ok {
		t.Fatalf("ledger lookup after insert: got %v %v", ok, err)
	}
	ok, _ = st.UploadedFileExists(ctx, "u2", "hash-1")
	if ok {
		t.Fatal("ledger entries are scoped per user")
	}
}

func TestUsers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.UserByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Seed directly; user provisioning is out of band.
	raw := st.(*sqliteStore)
	_, err := raw.db.ExecContext(ctx,
		`INSERT INTO users(id, name, portal_username, portal_password, telegram_chat_id, vault_root_id, is_active, created_at)
		 VALUES ('u1','Ana','ana','pw',7,'root-1',1,'2026-01-02T03:04:05Z'),
		        ('u2','Ben','ben','pw',8,'',0,'2026-01-02T03:04:06Z')`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	active, err := st.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(active) != 1 || active[0].ID != "u1" || !active[0].Active {
		t.Fatalf("expected only the active user, got %+v", active)
	}
	if active[0].TelegramChatID != 7 || active[0].VaultRootID != "root-1" {
		t.Fatalf("user fields lost: %+v", active[0])
	}

	u, err := st.UserByID(ctx, "u2")
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if u.Active {
		t.Fatal("u2 is inactive")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	if err == nil {
		t.Fatal("unknown driver must fail")
	}
}
