// Package dispatch decides what to do with one fetched notification: dedupe
// it against prior state, fire the type-specific side effects, and persist
// the outcome. No error ever escapes Dispatch; failures degrade to a
// processed=false result with structured diagnostics.
package dispatch

import (
	"context"
	"sync"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/messenger"
	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/retry"
	"github.com/Alpizar28/TecBot-api/internal/storage"
	"github.com/Alpizar28/TecBot-api/internal/vault"
)

const (
	ReasonDuplicate = "duplicate"
	ReasonProcessed = "processed"
	ReasonPartial   = "partial_or_failed"
)

// Result is the per-notification outcome. Processed=true means the caller may
// acknowledge the notification upstream.
type Result struct {
	Processed bool
	Reason    string
}

type Dispatcher struct {
	store storage.Store
	msg   *messenger.Service
	vault *vault.Client // nil disables the archive path
	log   logx.Logger
}

func New(store storage.Store, msg *messenger.Service, vc *vault.Client, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: store, msg: msg, vault: vc, log: log}
}

// Dispatch runs the idempotency check and side effects for one notification.
// exec scopes outbound-call retries and metrics to the caller's flow; cookies
// are the user's live portal session, needed for file downloads.
func (d *Dispatcher) Dispatch(ctx context.Context, user model.User, n model.Notification, exec *retry.Executor, cookies []model.Cookie) Result {
	state, err := d.store.NotificationState(ctx, user.ID, n.ExternalID)
	if err != nil {
		d.diag(user, n, "state_lookup", err)
		return Result{Reason: ReasonPartial}
	}

	archive := d.vault != nil && d.rootFolder(user) != ""

	// A file is pending while the ledger has no entry for its content hash.
	// Only meaningful when the archive path can actually produce entries.
	hasPending := false
	if archive && n.Type == model.TypeDocument {
		for _, f := range n.Files {
			seen, err := d.store.UploadedFileExists(ctx, user.ID, f.ContentHash())
			if err != nil {
				d.diag(user, n, "ledger_lookup", err)
				seen = false
			}
			if !seen {
				hasPending = true
				break
			}
		}
	}

	resolvedNow := n.DocumentStatus == model.DocumentResolved && len(n.Files) > 0
	shouldRetryDocument := state.Exists && n.Type == model.TypeDocument && resolvedNow &&
		(state.DocumentStatus != model.DocumentResolved || hasPending)

	if state.Exists && !shouldRetryDocument {
		return Result{Processed: true, Reason: ReasonDuplicate}
	}

	var ok bool
	switch n.Type {
	case model.TypeEvaluation:
		ok = d.safeSend(ctx, user, n, "send_evaluation", func() error {
			return d.msg.SendEvaluation(ctx, user.TelegramChatID, n)
		})
	case model.TypeDocument:
		ok = d.dispatchDocument(ctx, user, n, exec, cookies, archive)
	default:
		// Notices and anything unclassified get the plain announcement.
		ok = d.safeSend(ctx, user, n, "send_notice", func() error {
			return d.msg.SendNotice(ctx, user.TelegramChatID, n)
		})
	}

	// Persistence policy: a failed brand-new notification stays unseen so the
	// next cycle retries it from scratch. An existing record only gets its
	// document status refreshed, never a full rewrite.
	switch {
	case state.Exists:
		if err := d.store.UpdateNotificationDocumentStatus(ctx, user.ID, n.ExternalID, n.DocumentStatus); err != nil {
			d.diag(user, n, "status_update", err)
		}
	case ok:
		if err := d.store.InsertNotification(ctx, user.ID, n); err != nil {
			d.diag(user, n, "insert", err)
		}
	}

	if !ok {
		return Result{Reason: ReasonPartial}
	}
	return Result{Processed: true, Reason: ReasonProcessed}
}

// dispatchDocument archives the notification's files into the user's vault
// folder and reports overall success as the AND of all per-file outcomes.
// Without an archive path (or without files) it degrades to a link message.
func (d *Dispatcher) dispatchDocument(ctx context.Context, user model.User, n model.Notification, exec *retry.Executor, cookies []model.Cookie, archive bool) bool {
	if !archive || len(n.Files) == 0 {
		return d.safeSend(ctx, user, n, "send_document_link", func() error {
			return d.msg.SendDocumentLink(ctx, user.TelegramChatID, n)
		})
	}

	folderID, err := d.vault.EnsureFolder(ctx, exec, n.Course, d.rootFolder(user))
	if err != nil {
		// No folder means no uploads this round; every file falls back to a
		// direct-download message.
		d.diag(user, n, "ensure_folder", err)
		folderID = ""
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		saved    []string
		outcomes = make([]bool, len(n.Files))
	)
	for i, f := range n.Files {
		wg.Add(1)
		go func(i int, f model.File) {
			defer wg.Done()
			name, ok := d.processFile(ctx, user, n, f, folderID, exec, cookies)
			outcomes[i] = ok
			if name != "" {
				mu.Lock()
				saved = append(saved, name)
				mu.Unlock()
			}
		}(i, f)
	}
	wg.Wait()

	all := true
	for _, ok := range outcomes {
		all = all && ok
	}
	if len(saved) > 0 {
		all = d.safeSend(ctx, user, n, "send_document_saved", func() error {
			return d.msg.SendDocumentSaved(ctx, user.TelegramChatID, n, saved)
		}) && all
	}
	return all
}

// processFile settles one file: ledger hit is a silent success, a fresh
// upload records a ledger entry, and an upload failure falls back to a
// direct-download message whose delivery becomes the file's outcome.
func (d *Dispatcher) processFile(ctx context.Context, user model.User, n model.Notification, f model.File, folderID string, exec *retry.Executor, cookies []model.Cookie) (savedName string, ok bool) {
	hash := f.ContentHash()
	seen, err := d.store.UploadedFileExists(ctx, user.ID, hash)
	if err != nil {
		d.diag(user, n, "ledger_lookup", err)
	}
	if seen {
		d.log.Debug("file already archived; skipping",
			logx.String("user", user.ID),
			logx.String("external_id", n.ExternalID),
			logx.String("file", f.FileName))
		return "", true
	}

	if folderID != "" {
		fileID, err := d.vault.DownloadAndUpload(ctx, exec, f.DownloadURL, f.FileName, folderID, cookies)
		if err == nil {
			if err := d.store.InsertUploadedFile(ctx, storage.UploadedFile{
				UserID:      user.ID,
				Course:      n.Course,
				ContentHash: hash,
				FileName:    f.FileName,
				VaultFileID: fileID,
			}); err != nil {
				// The file is archived either way; a missed ledger write only
				// costs one redundant upload attempt next cycle.
				d.diag(user, n, "ledger_insert", err)
			}
			return f.FileName, true
		}
		d.diag(user, n, "archive_file", err)
	}

	ok = d.safeSend(ctx, user, n, "send_document_download", func() error {
		return d.msg.SendDocumentDownload(ctx, user.TelegramChatID, n, f)
	})
	return "", ok
}

func (d *Dispatcher) rootFolder(user model.User) string {
	if user.VaultRootID != "" {
		return user.VaultRootID
	}
	if d.vault != nil {
		return d.vault.RootFolderID()
	}
	return ""
}

// safeSend converts a messaging failure into a boolean outcome with a
// structured diagnostic. Side effects never abort a dispatch.
func (d *Dispatcher) safeSend(ctx context.Context, user model.User, n model.Notification, action string, fn func() error) bool {
	if err := fn(); err != nil {
		d.diag(user, n, action, err)
		return false
	}
	return true
}

func (d *Dispatcher) diag(user model.User, n model.Notification, action string, err error) {
	d.log.Error("dispatch step failed",
		logx.String("user", user.ID),
		logx.String("external_id", n.ExternalID),
		logx.String("type", string(n.Type)),
		logx.String("action", action),
		logx.Err(err))
}
