// Package messenger renders notifications into Telegram HTML messages and
// delivers them through the transport with a shared rate limit.
package messenger

import (
	"context"

	"golang.org/x/time/rate"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	kit "github.com/Alpizar28/TecBot-api/internal/transport"

	"github.com/Alpizar28/TecBot-api/internal/model"
)

type Config struct {
	// RatePerSec caps outgoing messages across all chats. <=0 means default.
	RatePerSec int
}

type Service struct {
	sender kit.Sender
	limit  *rate.Limiter
	log    logx.Logger
}

func NewService(cfg Config, sender kit.Sender, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		// Telegram allows ~30 msg/s globally; stay well under it.
		rps = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sender: sender,
		limit:  rate.NewLimiter(rate.Limit(rps), rps),
		log:    log,
	}
}

func (s *Service) send(ctx context.Context, chatID int64, body H) error {
	if err := s.limit.Wait(ctx); err != nil {
		return err
	}
	return s.sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, body.String(), &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
	})
}

// SendMessage delivers pre-rendered HTML (alerts, operator notices).
func (s *Service) SendMessage(ctx context.Context, chatID int64, html H) error {
	return s.send(ctx, chatID, html)
}

func (s *Service) SendNotice(ctx context.Context, chatID int64, n model.Notification) error {
	return s.send(ctx, chatID, JoinH("\n",
		"\U0001F4E2 "+B(n.Title),
		header(n),
		Esc(n.Description),
		linkLine(n),
	))
}

func (s *Service) SendEvaluation(ctx context.Context, chatID int64, n model.Notification) error {
	return s.send(ctx, chatID, JoinH("\n",
		"\U0001F4DD "+B(n.Title),
		header(n),
		Esc(n.Description),
		linkLine(n),
	))
}

// SendDocumentSaved announces files archived into the user's vault folder.
func (s *Service) SendDocumentSaved(ctx context.Context, chatID int64, n model.Notification, savedNames []string) error {
	parts := []H{
		"\U0001F4C1 " + B(n.Title),
		header(n),
	}
	for _, name := range savedNames {
		parts = append(parts, "• "+Esc(name))
	}
	parts = append(parts, I("guardado en tu carpeta"))
	return s.send(ctx, chatID, JoinH("\n", parts...))
}

// SendDocumentDownload offers a direct download link for one file that could
// not be archived.
func (s *Service) SendDocumentDownload(ctx context.Context, chatID int64, n model.Notification, f model.File) error {
	return s.send(ctx, chatID, JoinH("\n",
		"\U0001F4C4 "+B(n.Title),
		header(n),
		Link(f.FileName, f.DownloadURL),
	))
}

// SendDocumentLink is the link-only fallback when no file list is available
// or the vault is disabled.
func (s *Service) SendDocumentLink(ctx context.Context, chatID int64, n model.Notification) error {
	return s.send(ctx, chatID, JoinH("\n",
		"\U0001F4C4 "+B(n.Title),
		header(n),
		linkLine(n),
	))
}

func header(n model.Notification) H {
	return JoinH(" · ", I(n.Course), Esc(n.Date))
}

func linkLine(n model.Notification) H {
	if n.Link == "" {
		return ""
	}
	return Link("Ver en el portal", n.Link)
}
