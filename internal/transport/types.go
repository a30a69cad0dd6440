// Package transport abstracts the outbound messaging channel.
//
// The relay only ever sends; there is no inbound update handling. Keeping the
// adapter behind a small interface lets tests substitute a fake and keeps
// telebot out of every other package.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

const ParseModeHTML = "HTML"

// Sender delivers a text message to a chat. Implementations must be safe for
// concurrent use.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
