package messenger

import (
	"context"
	"strings"
	"sync"
	"testing"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
	kit "github.com/Alpizar28/TecBot-api/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
	opts []*kit.SendOptions
}

func (c *captureSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.opts = append(c.opts, opt)
	return nil
}

func newTestService(c *captureSender) *Service {
	return NewService(Config{RatePerSec: 1000}, c, logx.Nop())
}

func TestNoticeEscapesUserContent(t *testing.T) {
	c := &captureSender{}
	s := newTestService(c)

	n := model.Notification{
		Title:       "Aviso <script> & más",
		Course:      "Intro <b>",
		Description: "a & b",
		Link:        "https://portal/n/1",
	}
	if err := s.SendNotice(context.Background(), 7, n); err != nil {
		t.Fatalf("SendNotice: %v", err)
	}
	if len(c.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(c.sent))
	}
	got := c.sent[0]
	for _, want := range []string{"Aviso &lt;script&gt; &amp; más", "Intro &lt;b&gt;", "a &amp; b"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing escaped fragment %q in %q", want, got)
		}
	}
	if strings.Contains(got, "<script>") {
		t.Fatalf("raw markup leaked: %q", got)
	}
	if c.opts[0] == nil || c.opts[0].ParseMode != kit.ParseModeHTML {
		t.Fatalf("expected HTML parse mode, got %+v", c.opts[0])
	}
}

func TestDocumentSavedListsFiles(t *testing.T) {
	c := &captureSender{}
	s := newTestService(c)

	n := model.Notification{Title: "Material", Course: "Redes"}
	if err := s.SendDocumentSaved(context.Background(), 7, n, []string{"a.pdf", "b & c.pdf"}); err != nil {
		t.Fatal(err)
	}
	got := c.sent[0]
	if !strings.Contains(got, "a.pdf") || !strings.Contains(got, "b &amp; c.pdf") {
		t.Fatalf("file names missing or unescaped: %q", got)
	}
}

func TestDocumentDownloadRendersLink(t *testing.T) {
	c := &captureSender{}
	s := newTestService(c)

	n := model.Notification{Title: "Material"}
	f := model.File{FileName: "a&b.pdf", DownloadURL: `https://portal/f?id=1&x="2"`}
	if err := s.SendDocumentDownload(context.Background(), 7, n, f); err != nil {
		t.Fatal(err)
	}
	got := c.sent[0]
	if !strings.Contains(got, `<a href="https://portal/f?id=1&amp;x=&#34;2&#34;">a&amp;b.pdf</a>`) {
		t.Fatalf("link not rendered safely: %q", got)
	}
}

func TestEscHelpers(t *testing.T) {
	if got := B("x<y").String(); got != "<b>x&lt;y</b>" {
		t.Fatalf("B: %q", got)
	}
	if got := JoinH("\n", "a", "", "b").String(); got != "a\nb" {
		t.Fatalf("JoinH must skip blanks: %q", got)
	}
}
