package adapter

import (
	"strings"
	"testing"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	kit "github.com/Alpizar28/TecBot-api/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	got := splitText("hola", 100, "")
	if len(got) != 1 || got[0] != "hola" {
		t.Fatalf("short text must pass through unchanged: %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	lines := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		lines = append(lines, strings.Repeat("x", 10))
	}
	text := strings.Join(lines, "\n")

	got := splitText(text, 50, "")
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	for i, chunk := range got {
		if len([]rune(chunk)) > 50 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(chunk)))
		}
		for _, line := range strings.Split(chunk, "\n") {
			if line != strings.Repeat("x", 10) {
				t.Fatalf("chunk %d split mid-line: %q", i, chunk)
			}
		}
	}
	if strings.Join(got, "\n") != text {
		t.Fatalf("content lost across chunks")
	}
}

func TestSplitTextAvoidsOpenHTMLTag(t *testing.T) {
	// The window edge falls inside "<abc>"; the split must back off to
	// just before the '<'.
	text := strings.Repeat("a", 42) + "<abc>" + strings.Repeat("b", 40)
	got := splitText(text, 44, kit.ParseModeHTML)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %v", got)
	}
	if got[0] != strings.Repeat("a", 42) {
		t.Fatalf("first chunk must stop before the tag: %q", got[0])
	}
	if !strings.HasPrefix(got[1], "<abc>") {
		t.Fatalf("tag must start the next chunk: %q", got[1])
	}
}

func TestSplitTextHardWrapWithoutNewlines(t *testing.T) {
	text := strings.Repeat("z", 95)
	got := splitText(text, 40, "")
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(got), got)
	}
	var total int
	for _, chunk := range got {
		total += len(chunk)
	}
	if total != 95 {
		t.Fatalf("runes lost: %d", total)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("blank token must be rejected")
	}
}
