package wa

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
)

// scriptedSurface resolves Eval calls by matching expression substrings to
// canned JSON values.
type scriptedSurface struct {
	replies map[string]string
	evals   []string
	keys    []string
}

func (s *scriptedSurface) Navigate(context.Context, string) error { return nil }
func (s *scriptedSurface) PressKey(_ context.Context, key string) error {
	s.keys = append(s.keys, key)
	return nil
}
func (s *scriptedSurface) Alive() bool  { return true }
func (s *scriptedSurface) Close() error { return nil }

func (s *scriptedSurface) Eval(_ context.Context, expr string, out any) error {
	s.evals = append(s.evals, expr)
	for needle, reply := range s.replies {
		if strings.Contains(expr, needle) {
			if out == nil {
				return nil
			}
			return json.Unmarshal([]byte(reply), out)
		}
	}
	if out != nil {
		return json.Unmarshal([]byte("null"), out)
	}
	return nil
}

func (s *scriptedSurface) WaitFor(ctx context.Context, predicate string, _ time.Duration) error {
	var ok bool
	if err := s.Eval(ctx, predicate, &ok); err != nil {
		return err
	}
	if !ok {
		return context.DeadlineExceeded
	}
	return nil
}

func TestSetMessageFailsWithoutComposer(t *testing.T) {
	surf := &scriptedSurface{replies: map[string]string{"insertText": "false"}}
	client := NewClient(surf, DefaultSelectors())

	if err := client.SetMessage(context.Background(), "hola"); err == nil {
		t.Fatal("expected error when the composer is not mounted")
	}
}

func TestTriggerSendFallsBackToEnter(t *testing.T) {
	surf := &scriptedSurface{replies: map[string]string{"btn.closest": "false"}}
	client := NewClient(surf, DefaultSelectors())

	if err := client.TriggerSend(context.Background()); err != nil {
		t.Fatalf("trigger send: %v", err)
	}
	if len(surf.keys) != 1 || surf.keys[0] != "Enter" {
		t.Fatalf("expected Enter fallback, got %v", surf.keys)
	}
}

func TestExtractMessagesMapping(t *testing.T) {
	rows := `[
		{"id":"m1","outgoing":true,"text":"hola","time":"10:02","media_kind":"","media_ref":""},
		{"id":"m2","outgoing":false,"text":"","time":"10:05","media_kind":"image","media_ref":"blob:abc"},
		{"id":"m3","outgoing":false,"text":"","time":"10:07","media_kind":"audio","media_ref":""}
	]`
	surf := &scriptedSurface{replies: map[string]string{"seen.add": rows}}
	client := NewClient(surf, DefaultSelectors())

	msgs, err := client.ExtractMessages(context.Background())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Direction != domain.DirectionOutgoing || msgs[0].Text != "hola" {
		t.Errorf("outgoing row mapped wrong: %+v", msgs[0])
	}
	if !msgs[1].HasMedia || msgs[1].MediaKind != domain.MediaImage || msgs[1].MediaRef != "blob:abc" {
		t.Errorf("media row mapped wrong: %+v", msgs[1])
	}
	if !msgs[2].HasMedia || msgs[2].MediaKind != domain.MediaAudio {
		t.Errorf("audio row mapped wrong: %+v", msgs[2])
	}
}

func TestTargetUnreachableShortCircuitsOnComposer(t *testing.T) {
	surf := &scriptedSurface{replies: map[string]string{"'invalid'": `"composer"`}}
	client := NewClient(surf, DefaultSelectors())

	unreachable, err := client.TargetUnreachable(context.Background())
	if err != nil {
		t.Fatalf("target check: %v", err)
	}
	if unreachable {
		t.Fatal("a mounted composer means the address resolved")
	}
	if len(surf.evals) != 1 {
		t.Fatalf("expected a single poll, got %d", len(surf.evals))
	}
}

func TestTargetUnreachableDetectsDialog(t *testing.T) {
	surf := &scriptedSurface{replies: map[string]string{"'invalid'": `"invalid"`}}
	client := NewClient(surf, DefaultSelectors())

	unreachable, err := client.TargetUnreachable(context.Background())
	if err != nil {
		t.Fatalf("target check: %v", err)
	}
	if !unreachable {
		t.Fatal("invalid-number dialog must mark the target unreachable")
	}
}

func TestTargetUnreachableWaitsOutWindowWhenUnresolved(t *testing.T) {
	surf := &scriptedSurface{}
	client := NewClient(surf, DefaultSelectors())
	client.validityWindow = 10 * time.Millisecond

	unreachable, err := client.TargetUnreachable(context.Background())
	if err != nil {
		t.Fatalf("target check: %v", err)
	}
	if unreachable {
		t.Fatal("no dialog within the window means reachable")
	}
}

func TestConversationTitleFallsBackToHeader(t *testing.T) {
	surf := &scriptedSurface{replies: map[string]string{"conversation-info-header": `"Ana Martínez"`}}
	client := NewClient(surf, DefaultSelectors())

	title, err := client.ConversationTitle(context.Background())
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if title != "Ana Martínez" {
		t.Fatalf("expected header title, got %q", title)
	}
}

func TestLoadSelectorsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	if err := os.WriteFile(path, []byte("chat_list: '#nuevo-panel'\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sel, err := LoadSelectors(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sel.ChatList != "#nuevo-panel" {
		t.Errorf("override not applied: %q", sel.ChatList)
	}
	if sel.Composer != DefaultSelectors().Composer {
		t.Errorf("untouched fields must keep defaults")
	}
}

func TestLoadSelectorsMissingFileKeepsDefaults(t *testing.T) {
	sel, err := LoadSelectors(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if sel.ChatList != DefaultSelectors().ChatList {
		t.Errorf("defaults not returned")
	}
}
