package apps

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveExactMatch(t *testing.T) {
	r := New()
	if err := r.Put("guestbook", []string{"/bin/guestbook"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, ok := r.Resolve("guestbook")
	if !ok {
		t.Fatalf("expected match")
	}
	if res.App.Name != "guestbook" {
		t.Errorf("got app %q", res.App.Name)
	}
}

func TestResolvePatternCapture(t *testing.T) {
	r := New()
	if err := r.Put("chat-{room}", []string{"/bin/chat.sh"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, ok := r.Resolve("chat-lobby")
	if !ok {
		t.Fatalf("expected match")
	}
	if res.App.Name != "chat-{room}" {
		t.Errorf("got app %q", res.App.Name)
	}
	if res.Params["room"] != "lobby" {
		t.Errorf("got params %v", res.Params)
	}
}

func TestResolveExactBeforePattern(t *testing.T) {
	r := New()
	if err := r.Put("chat-{room}", []string{"/bin/chat.sh"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put("chat-admin", []string{"/bin/chat-admin.sh"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, ok := r.Resolve("chat-admin")
	if !ok {
		t.Fatalf("expected match")
	}
	if res.App.Name != "chat-admin" {
		t.Errorf("exact entry should win over pattern, got %q", res.App.Name)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := New()
	if err := r.Put("default", []string{"/bin/default-app"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, ok := r.Resolve("nonexistent")
	if !ok || res.App.Name != "default" {
		t.Fatalf("expected default fallback, got %+v ok=%v", res, ok)
	}
}

func TestResolveFailsWithoutDefault(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("nonexistent"); ok {
		t.Fatalf("expected no match")
	}
}

func TestReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.yml")
	initial := "- name: guestbook\n  command: [\"/bin/guestbook\"]\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, ok := r.Resolve("guestbook"); !ok {
		t.Fatalf("expected guestbook to resolve")
	}
	if _, ok := r.Resolve("games"); ok {
		t.Fatalf("did not expect games to resolve yet")
	}

	updated := initial + "- name: games\n  command: [\"/bin/games\"]\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := r.Resolve("games"); !ok {
		t.Fatalf("expected games to resolve after reload")
	}
}

func TestCompileRejectsEmptyCommand(t *testing.T) {
	r := New()
	if err := r.Put("broken", nil); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
