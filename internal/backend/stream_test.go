package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"relaybot/internal/domain"
)

// fakeSessions is an in-memory domain.SessionStore for backend tests.
type fakeSessions struct {
	mu      sync.Mutex
	records map[string]domain.SessionRecord
	sets    int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{records: make(map[string]domain.SessionRecord)}
}

func (f *fakeSessions) Get(key string) (*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (f *fakeSessions) Set(key, id, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = domain.SessionRecord{ID: id, Topic: topic}
	f.sets++
	return nil
}

func (f *fakeSessions) Clear(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, key)
	return nil
}

func (f *fakeSessions) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

// writeScript drops a fake agent binary into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testEnv() []string {
	return []string{"PATH=/usr/bin:/bin"}
}

func collectUpdates() (*[]domain.TurnUpdate, domain.UpdateFunc, *sync.Mutex) {
	var mu sync.Mutex
	updates := &[]domain.TurnUpdate{}
	return updates, func(u domain.TurnUpdate) {
		mu.Lock()
		*updates = append(*updates, u)
		mu.Unlock()
	}, &mu
}

func TestStream_RunTurnPersistsSession(t *testing.T) {
	bin := writeScript(t, `
echo '{"type":"assistant","session_id":"S1","message":{"content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","is_error":false,"result":"hi"}'
`)
	sessions := newFakeSessions()
	s := NewStream(StreamConfig{
		Bin:      bin,
		Sessions: sessions,
		Env:      testEnv,
	})

	got := s.RunTurn(context.Background(), "telegram:1", "hello there")
	if got != "hi" {
		t.Fatalf("RunTurn = %q, want %q", got, "hi")
	}

	rec, _ := sessions.Get("telegram:1")
	if rec == nil || rec.ID != "S1" {
		t.Fatalf("session not persisted: %+v", rec)
	}
	if rec.Topic == "" {
		t.Fatal("topic not derived from user text")
	}
}

func TestStream_NonZeroExitIsApology(t *testing.T) {
	bin := writeScript(t, `exit 1`)
	sessions := newFakeSessions()
	s := NewStream(StreamConfig{Bin: bin, Sessions: sessions, Env: testEnv})

	got := s.RunTurn(context.Background(), "k", "do things")
	if got != apologyText {
		t.Fatalf("RunTurn = %q, want apology", got)
	}
	if sessions.setCount() != 0 {
		t.Fatal("session store must not be touched on failure")
	}
}

func TestStream_ErrorResultFrameIsApology(t *testing.T) {
	bin := writeScript(t, `
echo '{"type":"result","is_error":true,"result":"credit exhausted"}'
`)
	s := NewStream(StreamConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})

	if got := s.RunTurn(context.Background(), "k", "x"); got != apologyText {
		t.Fatalf("RunTurn = %q, want apology", got)
	}
}

func TestStream_LatestAssistantSnapshotWins(t *testing.T) {
	bin := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"first draft"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"final answer"}]}}'
echo '{"type":"result","is_error":false,"result":"fallback"}'
`)
	s := NewStream(StreamConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})

	if got := s.RunTurn(context.Background(), "k", "x"); got != "final answer" {
		t.Fatalf("RunTurn = %q, want latest snapshot", got)
	}
}

func TestStream_ResultFallbackWhenNoAssistantText(t *testing.T) {
	bin := writeScript(t, `
echo '{"type":"result","is_error":false,"result":"only the result"}'
`)
	s := NewStream(StreamConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})

	if got := s.RunTurn(context.Background(), "k", "x"); got != "only the result" {
		t.Fatalf("RunTurn = %q", got)
	}
}

func TestStream_MalformedLinesSkipped(t *testing.T) {
	bin := writeScript(t, `
echo 'this is not json'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}'
echo '{broken'
echo '{"type":"result","is_error":false,"result":""}'
`)
	s := NewStream(StreamConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})

	if got := s.RunTurn(context.Background(), "k", "x"); got != "ok" {
		t.Fatalf("RunTurn = %q, want %q", got, "ok")
	}
}

func TestStream_ToolUpdates(t *testing.T) {
	bin := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Read"}]}}'
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"file contents"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu2","name":"Bash"}]}}'
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu2","is_error":true,"content":"command not found"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'
echo '{"type":"result","is_error":false,"result":""}'
`)
	updates, onUpdate, mu := collectUpdates()
	s := NewStream(StreamConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv, OnUpdate: onUpdate})

	if got := s.RunTurn(context.Background(), "k", "x"); got != "done" {
		t.Fatalf("RunTurn = %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	type ev struct {
		kind domain.TurnUpdateKind
		tool string
	}
	var got []ev
	for _, u := range *updates {
		if u.Kind == domain.TurnStarted || u.Kind == domain.TurnFinished {
			continue
		}
		got = append(got, ev{u.Kind, u.ToolName})
	}
	want := []ev{
		{domain.ToolCallStarted, "Read"},
		{domain.ToolCallFinished, "Read"},
		{domain.ToolCallStarted, "Bash"},
		{domain.ToolCallFailed, "Bash"},
	}
	if len(got) != len(want) {
		t.Fatalf("updates = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("update %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStream_RunPlanTurnClassifies(t *testing.T) {
	bin := writeScript(t, `
echo '{"type":"assistant","session_id":"S2","message":{"content":[{"type":"text","text":"I will create a new handler in server.go."}]}}'
echo '{"type":"result","is_error":false,"result":""}'
`)
	s := NewStream(StreamConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})

	res := s.RunPlanTurn(context.Background(), "k", "add a handler")
	if !res.HasPlan {
		t.Fatalf("expected plan detected: %+v", res)
	}
	if res.Text != "I will create a new handler in server.go." {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestStream_PermissionArgs(t *testing.T) {
	plan := permissionArgs(domain.ModePlan)
	if len(plan) != 2 || plan[0] != "--permission-mode" || plan[1] != "plan" {
		t.Fatalf("plan args = %v", plan)
	}

	bypass := permissionArgs(domain.ModeBypassPermissions)
	if len(bypass) != 3 || bypass[2] != "--dangerously-skip-permissions" {
		t.Fatalf("bypass args = %v", bypass)
	}

	// Recomputed per call: changing the mode twice cannot duplicate flags.
	again := permissionArgs(domain.ModeBypassPermissions)
	if len(again) != 3 {
		t.Fatalf("args grew across calls: %v", again)
	}
}

func TestStream_SetPermissionModeIdempotent(t *testing.T) {
	s := NewStream(StreamConfig{Bin: "unused", Sessions: newFakeSessions(), Env: testEnv})
	s.SetPermissionMode(domain.ModeAcceptEdits)
	s.SetPermissionMode(domain.ModeAcceptEdits)
	if s.defaultMode() != domain.ModeAcceptEdits {
		t.Fatalf("mode = %q", s.defaultMode())
	}
}
