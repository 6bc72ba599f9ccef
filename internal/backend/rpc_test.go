package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func TestRPC_RoundTrip(t *testing.T) {
	bin := writeScript(t, `
read line # initialize
echo '{"id":1,"result":{}}'
read line # thread/start
echo '{"method":"thread/started","params":{"threadId":"T1"}}'
echo '{"id":2,"result":{"thread":{"id":"T1"}}}'
read line # turn/start
echo '{"id":3,"result":{}}'
echo '{"method":"turn/started","params":{"turn":{"id":"turn-1"}}}'
echo '{"method":"item/agentMessage/delta","params":{"delta":"hello "}}'
echo '{"method":"item/agentMessage/delta","params":{"delta":"world"}}'
echo '{"method":"turn/completed","params":{"turn":{"status":"completed"}}}'
read line # wait for close
`)
	sessions := newFakeSessions()
	r := NewRPC(RPCConfig{Bin: bin, Sessions: sessions, Env: testEnv})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := r.RunTurn(ctx, "discord:9", "say hello world")
	if got != "hello world" {
		t.Fatalf("RunTurn = %q, want %q", got, "hello world")
	}

	rec, _ := sessions.Get("discord:9")
	if rec == nil || rec.ID != "T1" {
		t.Fatalf("thread ID not persisted: %+v", rec)
	}
}

func TestRPC_ResumeUsesStoredThread(t *testing.T) {
	bin := writeScript(t, `
read line # initialize
echo '{"id":1,"result":{}}'
read line # thread/resume
case "$line" in
  *thread/resume*) echo '{"id":2,"result":{"thread":{"id":"T-old"}}}' ;;
  *) echo '{"id":2,"error":{"code":-1,"message":"expected resume"}}' ;;
esac
read line # turn/start
echo '{"id":3,"result":{}}'
echo '{"method":"item/agentMessage/delta","params":{"delta":"resumed"}}'
echo '{"method":"turn/completed","params":{"turn":{"status":"completed"}}}'
read line
`)
	sessions := newFakeSessions()
	_ = sessions.Set("k", "T-old", "earlier topic")
	r := NewRPC(RPCConfig{Bin: bin, Sessions: sessions, Env: testEnv})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if got := r.RunTurn(ctx, "k", "continue"); got != "resumed" {
		t.Fatalf("RunTurn = %q", got)
	}
}

func TestRPC_ServerRequestAnswered(t *testing.T) {
	bin := writeScript(t, `
read line # initialize
echo '{"id":1,"result":{}}'
read line # thread/start
echo '{"id":2,"result":{"thread":{"id":"T2"}}}'
read line # turn/start
echo '{"id":3,"result":{}}'
echo '{"id":77,"method":"execCommandApproval","params":{"command":"ls"}}'
read answer
case "$answer" in
  *approved*) echo '{"method":"item/agentMessage/delta","params":{"delta":"ran it"}}' ;;
  *) echo '{"method":"item/agentMessage/delta","params":{"delta":"blocked"}}' ;;
esac
echo '{"method":"turn/completed","params":{"turn":{"status":"completed"}}}'
read line
`)
	r := NewRPC(RPCConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if got := r.RunTurn(ctx, "k", "run ls"); got != "ran it" {
		t.Fatalf("RunTurn = %q, want auto-approved path", got)
	}
}

func TestRPC_FailedTurnStatus(t *testing.T) {
	bin := writeScript(t, `
read line
echo '{"id":1,"result":{}}'
read line
echo '{"id":2,"result":{"thread":{"id":"T3"}}}'
read line
echo '{"id":3,"result":{}}'
echo '{"method":"turn/completed","params":{"turn":{"status":"failed"}}}'
read line
`)
	r := NewRPC(RPCConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if got := r.RunTurn(ctx, "k", "x"); got != apologyText {
		t.Fatalf("RunTurn = %q, want apology for failed turn", got)
	}
}

func TestRPC_ProcessExitRejectsPending(t *testing.T) {
	bin := writeScript(t, `exit 3`)
	r := NewRPC(RPCConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	got := r.RunTurn(ctx, "k", "x")
	if got != apologyText {
		t.Fatalf("RunTurn = %q, want apology", got)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("pending request was not rejected on process exit")
	}
}

func TestRPC_ErrorResponseFailsTurn(t *testing.T) {
	bin := writeScript(t, `
read line
echo '{"id":1,"error":{"code":-32000,"message":"bad handshake"}}'
read line
`)
	r := NewRPC(RPCConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if got := r.RunTurn(ctx, "k", "x"); got != apologyText {
		t.Fatalf("RunTurn = %q, want apology on initialize failure", got)
	}
}

func TestRPC_ToolUpdatesFromItems(t *testing.T) {
	bin := writeScript(t, `
read line
echo '{"id":1,"result":{}}'
read line
echo '{"id":2,"result":{"thread":{"id":"T4"}}}'
read line
echo '{"id":3,"result":{}}'
echo '{"method":"item/started","params":{"item":{"id":"i1","type":"commandExecution"}}}'
echo '{"method":"item/completed","params":{"item":{"id":"i1","type":"commandExecution","status":"completed"}}}'
echo '{"method":"item/started","params":{"item":{"id":"i2","type":"fileChange"}}}'
echo '{"method":"item/completed","params":{"item":{"id":"i2","type":"fileChange","status":"failed"}}}'
echo '{"method":"item/agentMessage/delta","params":{"delta":"done"}}'
echo '{"method":"turn/completed","params":{"turn":{"status":"completed"}}}'
read line
`)
	updates, onUpdate, mu := collectUpdates()
	r := NewRPC(RPCConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv, OnUpdate: onUpdate})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if got := r.RunTurn(ctx, "k", "x"); got != "done" {
		t.Fatalf("RunTurn = %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	var starts, fails, finishes int
	for _, u := range *updates {
		switch u.Kind {
		case domain.ToolCallStarted:
			starts++
		case domain.ToolCallFailed:
			fails++
			if u.ToolName != "Edit" {
				t.Errorf("failed tool = %q, want Edit", u.ToolName)
			}
		case domain.ToolCallFinished:
			finishes++
		}
	}
	if starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}
	if fails != 1 {
		t.Errorf("fails = %d, want 1", fails)
	}
	// Successful completions are silent in this protocol.
	if finishes != 0 {
		t.Errorf("finishes = %d, want 0", finishes)
	}
}

func TestRPC_PermissionModeSentOnTurnStart(t *testing.T) {
	bin := writeScript(t, `
read line # initialize
echo '{"id":1,"result":{}}'
read line # thread/start
echo '{"id":2,"result":{"thread":{"id":"T6"}}}'
read line # turn/start carries the mode
case "$line" in
  *bypassPermissions*) echo '{"method":"item/agentMessage/delta","params":{"delta":"mode forwarded"}}' ;;
  *) echo '{"method":"item/agentMessage/delta","params":{"delta":"mode missing"}}' ;;
esac
echo '{"id":3,"result":{}}'
echo '{"method":"turn/completed","params":{"turn":{"status":"completed"}}}'
read line
`)
	r := NewRPC(RPCConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})
	defer r.CloseAll()
	r.SetPermissionMode(domain.ModeBypassPermissions)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if got := r.RunTurn(ctx, "k", "x"); got != "mode forwarded" {
		t.Fatalf("RunTurn = %q, turn/start did not carry the permission mode", got)
	}
}

func TestRPC_StartNewSessionClears(t *testing.T) {
	sessions := newFakeSessions()
	_ = sessions.Set("k", "T9", "topic")
	r := NewRPC(RPCConfig{Bin: "unused", Sessions: sessions, Env: testEnv})

	if err := r.StartNewSession("k"); err != nil {
		t.Fatal(err)
	}
	rec, _ := sessions.Get("k")
	if rec != nil {
		t.Fatalf("session not cleared: %+v", rec)
	}
}

func TestRPC_UnknownServerRequestGetsError(t *testing.T) {
	bin := writeScript(t, `
read line
echo '{"id":1,"result":{}}'
read line
echo '{"id":2,"result":{"thread":{"id":"T5"}}}'
read line
echo '{"id":3,"result":{}}'
echo '{"id":50,"method":"mystery/method","params":{}}'
read answer
case "$answer" in
  *32601*) echo '{"method":"item/agentMessage/delta","params":{"delta":"got protocol error"}}' ;;
  *) echo '{"method":"item/agentMessage/delta","params":{"delta":"no error"}}' ;;
esac
echo '{"method":"turn/completed","params":{"turn":{"status":"completed"}}}'
read line
`)
	r := NewRPC(RPCConfig{Bin: bin, Sessions: newFakeSessions(), Env: testEnv})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := r.RunTurn(ctx, "k", "x")
	if !strings.Contains(got, "got protocol error") {
		t.Fatalf("RunTurn = %q, unknown server request was not answered with an error", got)
	}
}
