package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"relaybot/internal/domain"
)

// RPCConfig configures the long-lived subprocess backend.
type RPCConfig struct {
	Bin       string
	Args      []string // e.g. the app-server subcommand
	Model     string
	Workspace string
	Mode      domain.PermissionMode
	Sessions  domain.SessionStore
	OnUpdate  domain.UpdateFunc
	Logger    *slog.Logger
	Env       func() []string
}

// RPC drives an agent runtime that stays alive across turns and speaks a
// correlated request/response protocol over newline-delimited JSON on
// its standard streams. One subprocess is held per conversation key.
//
// The protocol is bidirectional: besides responses and notifications the
// subprocess may send its own requests, which must always be answered or
// it will hang waiting.
type RPC struct {
	bin       string
	args      []string
	model     string
	workspace string
	sessions  domain.SessionStore
	onUpdate  domain.UpdateFunc
	logger    *slog.Logger
	env       func() []string

	mu      sync.Mutex
	mode    domain.PermissionMode
	clients map[string]*rpcClient
}

// NewRPC creates the subprocess-RPC backend.
func NewRPC(cfg RPCConfig) *RPC {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Env == nil {
		cfg.Env = ChildEnv
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePlan
	}
	return &RPC{
		bin:       cfg.Bin,
		args:      cfg.Args,
		model:     cfg.Model,
		workspace: cfg.Workspace,
		sessions:  cfg.Sessions,
		onUpdate:  cfg.OnUpdate,
		logger:    cfg.Logger,
		env:       cfg.Env,
		mode:      cfg.Mode,
		clients:   make(map[string]*rpcClient),
	}
}

func (r *RPC) SetPermissionMode(mode domain.PermissionMode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
}

func (r *RPC) defaultMode() domain.PermissionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// CloseAll terminates every held runtime.
func (r *RPC) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*rpcClient)
	r.mu.Unlock()

	for key, c := range clients {
		c.close()
		r.logger.Debug("agent runtime closed", "key", key)
	}
}

// StartNewSession drops the stored thread ID and the live runtime so the
// next turn starts with fresh context.
func (r *RPC) StartNewSession(key string) error {
	r.mu.Lock()
	c := r.clients[key]
	delete(r.clients, key)
	r.mu.Unlock()
	if c != nil {
		c.close()
	}
	return r.sessions.Clear(key)
}

func (r *RPC) RunTurn(ctx context.Context, key, text string) string {
	c, err := r.client(key)
	if err != nil {
		r.logger.Error("agent runtime spawn failed", "key", key, "bin", r.bin, "error", err)
		return apologyText
	}

	turn, err := r.runSequence(ctx, c, key, text)
	if err != nil {
		// The child must not be left running on a failed sequence.
		r.logger.Error("agent turn failed", "key", key, "error", err)
		r.drop(key, c)
		return apologyText
	}

	if turn.threadID != "" {
		if err := r.sessions.Set(key, turn.threadID, topicFrom(text)); err != nil {
			r.logger.Warn("session persist failed", "key", key, "thread", turn.threadID, "error", err)
		}
	}
	if turn.failed {
		r.logger.Error("agent reported failed turn", "key", key, "status", turn.status)
		return apologyText
	}
	if turn.text.Len() == 0 {
		return noResponseText
	}
	return turn.text.String()
}

var _ domain.Backend = (*RPC)(nil)

// runSequence performs initialize -> thread/start|resume -> turn/start
// and blocks until the turn/completed notification settles the turn.
func (r *RPC) runSequence(ctx context.Context, c *rpcClient, key, text string) (*rpcTurn, error) {
	if _, err := c.request(ctx, "initialize", map[string]any{
		"clientInfo": map[string]string{"name": "relaybot"},
	}); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	turn := c.beginTurn()

	var threadID string
	if rec, err := r.sessions.Get(key); err == nil && rec != nil && rec.ID != "" {
		resp, err := c.request(ctx, "thread/resume", map[string]any{"threadId": rec.ID})
		if err != nil {
			return nil, fmt.Errorf("thread/resume: %w", err)
		}
		threadID = threadIDFrom(resp, rec.ID)
	} else {
		resp, err := c.request(ctx, "thread/start", map[string]any{
			"cwd":   r.workspace,
			"model": r.model,
		})
		if err != nil {
			return nil, fmt.Errorf("thread/start: %w", err)
		}
		threadID = threadIDFrom(resp, "")
	}

	// The mode rides on every turn/start, so a SetPermissionMode between
	// turns takes effect on the next turn even for resumed threads.
	if _, err := c.request(ctx, "turn/start", map[string]any{
		"threadId":       threadID,
		"input":          []map[string]string{{"type": "text", "text": text}},
		"permissionMode": string(r.defaultMode()),
	}); err != nil {
		return nil, fmt.Errorf("turn/start: %w", err)
	}

	select {
	case <-turn.done:
	case <-c.exited:
		return nil, fmt.Errorf("agent runtime exited mid-turn: %w", c.exitErr())
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Notifications are handled by a single goroutine in arrival order,
	// so once done is closed every earlier delta is already applied.
	if turn.threadID == "" {
		turn.threadID = threadID
	}
	return turn, nil
}

// drop closes a client and forgets it.
func (r *RPC) drop(key string, c *rpcClient) {
	r.mu.Lock()
	if r.clients[key] == c {
		delete(r.clients, key)
	}
	r.mu.Unlock()
	c.close()
}

// client returns the live runtime for key, spawning one if needed.
func (r *RPC) client(key string) (*rpcClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok && !c.dead() {
		return c, nil
	}

	c, err := r.spawn(key)
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}

func (r *RPC) spawn(key string) (*rpcClient, error) {
	cmd := exec.Command(r.bin, r.args...)
	cmd.Dir = r.workspace
	cmd.Env = r.env()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	c := &rpcClient{
		key:      key,
		cmd:      cmd,
		stdin:    stdin,
		pending:  make(map[int64]chan rpcMessage),
		exited:   make(chan struct{}),
		onUpdate: r.onUpdate,
		logger:   r.logger,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go c.readLoop(stdout)
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		if err != nil {
			c.err = fmt.Errorf("agent runtime exited: %w (stderr: %s)", err, truncate(stderr.String(), 256))
		} else {
			c.err = fmt.Errorf("agent runtime exited")
		}
		c.mu.Unlock()
		close(c.exited)
		c.rejectAllPending()
	}()

	r.logger.Info("agent runtime started", "key", key, "bin", r.bin)
	return c, nil
}

// rpcMessage covers the three wire shapes: request (id+method),
// response (id without method), notification (method without id).
type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcTurn is the mutable state of one in-flight turn. It is only touched
// by the reader goroutine until done is closed.
type rpcTurn struct {
	threadID string
	turnID   string
	text     strings.Builder // append-only deltas, unlike the stream backend's snapshots
	failed   bool
	status   string
	done     chan struct{}
}

type rpcClient struct {
	key      string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	onUpdate domain.UpdateFunc
	logger   *slog.Logger

	writeMu sync.Mutex // serializes stdin writes (caller requests + server-request answers)

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcMessage
	turn    *rpcTurn
	closed  bool
	err     error

	exited chan struct{}
}

func (c *rpcClient) dead() bool {
	select {
	case <-c.exited:
		return true
	default:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closed
	}
}

func (c *rpcClient) exitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return fmt.Errorf("agent runtime gone")
}

func (c *rpcClient) beginTurn() *rpcTurn {
	t := &rpcTurn{done: make(chan struct{})}
	c.mu.Lock()
	c.turn = t
	c.mu.Unlock()
	return t
}

// request sends one correlated request and blocks for its response.
func (c *rpcClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(rpcMessage{ID: &id, Method: method, Params: mustRaw(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.exited:
		return nil, c.exitErr()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *rpcClient) send(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// readLoop is the single consumer of the runtime's stdout. Handling
// frames inline here is what guarantees strict ordering: a notification
// is fully applied before the next line is decoded.
func (c *rpcClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.logger.Warn("malformed rpc message skipped", "key", c.key, "error", err)
			continue
		}

		switch {
		case msg.ID != nil && msg.Method != "":
			c.handleServerRequest(msg)
		case msg.ID != nil:
			c.settle(msg)
		case msg.Method != "":
			c.handleNotification(msg)
		default:
			c.logger.Warn("rpc message with neither id nor method", "key", c.key)
		}
	}
}

func (c *rpcClient) settle(msg rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response with no pending request", "key", c.key, "id", *msg.ID)
		return
	}
	ch <- msg
}

func (c *rpcClient) rejectAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcMessage)
	c.mu.Unlock()

	errMsg := c.exitErr().Error()
	for id, ch := range pending {
		ch <- rpcMessage{ID: &id, Error: &rpcError{Code: -32000, Message: errMsg}}
	}
}

// handleServerRequest answers requests initiated by the subprocess.
// Leaving one unanswered would hang the runtime, so unknown methods get
// a protocol error instead of silence.
func (c *rpcClient) handleServerRequest(msg rpcMessage) {
	var reply rpcMessage
	reply.ID = msg.ID

	switch msg.Method {
	case "execCommandApproval", "applyPatchApproval":
		// Approval already happened at the orchestration layer before an
		// execute turn reaches this backend.
		reply.Result = mustRaw(map[string]string{"decision": "approved"})
	case "input/request":
		reply.Result = mustRaw(map[string]string{"text": ""})
	default:
		c.logger.Warn("unknown server request", "key", c.key, "method", msg.Method)
		reply.Error = &rpcError{Code: -32601, Message: "method not found: " + msg.Method}
	}

	if err := c.send(reply); err != nil {
		c.logger.Warn("server request answer failed", "key", c.key, "method", msg.Method, "error", err)
	}
}

// itemTypeTools maps protocol item types to reported tool names.
var itemTypeTools = map[string]string{
	"commandExecution": "Bash",
	"fileChange":       "Edit",
	"mcpToolCall":      "Tool",
	"webSearch":        "WebSearch",
	"todoList":         "TodoWrite",
}

func (c *rpcClient) handleNotification(msg rpcMessage) {
	c.mu.Lock()
	turn := c.turn
	c.mu.Unlock()
	if turn == nil {
		return
	}

	switch msg.Method {
	case "thread/started":
		var p struct {
			ThreadID string `json:"threadId"`
		}
		if json.Unmarshal(msg.Params, &p) == nil && p.ThreadID != "" {
			turn.threadID = p.ThreadID
		}

	case "turn/started":
		var p struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		if json.Unmarshal(msg.Params, &p) == nil {
			turn.turnID = p.Turn.ID
		}
		c.emit(domain.TurnUpdate{Kind: domain.TurnStarted, Key: c.key})

	case "item/agentMessage/delta":
		var p struct {
			Delta string `json:"delta"`
		}
		if json.Unmarshal(msg.Params, &p) == nil {
			turn.text.WriteString(p.Delta)
		}

	case "item/started":
		if item, ok := decodeItem(msg.Params); ok {
			if tool, known := itemTypeTools[item.Type]; known {
				c.emit(domain.TurnUpdate{
					Kind:      domain.ToolCallStarted,
					Key:       c.key,
					ToolName:  tool,
					ToolUseID: item.ID,
				})
			}
		}

	case "item/completed":
		// Successful completions are silent; only failures are reported.
		if item, ok := decodeItem(msg.Params); ok && item.Status == "failed" {
			tool := itemTypeTools[item.Type]
			c.emit(domain.TurnUpdate{
				Kind:      domain.ToolCallFailed,
				Key:       c.key,
				ToolName:  tool,
				ToolUseID: item.ID,
			})
		}

	case "turn/completed":
		var p struct {
			Turn struct {
				Status string `json:"status"`
			} `json:"turn"`
		}
		if json.Unmarshal(msg.Params, &p) == nil {
			turn.status = p.Turn.Status
			turn.failed = p.Turn.Status != "completed"
		}
		c.emit(domain.TurnUpdate{Kind: domain.TurnFinished, Key: c.key})
		close(turn.done)
		c.mu.Lock()
		c.turn = nil
		c.mu.Unlock()

	default:
		c.logger.Debug("unhandled notification", "key", c.key, "method", msg.Method)
	}
}

type rpcItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

func decodeItem(params json.RawMessage) (rpcItem, bool) {
	var p struct {
		Item rpcItem `json:"item"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return rpcItem{}, false
	}
	return p.Item, true
}

func (c *rpcClient) emit(u domain.TurnUpdate) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}

// close terminates the runtime: stdin closes first so a well-behaved
// process exits on its own, then the process is killed if still around.
func (c *rpcClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdin.Close()
	select {
	case <-c.exited:
	default:
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}

func threadIDFrom(result json.RawMessage, fallback string) string {
	var p struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(result, &p); err == nil {
		if p.Thread.ID != "" {
			return p.Thread.ID
		}
		if p.ThreadID != "" {
			return p.ThreadID
		}
	}
	return fallback
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
