// Package codex drives a codex app-server child process over its stdio
// JSON-RPC transport.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/rpc"
)

const (
	clientName    = "portcullis"
	clientTitle   = "Portcullis"
	clientVersion = "0.1.0"

	// handshakeTimeout bounds spawn-to-ready; a child that cannot
	// initialize in this window is killed.
	handshakeTimeout = 30 * time.Second

	// approvalPolicy is fixed: the gateway has no interactive approver.
	approvalPolicy = "never"
)

// SpawnOptions configures one child process.
type SpawnOptions struct {
	Binary     string // resolved codex executable
	DataDir    string // exported as CODEX_HOME
	WorkingDir string // child CWD, empty for inherited
	APIKey     string // propagated via env and account/login/start
	Model      string // default model for new threads, optional
}

// Client owns one codex app-server child and its RPC transport.
type Client struct {
	opts SpawnOptions
	cmd  *exec.Cmd
	tr   *rpc.Transport

	stopOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

// Spawn starts the child, wires the transport, and runs the handshake:
// initialize, the initialized notification, then account/login/start when
// an API key is configured. On any handshake failure the child is killed
// before the error is returned.
func Spawn(ctx context.Context, opts SpawnOptions) (*Client, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", opts.DataDir, err)
	}

	cmd := exec.Command(opts.Binary, "app-server")
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	env := append(os.Environ(), "CODEX_HOME="+opts.DataDir)
	if opts.APIKey != "" {
		env = append(env, "OPENAI_API_KEY="+opts.APIKey)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s app-server: %w", opts.Binary, err)
	}

	c := &Client{
		opts:   opts,
		cmd:    cmd,
		tr:     rpc.NewTransport(stdin, stdout, stderr),
		exited: make(chan struct{}),
	}

	// Reap only after the reader has drained stdout; Wait closes the
	// pipes and would race the scanner otherwise.
	go func() {
		<-c.tr.Done()
		c.exitErr = cmd.Wait()
		close(c.exited)
	}()

	if err := c.handshake(ctx); err != nil {
		c.Stop(2 * time.Second)
		return nil, err
	}

	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, err := c.tr.Call(ctx, methodInitialize, initializeParams{
		ClientInfo: clientInfo{Name: clientName, Title: clientTitle, Version: clientVersion},
	})
	if err != nil {
		return fmt.Errorf("handshake initialize: %w", err)
	}

	if err := c.tr.Notify(notifyInitialized, map[string]any{}); err != nil {
		return fmt.Errorf("handshake initialized notification: %w", err)
	}

	if c.opts.APIKey != "" {
		_, err := c.tr.Call(ctx, methodLoginStart, loginParams{Type: "apiKey", APIKey: c.opts.APIKey})
		if err != nil {
			return fmt.Errorf("handshake login: %w", err)
		}
	}

	return nil
}

// ThreadStart creates a new thread, returning its id. An explicit model
// wins over the spawn default.
func (c *Client) ThreadStart(ctx context.Context, model string) (string, error) {
	if model == "" {
		model = c.opts.Model
	}
	result, err := c.tr.Call(ctx, methodThreadStart, threadStartParams{
		ApprovalPolicy: approvalPolicy,
		Model:          model,
	})
	if err != nil {
		return "", fmt.Errorf("thread/start: %w", err)
	}

	var res threadStartResult
	if err := json.Unmarshal(result, &res); err != nil {
		return "", fmt.Errorf("parse thread/start result: %w", err)
	}
	if res.Thread.ID == "" {
		return "", fmt.Errorf("thread/start returned no thread id")
	}
	return res.Thread.ID, nil
}

// ThreadResume reattaches the child to an existing thread.
func (c *Client) ThreadResume(ctx context.Context, threadID string) error {
	if _, err := c.tr.Call(ctx, methodThreadResume, threadResumeParams{ThreadID: threadID}); err != nil {
		return fmt.Errorf("thread/resume %s: %w", threadID, err)
	}
	return nil
}

// ThreadList returns one page of threads, newest first by creation time.
func (c *Client) ThreadList(ctx context.Context, limit int, cursor string) (*ThreadPage, error) {
	result, err := c.tr.Call(ctx, methodThreadList, threadListParams{
		Limit:   limit,
		SortKey: "created_at",
		Cursor:  cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("thread/list: %w", err)
	}

	var page ThreadPage
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, fmt.Errorf("parse thread/list result: %w", err)
	}
	return &page, nil
}

// ThreadRead fetches one thread with its turns.
func (c *Client) ThreadRead(ctx context.Context, threadID string) (*ThreadDetail, error) {
	result, err := c.tr.Call(ctx, methodThreadRead, threadReadParams{ThreadID: threadID, IncludeTurns: true})
	if err != nil {
		return nil, fmt.Errorf("thread/read %s: %w", threadID, err)
	}

	var res threadReadResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("parse thread/read result: %w", err)
	}
	return &res.Thread, nil
}

// Subscribe returns a subscription for all notifications on one thread.
// Callers subscribe before StartTurn so no notification is missed.
func (c *Client) Subscribe(threadID string) *rpc.Subscription {
	return c.tr.Subscribe(rpc.MatchThread(threadID))
}

// StartTurn issues turn/start for a prompt on an existing thread.
func (c *Client) StartTurn(ctx context.Context, threadID, prompt, model string) error {
	if model == "" {
		model = c.opts.Model
	}
	_, err := c.tr.Call(ctx, methodTurnStart, turnStartParams{
		ThreadID: threadID,
		Input:    []inputItem{{Type: "text", Text: prompt}},
		Model:    model,
	})
	if err != nil {
		return fmt.Errorf("turn/start on %s: %w", threadID, err)
	}
	return nil
}

// Done is closed when the transport has died (child exit or pipe failure).
func (c *Client) Done() <-chan struct{} {
	return c.tr.Done()
}

// Healthy reports whether the transport reader is still running.
func (c *Client) Healthy() bool {
	return c.tr.State() == rpc.StateRunning
}

// StderrTail returns recent child stderr for diagnostics.
func (c *Client) StderrTail(max int) string {
	return c.tr.StderrTail(max)
}

// ExitErr returns the process exit error once the child has been reaped.
func (c *Client) ExitErr() error {
	select {
	case <-c.exited:
		return c.exitErr
	default:
		return nil
	}
}

// Stop shuts the child down: close stdin, wait grace, SIGTERM, wait
// grace, SIGKILL. Safe to call multiple times and after child death.
func (c *Client) Stop(grace time.Duration) {
	c.stopOnce.Do(func() {
		_ = c.tr.CloseStdin()

		select {
		case <-c.exited:
			return
		case <-time.After(grace):
		}

		c.signal(syscall.SIGTERM)
		select {
		case <-c.exited:
			return
		case <-time.After(grace):
		}

		logger.Slog().Warn("codex child ignored SIGTERM, killing", "pid", c.pid())
		c.signal(syscall.SIGKILL)
		<-c.exited
	})
}

func (c *Client) signal(sig syscall.Signal) {
	if c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Slog().Warn("signalling codex child", "signal", sig.String(), "error", err)
	}
}

func (c *Client) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// IsNotFound reports whether an upstream error indicates an unknown
// thread. The app-server signals this through the error message rather
// than a dedicated code.
func IsNotFound(err error) bool {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(strings.ToLower(rpcErr.Message), "not found")
	}
	return false
}
