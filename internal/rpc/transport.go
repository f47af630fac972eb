// Package rpc implements the newline-delimited JSON-RPC 2.0 transport
// used to talk to a codex app-server child process over stdio.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/google/uuid"
)

// ErrTransportClosed is returned (wrapped) for any call issued on, or
// interrupted by, a dead transport.
var ErrTransportClosed = errors.New("app-server transport closed")

// ReaderState describes the lifecycle of the stdout reader loop.
type ReaderState string

const (
	StateRunning     ReaderState = "running"
	StateClosedClean ReaderState = "closed_clean"
	StateClosedError ReaderState = "closed_error"
)

const (
	// Scanner sizing: model output lines can be large.
	scanInitialBuffer = 64 * 1024
	scanMaxBuffer     = 10 * 1024 * 1024

	// subscriberBuffer is each subscription's channel capacity. When a
	// subscriber falls this far behind, the reader blocks rather than
	// dropping notifications.
	subscriberBuffer = 128
)

// Transport owns one child's stdin/stdout/stderr streams.
//
// CORRELATION: each outgoing request takes the next id from a monotonic
// counter and parks a one-shot channel in the pending map. The single
// reader goroutine claims the channel (delete under lock, then send) when
// the matching response line arrives. Ids are never reused; an id with no
// pending entry is logged and dropped.
//
// FAN-OUT: stdout lines with a method and no id are notifications. The
// reader evaluates every live subscription's predicate synchronously and
// delivers matches in arrival order, so each subscriber observes the
// child's exact emission order filtered by its predicate.
//
// BACK-PRESSURE: delivery blocks when a subscriber's buffer is full.
// Turn reconstruction needs every event, so dropping is not an option.
// Blocking is bounded in practice because turn subscribers drain
// promptly and unsubscribe at their terminal event.
//
// FAILURE: when the reader exits (EOF, scan error), every pending call
// completes with a transport failure carrying the stderr tail, every
// subscription channel is closed, and Done() is signalled. Server-initiated
// requests (id plus method) are answered with a method-not-found error so
// the child never stalls awaiting a reply.
type Transport struct {
	stdin   io.WriteCloser
	writeMu sync.Mutex

	nextID        atomic.Int64
	pendingMu     sync.Mutex
	pending       map[int64]chan *response
	pendingClosed bool

	subsMu     sync.Mutex
	subs       map[string]*Subscription
	subsClosed bool

	stderr *stderrRing

	stateMu sync.Mutex
	state   ReaderState
	readErr error

	done chan struct{}
}

// NewTransport wires a transport over the child's pipes and starts the
// reader and stderr drain goroutines. A nil stderr is allowed (tests).
func NewTransport(stdin io.WriteCloser, stdout io.Reader, stderr io.Reader) *Transport {
	t := &Transport{
		stdin:   stdin,
		pending: make(map[int64]chan *response),
		subs:    make(map[string]*Subscription),
		stderr:  newStderrRing(defaultStderrCapacity),
		state:   StateRunning,
		done:    make(chan struct{}),
	}
	if stderr != nil {
		go t.stderr.drain(stderr)
	}
	go t.readLoop(stdout)
	return t
}

// Call sends a request and blocks until the response, ctx cancellation,
// or transport failure. Returns the raw result on success; a *RPCError
// when the child answered with an error object.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan *response, 1)

	t.pendingMu.Lock()
	if t.pendingClosed {
		t.pendingMu.Unlock()
		metrics.RecordRPC(method, "transport_closed")
		return nil, fmt.Errorf("%s: %w", method, t.failure())
	}
	t.pending[id] = ch
	t.pendingMu.Unlock()

	if err := t.writeJSON(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		t.removePending(id)
		metrics.RecordRPC(method, "write_error")
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// Reader exited and drained pending.
			metrics.RecordRPC(method, "transport_closed")
			return nil, fmt.Errorf("%s: %w", method, t.failure())
		}
		if resp.Error != nil {
			metrics.RecordRPC(method, "rpc_error")
			return nil, resp.Error
		}
		metrics.RecordRPC(method, "ok")
		return resp.Result, nil
	case <-ctx.Done():
		t.removePending(id)
		metrics.RecordRPC(method, "cancelled")
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Notify sends a notification (no id, no response expected).
func (t *Transport) Notify(method string, params any) error {
	return t.writeJSON(request{JSONRPC: "2.0", Method: method, Params: params})
}

// Subscribe registers a notification consumer. A nil predicate matches
// everything. On a dead transport the returned subscription's channel is
// already closed.
func (t *Transport) Subscribe(pred func(*Envelope) bool) *Subscription {
	s := &Subscription{
		id:     "sub_" + uuid.New().String()[:8],
		pred:   pred,
		ch:     make(chan *Envelope, subscriberBuffer),
		closed: make(chan struct{}),
		t:      t,
	}

	t.subsMu.Lock()
	if t.subsClosed {
		t.subsMu.Unlock()
		close(s.ch)
		return s
	}
	t.subs[s.id] = s
	t.subsMu.Unlock()
	return s
}

// CloseStdin closes the child's stdin, which asks a well-behaved
// app-server to exit. The reader observes EOF and completes shutdown.
func (t *Transport) CloseStdin() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.stdin.Close()
}

// Done is closed when the reader loop has exited and all pending calls
// and subscriptions have been completed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// State reports the reader loop lifecycle state.
func (t *Transport) State() ReaderState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// Err returns the reader's exit error, nil on clean EOF.
func (t *Transport) Err() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.readErr
}

// StderrTail returns up to max bytes of recently captured child stderr.
func (t *Transport) StderrTail(max int) string {
	return t.stderr.TailString(max)
}

// failure returns the error handed to callers interrupted by transport
// death, including the stderr tail when one was captured.
func (t *Transport) failure() error {
	t.stateMu.Lock()
	readErr := t.readErr
	t.stateMu.Unlock()

	tail := t.stderr.TailString(2048)
	switch {
	case readErr != nil && tail != "":
		return fmt.Errorf("%w: %v; stderr: %s", ErrTransportClosed, readErr, tail)
	case readErr != nil:
		return fmt.Errorf("%w: %v", ErrTransportClosed, readErr)
	case tail != "":
		return fmt.Errorf("%w; stderr: %s", ErrTransportClosed, tail)
	default:
		return ErrTransportClosed
	}
}

func (t *Transport) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON-RPC message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

func (t *Transport) removePending(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// readLoop is the single stdout reader: it classifies each line as a
// response, a notification, or a server-initiated request, preserving the
// child's total emission order.
func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxBuffer)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			// Startup banners and stray output are not protocol traffic.
			continue
		}

		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Slog().Warn("invalid JSON from app-server", "error", err)
			continue
		}

		switch {
		case msg.Method == "" && msg.ID != nil:
			t.completePending(&msg)
		case msg.Method != "" && msg.ID == nil:
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			t.dispatch(&Envelope{Method: msg.Method, Params: msg.Params, Raw: raw})
		case msg.Method != "" && msg.ID != nil:
			t.rejectServerRequest(&msg)
		default:
			logger.Slog().Warn("unclassifiable message from app-server", "line", string(line))
		}
	}

	t.finish(scanner.Err())
}

// completePending claims the pending slot for a response: delete under
// lock, then send outside it.
func (t *Transport) completePending(msg *incoming) {
	id := *msg.ID

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		logger.Slog().Warn("response with no pending request", "id", id)
		return
	}
	ch <- &response{JSONRPC: msg.JSONRPC, ID: msg.ID, Result: msg.Result, Error: msg.Error}
}

// dispatch delivers a notification to every matching subscriber, blocking
// on full buffers until the subscriber drains or unsubscribes.
func (t *Transport) dispatch(env *Envelope) {
	t.subsMu.Lock()
	var targets []*Subscription
	for _, s := range t.subs {
		if s.pred == nil || s.pred(env) {
			targets = append(targets, s)
		}
	}
	t.subsMu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- env:
		case <-s.closed:
		}
	}
}

// rejectServerRequest answers a server-initiated request with
// method-not-found. Turns run with approvals disabled, so these should
// not occur; leaving one unanswered would stall the child.
func (t *Transport) rejectServerRequest(msg *incoming) {
	logger.Slog().Warn("rejecting server-initiated request", "method", msg.Method, "id", *msg.ID)
	err := t.writeJSON(serverReply{
		JSONRPC: "2.0",
		ID:      *msg.ID,
		Error:   &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not supported", msg.Method)},
	})
	if err != nil {
		logger.Slog().Warn("failed to reject server request", "method", msg.Method, "error", err)
	}
}

// finish records the reader outcome, fails all pending calls, and closes
// every subscription channel.
func (t *Transport) finish(readErr error) {
	t.stateMu.Lock()
	t.readErr = readErr
	if readErr != nil {
		t.state = StateClosedError
	} else {
		t.state = StateClosedClean
	}
	t.stateMu.Unlock()

	t.pendingMu.Lock()
	t.pendingClosed = true
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.pendingMu.Unlock()

	t.subsMu.Lock()
	t.subsClosed = true
	for id, s := range t.subs {
		delete(t.subs, id)
		close(s.ch)
	}
	t.subsMu.Unlock()

	close(t.done)
}

func (t *Transport) removeSub(id string) {
	t.subsMu.Lock()
	delete(t.subs, id)
	t.subsMu.Unlock()
}

// Subscription is a predicate-filtered view of the child's notification
// stream. Events() yields envelopes in arrival order; the channel closes
// when the transport dies. Consumers that stop early must Close() so the
// reader never blocks on an abandoned buffer.
type Subscription struct {
	id        string
	pred      func(*Envelope) bool
	ch        chan *Envelope
	closed    chan struct{}
	t         *Transport
	closeOnce sync.Once
}

// Events returns the subscription's notification channel.
func (s *Subscription) Events() <-chan *Envelope {
	return s.ch
}

// Close unsubscribes. Idempotent; buffered envelopes are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.t.removeSub(s.id)
	})
}
