package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/portcullis/internal/codex"
	"github.com/HyphaGroup/portcullis/internal/rpc"
)

// fakeClient scripts an app-server child. Notifications flow through a
// real transport over in-memory pipes so subscription fan-out behaves
// exactly as in production.
type fakeClient struct {
	tr      *rpc.Transport
	stdoutW *io.PipeWriter

	mu          sync.Mutex
	upstream    map[string]bool
	order       []string
	nextThread  int
	startErr    error
	listErr     error
	readErr     error
	turnErr     error
	onTurn      func(threadID string)
	resumeCalls int
	listCalls   int
	turnCalls   int

	closeOnce sync.Once
	stopped   atomic.Bool
}

var _ Client = (*fakeClient)(nil)

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, stdinR) }()

	f := &fakeClient{
		tr:       rpc.NewTransport(stdinW, stdoutR, nil),
		stdoutW:  stdoutW,
		upstream: make(map[string]bool),
	}
	t.Cleanup(f.kill)
	return f
}

// kill simulates the child dying: stdout closes and the transport dies.
func (f *fakeClient) kill() {
	f.closeOnce.Do(func() { _ = f.stdoutW.Close() })
}

func (f *fakeClient) emit(method, threadID, extra string) {
	line := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":{"threadId":%q%s}}`+"\n",
		method, threadID, extra)
	_, _ = f.stdoutW.Write([]byte(line))
}

func (f *fakeClient) defaultTurn(threadID string) {
	f.emit(codex.NoteTurnStarted, threadID, "")
	f.emit(codex.NoteItemCompleted, threadID, `,"item":{"type":"agentMessage","text":"4"}`)
	f.emit(codex.NoteTurnCompleted, threadID, "")
}

// addUpstream seeds a thread that exists upstream but is unknown to any
// session yet.
func (f *fakeClient) addUpstream(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstream[threadID] = true
	f.order = append(f.order, threadID)
}

func (f *fakeClient) ThreadStart(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextThread++
	id := fmt.Sprintf("th_%d", f.nextThread)
	f.upstream[id] = true
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeClient) ThreadResume(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
	if !f.upstream[threadID] {
		return fmt.Errorf("thread/resume: %w",
			&rpc.RPCError{Code: -32000, Message: "Thread not found: " + threadID})
	}
	return nil
}

func (f *fakeClient) ThreadList(_ context.Context, limit int, cursor string) (*codex.ThreadPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	page := &codex.ThreadPage{}
	for i := start; i < len(f.order) && len(page.Data) < limit; i++ {
		page.Data = append(page.Data, codex.ThreadSummary{ID: f.order[i]})
	}
	if start+len(page.Data) < len(f.order) {
		page.NextCursor = strconv.Itoa(start + len(page.Data))
	}
	return page, nil
}

func (f *fakeClient) ThreadRead(_ context.Context, threadID string) (*codex.ThreadDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if !f.upstream[threadID] {
		return nil, fmt.Errorf("thread/read: %w",
			&rpc.RPCError{Code: -32000, Message: "Thread not found: " + threadID})
	}
	return &codex.ThreadDetail{
		ID:    threadID,
		Turns: []byte(`[{"items":[{"type":"agentMessage","text":"history"}]}]`),
	}, nil
}

func (f *fakeClient) Subscribe(threadID string) *rpc.Subscription {
	return f.tr.Subscribe(rpc.MatchThread(threadID))
}

func (f *fakeClient) StartTurn(_ context.Context, threadID, _, _ string) error {
	f.mu.Lock()
	f.turnCalls++
	err := f.turnErr
	fn := f.onTurn
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if fn == nil {
		fn = f.defaultTurn
	}
	go fn(threadID)
	return nil
}

func (f *fakeClient) Done() <-chan struct{} { return f.tr.Done() }

func (f *fakeClient) StderrTail(_ int) string { return "" }

func (f *fakeClient) Stop(_ time.Duration) {
	f.stopped.Store(true)
	f.kill()
}

func (f *fakeClient) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turnCalls
}

func (f *fakeClient) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeClient) resumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeCalls
}

func newReadySession(t *testing.T, turnTimeout time.Duration) (*Session, *fakeClient) {
	t.Helper()
	f := newFakeClient(t)
	s := newSession("u1", turnTimeout)
	s.attach(f)
	return s, f
}

func drainHandle(t *testing.T, h *TurnHandle) []*rpc.Envelope {
	t.Helper()
	var got []*rpc.Envelope
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-h.Events():
			if !ok {
				return got
			}
			got = append(got, env)
		case <-deadline:
			t.Fatal("timed out draining turn handle")
		}
	}
}

func TestSession_RunTurnNewThread(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)

	h, err := s.RunTurn(context.Background(), "", "what is 2+2?", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if h.ThreadID() != "th_1" {
		t.Errorf("ThreadID() = %q, want th_1", h.ThreadID())
	}

	events := drainHandle(t, h)
	if err := h.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}

	var methods []string
	for _, env := range events {
		methods = append(methods, env.Method)
	}
	want := []string{codex.NoteTurnStarted, codex.NoteItemCompleted, codex.NoteTurnCompleted}
	if len(methods) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(methods), methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, methods[i], want[i])
		}
	}

	if !s.knowsThread("th_1") {
		t.Error("new thread should be remembered by the session")
	}
	_ = f
}

func TestSession_SecondTurnBusy(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	f.onTurn = func(string) {} // first turn never finishes

	h, err := s.RunTurn(context.Background(), "", "slow", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	if _, err := s.RunTurn(context.Background(), "", "eager", ""); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent RunTurn() error = %v, want ErrBusy", err)
	}

	h.Close()
	// Close releases the lock asynchronously through the pump.
	waitForTurn(t, s)
}

func waitForTurn(t *testing.T, s *Session) *TurnHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, err := s.RunTurn(context.Background(), "", "retry", "")
		if err == nil {
			return h
		}
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("RunTurn() error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("turn lock never released")
	return nil
}

func TestSession_UnknownThreadRejectedBeforeWrite(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)

	_, err := s.RunTurn(context.Background(), "th_ghost", "hello", "")
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("RunTurn() error = %v, want ErrThreadNotFound", err)
	}
	if !strings.Contains(err.Error(), "th_ghost") {
		t.Errorf("error %q should name the thread", err)
	}
	if f.turnCount() != 0 {
		t.Error("no turn may be written for an unknown thread")
	}

	// The failed attempt must not leave the turn lock held.
	h, err := s.RunTurn(context.Background(), "", "hello", "")
	if err != nil {
		t.Fatalf("follow-up RunTurn() error = %v", err)
	}
	drainHandle(t, h)
}

func TestSession_UpstreamThreadConfirmedAndResumed(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	f.addUpstream("th_up")

	h, err := s.RunTurn(context.Background(), "th_up", "continue", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	drainHandle(t, h)

	if f.resumeCount() != 1 {
		t.Errorf("resume calls = %d, want 1", f.resumeCount())
	}
	if !s.knowsThread("th_up") {
		t.Error("resumed thread should be remembered")
	}

	// Second turn on the same thread skips both the scan and the resume.
	lists := f.listCount()
	h2, err := s.RunTurn(context.Background(), "th_up", "again", "")
	if err != nil {
		t.Fatalf("second RunTurn() error = %v", err)
	}
	drainHandle(t, h2)
	if f.listCount() != lists {
		t.Error("known thread should not trigger a listing scan")
	}
	if f.resumeCount() != 1 {
		t.Error("known thread should not be resumed again")
	}
}

func TestSession_ThreadScanFollowsCursor(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	// Enough threads that the target lands beyond the first page.
	for i := 0; i < threadScanPageSize+5; i++ {
		f.addUpstream(fmt.Sprintf("th_bulk_%d", i))
	}
	target := fmt.Sprintf("th_bulk_%d", threadScanPageSize+2)

	h, err := s.RunTurn(context.Background(), target, "deep", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	drainHandle(t, h)

	if f.listCount() < 2 {
		t.Errorf("list calls = %d, want at least 2 pages", f.listCount())
	}
}

func TestSession_TurnFailureSurfacesReason(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	f.onTurn = func(threadID string) {
		f.emit(codex.NoteTurnStarted, threadID, "")
		f.emit(codex.NoteTurnFailed, threadID, `,"error":{"message":"model refused"}`)
	}

	h, err := s.RunTurn(context.Background(), "", "doomed", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	drainHandle(t, h)

	if !errors.Is(h.Err(), ErrTurnFailed) {
		t.Fatalf("Err() = %v, want ErrTurnFailed", h.Err())
	}
	if !strings.Contains(h.Err().Error(), "model refused") {
		t.Errorf("Err() = %q should carry the upstream reason", h.Err())
	}
}

func TestSession_TurnTimeoutMarksProbe(t *testing.T) {
	s, f := newReadySession(t, 80*time.Millisecond)
	f.onTurn = func(threadID string) {
		f.emit(codex.NoteTurnStarted, threadID, "")
		// Then silence: the child is slow or wedged.
	}

	h, err := s.RunTurn(context.Background(), "", "slow", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	drainHandle(t, h)

	if !errors.Is(h.Err(), ErrTurnTimeout) {
		t.Fatalf("Err() = %v, want ErrTurnTimeout", h.Err())
	}
	if !s.claimProbe() {
		t.Error("timed-out turn should flag the session for a probe")
	}

	// Timeout releases the lock; the session stays usable.
	h2 := waitForTurn(t, s)
	h2.Close()
}

func TestSession_TransportDeathMidTurn(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	f.onTurn = func(threadID string) {
		f.emit(codex.NoteTurnStarted, threadID, "")
		f.kill()
	}

	h, err := s.RunTurn(context.Background(), "", "crash", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	drainHandle(t, h)

	if h.Err() == nil {
		t.Fatal("transport death should surface an error")
	}
	if !strings.Contains(h.Err().Error(), "closed during turn") {
		t.Errorf("Err() = %q, want transport-closure description", h.Err())
	}
}

func TestSession_CloseReleasesLockAndDiscardsTail(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	release := make(chan struct{})
	f.onTurn = func(threadID string) {
		f.emit(codex.NoteTurnStarted, threadID, "")
		<-release
		f.emit(codex.NoteTurnCompleted, threadID, "")
	}

	h, err := s.RunTurn(context.Background(), "", "abandoned", "")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	// Read the first event, then walk away mid-turn.
	select {
	case <-h.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}
	h.Close()
	h.Close() // idempotent

	h2 := waitForTurn(t, s)
	close(release)
	drainHandle(t, h2)
}

func TestSession_StartTurnErrorReleasesLock(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	f.turnErr = errors.New("write failed")

	if _, err := s.RunTurn(context.Background(), "", "nope", ""); err == nil {
		t.Fatal("expected StartTurn error to propagate")
	}

	f.mu.Lock()
	f.turnErr = nil
	f.mu.Unlock()
	h, err := s.RunTurn(context.Background(), "", "retry", "")
	if err != nil {
		t.Fatalf("follow-up RunTurn() error = %v", err)
	}
	drainHandle(t, h)
}

func TestSession_RunTurnRefusedWhileDraining(t *testing.T) {
	s, _ := newReadySession(t, 5*time.Second)
	s.markDraining()

	if _, err := s.RunTurn(context.Background(), "", "late", ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("RunTurn() error = %v, want ErrUnavailable", err)
	}
}

func TestSession_HistoryNotFound(t *testing.T) {
	s, _ := newReadySession(t, 5*time.Second)

	_, err := s.History(context.Background(), "th_missing")
	if !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("History() error = %v, want ErrThreadNotFound", err)
	}
}

func TestSession_ThreadsAndHistoryDelegate(t *testing.T) {
	s, f := newReadySession(t, 5*time.Second)
	f.addUpstream("th_a")
	f.addUpstream("th_b")

	page, err := s.Threads(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("Threads() error = %v", err)
	}
	if len(page.Data) != 2 {
		t.Errorf("Threads() returned %d entries, want 2", len(page.Data))
	}

	detail, err := s.History(context.Background(), "th_a")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if detail.ID != "th_a" {
		t.Errorf("History().ID = %q, want th_a", detail.ID)
	}
}

func TestSession_LeaseCounting(t *testing.T) {
	s, _ := newReadySession(t, 5*time.Second)

	s.addLease()
	s.addLease()
	if s.Leases() != 2 {
		t.Fatalf("Leases() = %d, want 2", s.Leases())
	}

	s.dropLease()
	remaining, draining := s.dropLease()
	if remaining != 0 || draining {
		t.Errorf("dropLease() = (%d, %v), want (0, false)", remaining, draining)
	}

	// Underflow is clamped.
	remaining, _ = s.dropLease()
	if remaining != 0 {
		t.Errorf("extra dropLease() = %d, want 0", remaining)
	}
}
