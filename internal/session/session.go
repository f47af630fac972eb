// Package session maps each user to one codex app-server child process
// and mediates all protocol traffic to it: turn serialization, thread
// ownership checks, idle tracking, and lifecycle state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/portcullis/internal/codex"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/rpc"
)

// State is the lifecycle of a Session.
type State string

const (
	StateStarting State = "starting" // child spawning, handshake in flight
	StateReady    State = "ready"    // accepting turns
	StateDraining State = "draining" // refusing turns, waiting for leases
	StateDead     State = "dead"     // child gone, awaiting removal
)

var (
	ErrCapacity       = errors.New("maximum concurrent sessions reached")
	ErrBusy           = errors.New("another turn is already in flight")
	ErrUnavailable    = errors.New("session is not accepting turns")
	ErrThreadNotFound = errors.New("thread not found")
	ErrTurnTimeout    = errors.New("turn timed out")
	ErrTurnFailed     = errors.New("turn failed")
	ErrShutdown       = errors.New("server is shutting down")
)

const (
	// Bounds for the thread/list scan that confirms a client-supplied
	// thread id belongs to this user before resuming it.
	threadScanPageSize = 100
	threadScanMaxPages = 20
)

// Client is the app-server surface the session layer drives. Satisfied
// by *codex.Client; tests substitute a pipe-backed fake.
type Client interface {
	ThreadStart(ctx context.Context, model string) (string, error)
	ThreadResume(ctx context.Context, threadID string) error
	ThreadList(ctx context.Context, limit int, cursor string) (*codex.ThreadPage, error)
	ThreadRead(ctx context.Context, threadID string) (*codex.ThreadDetail, error)
	Subscribe(threadID string) *rpc.Subscription
	StartTurn(ctx context.Context, threadID, prompt, model string) error
	Done() <-chan struct{}
	StderrTail(max int) string
	Stop(grace time.Duration)
}

// Session owns one user's app-server child. At most one turn is in
// flight at a time; thread ids are remembered once started or resumed so
// later requests skip the ownership check.
type Session struct {
	UserID string

	mu         sync.Mutex
	client     Client
	state      State
	startedAt  time.Time
	lastActive time.Time
	leases     int
	needsProbe bool
	threads    map[string]struct{}

	// turnMu is held for the full duration of one turn. TryLock keeps
	// a second concurrent chat from queueing behind a long turn.
	turnMu      sync.Mutex
	turnTimeout time.Duration

	endOnce sync.Once
}

func newSession(userID string, turnTimeout time.Duration) *Session {
	return &Session{
		UserID:      userID,
		state:       StateStarting,
		lastActive:  time.Now(),
		threads:     make(map[string]struct{}),
		turnTimeout: turnTimeout,
	}
}

// attach binds the spawned client and marks the session ready.
func (s *Session) attach(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
	s.state = StateReady
	s.startedAt = time.Now()
	s.lastActive = s.startedAt
}

// Client returns the attached app-server client, nil while starting.
func (s *Session) Client() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// markDraining moves a live session to draining. Dead stays dead.
func (s *Session) markDraining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDead {
		s.state = StateDraining
	}
}

// Touch updates the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// IdleFor reports how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Age reports how long the session has been running.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Session) addLease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases++
	s.lastActive = time.Now()
}

// dropLease decrements the lease count and reports the remainder plus
// whether the session is draining (the last release tears it down).
func (s *Session) dropLease() (remaining int, draining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases > 0 {
		s.leases--
	}
	s.lastActive = time.Now()
	return s.leases, s.state == StateDraining
}

// Leases returns the number of outstanding leases.
func (s *Session) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases
}

// markNeedsProbe flags the session for a health check on next acquire.
// Set when a turn times out: slow is not the same as sick, so the child
// is probed rather than killed.
func (s *Session) markNeedsProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsProbe = true
}

// claimProbe atomically takes the probe flag. Exactly one acquirer runs
// the probe; the rest proceed.
func (s *Session) claimProbe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.needsProbe {
		return false
	}
	s.needsProbe = false
	return true
}

func (s *Session) rememberThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = struct{}{}
}

func (s *Session) knowsThread(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[threadID]
	return ok
}

// end records the session's terminal metrics and log line exactly once.
func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		dur := s.Age()
		metrics.RecordSessionEnd(reason, dur.Seconds())
		logger.Slog().Info("session ended",
			"user_id", s.UserID, "reason", reason, "duration", dur.Round(time.Second).String())
	})
}

// RunTurn starts one turn. An empty threadID starts a new thread; a
// supplied one must already be known to this session or be confirmed by
// the upstream thread listing before anything is written.
func (s *Session) RunTurn(ctx context.Context, threadID, prompt, model string) (*TurnHandle, error) {
	if !s.turnMu.TryLock() {
		return nil, fmt.Errorf("%w for user %s", ErrBusy, s.UserID)
	}
	handed := false
	defer func() {
		if !handed {
			s.turnMu.Unlock()
		}
	}()

	if s.State() != StateReady {
		return nil, ErrUnavailable
	}
	c := s.Client()

	if threadID == "" {
		id, err := c.ThreadStart(ctx, model)
		if err != nil {
			return nil, err
		}
		threadID = id
		s.rememberThread(id)
		logger.InfoContext(ctx, "started thread", "user_id", s.UserID, "thread_id", id)
	} else if err := s.ensureThread(ctx, threadID); err != nil {
		return nil, err
	}

	// Subscribe before turn/start so no notification can slip past
	// between the write and the subscription registration.
	sub := c.Subscribe(threadID)
	if err := c.StartTurn(ctx, threadID, prompt, model); err != nil {
		sub.Close()
		return nil, err
	}

	h := &TurnHandle{
		threadID: threadID,
		sub:      sub,
		sess:     s,
		events:   make(chan *rpc.Envelope),
		done:     make(chan struct{}),
		started:  time.Now(),
		outcome:  "closed",
	}
	go h.pump(s.turnTimeout)

	handed = true
	s.Touch()
	return h, nil
}

// ensureThread validates a client-supplied thread id: known to this
// session, or present in the upstream listing and resumable. Unknown ids
// fail before any turn is written.
func (s *Session) ensureThread(ctx context.Context, threadID string) error {
	if s.knowsThread(threadID) {
		return nil
	}
	c := s.Client()

	found, err := findThread(ctx, c, threadID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	if err := c.ThreadResume(ctx, threadID); err != nil {
		if codex.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return err
	}
	s.rememberThread(threadID)
	return nil
}

func findThread(ctx context.Context, c Client, threadID string) (bool, error) {
	cursor := ""
	for page := 0; page < threadScanMaxPages; page++ {
		result, err := c.ThreadList(ctx, threadScanPageSize, cursor)
		if err != nil {
			return false, err
		}
		for _, t := range result.Data {
			if t.ID == threadID {
				return true, nil
			}
		}
		if result.NextCursor == "" {
			return false, nil
		}
		cursor = result.NextCursor
	}
	return false, nil
}

// Threads lists this user's conversations. Takes no turn lock: reads
// interleave safely with an in-flight turn.
func (s *Session) Threads(ctx context.Context, limit int, cursor string) (*codex.ThreadPage, error) {
	s.Touch()
	return s.Client().ThreadList(ctx, limit, cursor)
}

// History reads one conversation with its turns.
func (s *Session) History(ctx context.Context, threadID string) (*codex.ThreadDetail, error) {
	s.Touch()
	detail, err := s.Client().ThreadRead(ctx, threadID)
	if err != nil {
		if codex.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return nil, err
	}
	return detail, nil
}

// TurnHandle is one in-flight turn's event stream. Events() yields
// notifications in arrival order and closes after the terminal one (or
// on failure, timeout, close). The turn lock is released exactly once,
// whichever way the turn ends.
type TurnHandle struct {
	threadID string
	sub      *rpc.Subscription
	sess     *Session
	events   chan *rpc.Envelope
	done     chan struct{}
	started  time.Time

	closeOnce   sync.Once
	releaseOnce sync.Once

	mu      sync.Mutex
	err     error
	outcome string
}

// ThreadID returns the thread this turn runs on (upstream-assigned for
// new conversations).
func (h *TurnHandle) ThreadID() string {
	return h.threadID
}

// Events returns the turn's notification stream. It closes when the
// turn reaches a terminal state; check Err afterwards.
func (h *TurnHandle) Events() <-chan *rpc.Envelope {
	return h.events
}

// Err reports how the turn ended: nil for completion, ErrTurnFailed,
// ErrTurnTimeout, or a transport failure. Valid after Events closes.
func (h *TurnHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close abandons the turn: unsubscribes and releases the turn lock. The
// upstream turn keeps running; its remaining events are discarded.
// Idempotent, safe after normal completion.
func (h *TurnHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

func (h *TurnHandle) fail(err error, outcome string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	h.outcome = outcome
}

func (h *TurnHandle) setOutcome(outcome string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcome = outcome
}

// pump forwards subscription events to the consumer until a terminal
// notification, timeout, transport death, or Close.
func (h *TurnHandle) pump(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer func() {
		close(h.events)
		h.release()
	}()

	for {
		select {
		case env, ok := <-h.sub.Events():
			if !ok {
				h.fail(h.transportFailure(), "upstream_closed")
				return
			}
			select {
			case h.events <- env:
			case <-h.done:
				return
			case <-timer.C:
				h.timeout(timeout)
				return
			}
			if codex.IsTerminal(env.Method) {
				if codex.IsFailure(env.Method) {
					h.fail(fmt.Errorf("%w: %s", ErrTurnFailed, codex.FailureMessage(env)), "failed")
				} else {
					h.setOutcome("completed")
				}
				return
			}
		case <-h.done:
			return
		case <-timer.C:
			h.timeout(timeout)
			return
		}
	}
}

func (h *TurnHandle) timeout(limit time.Duration) {
	h.fail(fmt.Errorf("%w after %s", ErrTurnTimeout, limit), "timeout")
	h.sess.markNeedsProbe()
	logger.Slog().Warn("turn timed out",
		"user_id", h.sess.UserID, "thread_id", h.threadID, "limit", limit.String())
}

func (h *TurnHandle) transportFailure() error {
	err := fmt.Errorf("app-server closed during turn on %s", h.threadID)
	if tail := h.sess.Client().StderrTail(2048); tail != "" {
		err = fmt.Errorf("%w; stderr: %s", err, tail)
	}
	return err
}

// release unsubscribes and frees the turn lock, exactly once across all
// terminal paths.
func (h *TurnHandle) release() {
	h.releaseOnce.Do(func() {
		h.sub.Close()
		h.sess.Touch()
		h.sess.turnMu.Unlock()
		metrics.RecordTurn(h.outcomeString(), time.Since(h.started).Seconds())
	})
}

func (h *TurnHandle) outcomeString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}
