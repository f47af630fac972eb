package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
)

// Teardown reasons recorded in metrics and logs.
const (
	reasonIdle        = "idle"
	reasonDied        = "died"
	reasonProbeFailed = "probe_failed"
	reasonShutdown    = "shutdown"
)

const (
	DefaultMaxSessions     = 20
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultTurnTimeout     = 10 * time.Minute
	DefaultStopGrace       = 5 * time.Second

	probeTimeout = 10 * time.Second
)

// SpawnFunc starts an app-server child for a user and completes its
// handshake. The production wiring closes over codex.Spawn.
type SpawnFunc func(ctx context.Context, userID string) (Client, error)

// Options configures the Manager. Zero values take defaults; a
// MaxSessions of -1 disables the capacity cap and an IdleTimeout of -1
// disables the reaper.
type Options struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	SweepSchedule   string
	TurnTimeout     time.Duration
	StopGrace       time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxSessions == 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = DefaultTurnTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
}

// entry is one registry slot. ready closes when the start attempt
// settles; err is set before that on failure. Concurrent acquirers for
// the same user all wait on the same entry.
type entry struct {
	sess  *Session
	ready chan struct{}
	err   error
}

// Manager is the per-user session registry. Capacity is enforced by
// rejection, never by evicting a live session: dropping someone's
// in-flight turn to admit a new user is worse than surfacing load.
type Manager struct {
	opts  Options
	spawn SpawnFunc

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	wg     sync.WaitGroup
}

// sweepParser accepts standard 5-field cron (minute hour dom month dow).
var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewManager builds the registry and starts the idle reaper. A non-empty
// SweepSchedule adds cron-timed sweeps on top of the interval ticker.
func NewManager(opts Options, spawn SpawnFunc) (*Manager, error) {
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		spawn:    spawn,
		sessions: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}

	if opts.SweepSchedule != "" {
		c := cron.New(cron.WithParser(sweepParser))
		if _, err := c.AddFunc(opts.SweepSchedule, m.Sweep); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", opts.SweepSchedule, err)
		}
		c.Start()
		m.cron = c
	}

	if opts.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.reapLoop()
	} else {
		logger.Slog().Info("idle timeout disabled, reaper not started")
	}

	return m, nil
}

// Lease is a borrowed session. Release must be called when the HTTP
// request is done with it; the reaper never tears down a leased session.
type Lease struct {
	sess *Session
	mgr  *Manager
	once sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() *Session {
	return l.sess
}

// Release returns the lease. The last release of a draining session
// triggers its teardown. Idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		remaining, draining := l.sess.dropLease()
		if remaining == 0 && draining {
			go l.mgr.teardown(l.sess, reasonShutdown)
		}
	})
}

// Acquire returns a leased session for the user, spawning a child when
// none exists. Concurrent acquirers for the same user share one start.
func (m *Manager) Acquire(ctx context.Context, userID string) (*Lease, error) {
	for attempt := 0; attempt < 3; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShutdown
		}
		e, exists := m.sessions[userID]
		if !exists {
			if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
				m.mu.Unlock()
				return nil, fmt.Errorf("%w (%d)", ErrCapacity, m.opts.MaxSessions)
			}
			e = &entry{
				sess:  newSession(userID, m.opts.TurnTimeout),
				ready: make(chan struct{}),
			}
			m.sessions[userID] = e
			go m.start(e)
		}
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}

		s := e.sess
		if s.State() == StateDead {
			// The death watcher tears it down; drop the slot and respawn.
			m.removeEntry(userID, e)
			continue
		}

		if s.claimProbe() {
			if err := m.probe(s); err != nil {
				logger.Slog().Warn("session failed health probe",
					"user_id", userID, "error", err)
				s.setState(StateDead)
				m.removeEntry(userID, e)
				go m.teardown(s, reasonProbeFailed)
				continue
			}
		}

		s.addLease()
		return &Lease{sess: s, mgr: m}, nil
	}
	return nil, fmt.Errorf("could not obtain a healthy session for user %s", userID)
}

// start runs the spawn outside the registry lock and settles the entry.
func (m *Manager) start(e *entry) {
	userID := e.sess.UserID
	client, err := m.spawn(m.ctx, userID)
	if err != nil {
		e.err = fmt.Errorf("start session for user %s: %w", userID, err)
		m.removeEntry(userID, e)
		close(e.ready)
		return
	}

	e.sess.attach(client)
	metrics.RecordSessionStart()
	m.mu.Lock()
	total := len(m.sessions)
	m.mu.Unlock()
	logger.Slog().Info("session started", "user_id", userID, "total", total)

	m.wg.Add(1)
	go m.watch(e)
	close(e.ready)
}

// watch notices a child dying on its own, marks the session dead, and
// records the end. Manager-initiated stops are already draining and are
// recorded by their teardown instead.
func (m *Manager) watch(e *entry) {
	defer m.wg.Done()
	s := e.sess

	select {
	case <-s.Client().Done():
		if s.State() == StateDraining {
			return
		}
		s.setState(StateDead)
		m.removeEntry(s.UserID, e)
		tail := s.Client().StderrTail(500)
		logger.Slog().Error("app-server exited unexpectedly",
			"user_id", s.UserID, "stderr", tail)
		s.end(reasonDied)
	case <-m.ctx.Done():
	}
}

// probe issues a cheap thread/list against a session flagged after a
// turn timeout. Failure means the child is wedged, not just slow.
func (m *Manager) probe(s *Session) error {
	ctx, cancel := context.WithTimeout(m.ctx, probeTimeout)
	defer cancel()
	_, err := s.Client().ThreadList(ctx, 1, "")
	return err
}

func (m *Manager) removeEntry(userID string, e *entry) {
	m.mu.Lock()
	if cur, ok := m.sessions[userID]; ok && cur == e {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}

// teardown stops the child and records the end. Stderr captured before
// exit is logged: it is often the only diagnostic a crashed child leaves.
func (m *Manager) teardown(s *Session, reason string) {
	s.markDraining()
	if c := s.Client(); c != nil {
		c.Stop(m.opts.StopGrace)
		if tail := c.StderrTail(500); tail != "" {
			logger.Slog().Warn("app-server stderr at teardown",
				"user_id", s.UserID, "stderr", tail)
		}
	}
	s.end(reason)
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep tears down sessions that are idle past the timeout and hold no
// leases. Runs on the cleanup ticker and on the cron schedule when one
// is configured.
func (m *Manager) Sweep() {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	now := time.Now()

	m.mu.Lock()
	var victims []*Session
	for userID, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue // still starting
		}
		s := e.sess
		if e.err != nil || s.State() != StateReady {
			continue
		}
		if s.Leases() == 0 && s.IdleFor(now) > m.opts.IdleTimeout {
			s.markDraining()
			victims = append(victims, s)
			delete(m.sessions, userID)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		logger.Slog().Info("expiring idle session",
			"user_id", s.UserID, "idle", s.IdleFor(now).Round(time.Second).String())
		m.teardown(s, reasonIdle)
	}
}

// Count returns the number of registered sessions, including ones still
// starting.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// MaxSessions returns the configured capacity cap.
func (m *Manager) MaxSessions() int {
	return m.opts.MaxSessions
}

// Shutdown refuses new acquires, waits for leases to drain within the
// ctx deadline, and stops every child. Leased sessions get their grace;
// whatever remains at the deadline is force-stopped.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	if m.cron != nil {
		m.cron.Stop()
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return
			}
			if e.err != nil {
				return
			}
			s := e.sess
			s.markDraining()
			for s.Leases() > 0 {
				select {
				case <-ctx.Done():
					m.teardown(s, reasonShutdown)
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
			m.teardown(s, reasonShutdown)
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	m.cancel()
	m.wg.Wait()
	logger.Slog().Info("session manager shut down")
}
