package timer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Warning thresholds pushed to connected clients. A threshold is only armed
// when the remaining budget still covers it.
var warningThresholds = []time.Duration{
	5 * time.Minute,
	time.Minute,
	30 * time.Second,
}

// Callbacks are invoked from timer goroutines. They must not block on I/O;
// hand off to the async session-update path and return.
type Callbacks struct {
	OnExpire  func(sessionID uint)
	OnWarning func(sessionID uint, remaining time.Duration)
	OnSync    func(sessionID uint, remaining time.Duration)
	OnGrace   func(sessionID uint, graceID string)
}

// Coordinator holds the in-memory countdown timers for live sessions. It is
// process-local and a UX accelerator only: the persisted session plus the
// cleanup sweeper remain the source of truth across restarts.
type Coordinator struct {
	mu           sync.Mutex
	entries      map[uint]*entry
	callbacks    Callbacks
	syncInterval time.Duration
	logger       *slog.Logger
}

type entry struct {
	deadline  time.Time     // valid while running
	remaining time.Duration // frozen while paused
	paused    bool

	timers     []*time.Timer
	syncTicker *time.Ticker
	syncStop   chan struct{}

	graceTimer *time.Timer
	graceID    string
}

func NewCoordinator(callbacks Callbacks, syncInterval time.Duration, logger *slog.Logger) *Coordinator {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	return &Coordinator{
		entries:      make(map[uint]*entry),
		callbacks:    callbacks,
		syncInterval: syncInterval,
		logger:       logger,
	}
}

// Start arms the expiration, warning and periodic-sync timers for a session.
// Any previous timers for the id are cancelled first.
func (c *Coordinator) Start(sessionID uint, remaining time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLocked(sessionID, true)

	e := &entry{deadline: time.Now().Add(remaining)}
	c.entries[sessionID] = e
	c.armLocked(sessionID, e, remaining)

	c.logger.Debug("Timer started", "session_id", sessionID, "remaining", remaining)
}

// Pause captures the remaining time, clears the running timers and freezes
// the entry. Used on disconnect. Returns the frozen remaining time.
func (c *Coordinator) Pause(sessionID uint) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok || e.paused {
		return 0, false
	}

	remaining := time.Until(e.deadline)
	if remaining < 0 {
		remaining = 0
	}
	e.remaining = remaining
	e.paused = true
	c.stopTimersLocked(e)

	c.logger.Debug("Timer paused", "session_id", sessionID, "remaining", remaining)
	return remaining, true
}

// Resume re-arms timers with the frozen remaining time. Used on reconnect.
func (c *Coordinator) Resume(sessionID uint) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok || !e.paused {
		return 0, false
	}

	remaining := e.remaining
	e.paused = false
	e.deadline = time.Now().Add(remaining)
	c.armLocked(sessionID, e, remaining)

	c.logger.Debug("Timer resumed", "session_id", sessionID, "remaining", remaining)
	return remaining, true
}

// Remaining reports the live remaining time. While running it is always
// derived from the deadline, never accumulated, so repeated reads cannot
// drift.
func (c *Coordinator) Remaining(sessionID uint) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return 0, false
	}
	if e.paused {
		return e.remaining, true
	}
	remaining := time.Until(e.deadline)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Cancel drops every timer for the session, including a pending grace timer.
// Must be called before or as part of any terminal status write.
func (c *Coordinator) Cancel(sessionID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked(sessionID, true)
}

// StartGrace arms the reconnect-window timer and returns its id. The id is
// persisted on the session so the sweeper can detect a grace timer lost to a
// process restart.
func (c *Coordinator) StartGrace(sessionID uint, gracePeriod time.Duration) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		e = &entry{paused: true}
		c.entries[sessionID] = e
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}

	graceID := uuid.NewString()
	e.graceID = graceID
	e.graceTimer = time.AfterFunc(gracePeriod, func() {
		c.invoke("grace", func() {
			if c.callbacks.OnGrace != nil {
				c.callbacks.OnGrace(sessionID, graceID)
			}
		})
	})

	c.logger.Debug("Grace timer armed", "session_id", sessionID, "grace_id", graceID)
	return graceID
}

// CancelGrace stops a pending grace timer; a heartbeat or rejoin in time
// clears the window.
func (c *Coordinator) CancelGrace(sessionID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok || e.graceTimer == nil {
		return
	}
	e.graceTimer.Stop()
	e.graceTimer = nil
	e.graceID = ""
}

// Tracked reports whether the coordinator holds timers for the session.
func (c *Coordinator) Tracked(sessionID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sessionID]
	return ok
}

func (c *Coordinator) armLocked(sessionID uint, e *entry, remaining time.Duration) {
	e.timers = append(e.timers, time.AfterFunc(remaining, func() {
		c.invoke("expire", func() {
			if c.callbacks.OnExpire != nil {
				c.callbacks.OnExpire(sessionID)
			}
		})
	}))

	for _, threshold := range warningThresholds {
		if remaining <= threshold {
			continue
		}
		t := threshold
		e.timers = append(e.timers, time.AfterFunc(remaining-t, func() {
			c.invoke("warning", func() {
				if c.callbacks.OnWarning != nil {
					c.callbacks.OnWarning(sessionID, t)
				}
			})
		}))
	}

	if c.callbacks.OnSync != nil {
		e.syncTicker = time.NewTicker(c.syncInterval)
		e.syncStop = make(chan struct{})
		go func(ticker *time.Ticker, stop chan struct{}) {
			for {
				select {
				case <-ticker.C:
					remaining, ok := c.Remaining(sessionID)
					if !ok {
						return
					}
					c.invoke("sync", func() {
						c.callbacks.OnSync(sessionID, remaining)
					})
				case <-stop:
					return
				}
			}
		}(e.syncTicker, e.syncStop)
	}
}

func (c *Coordinator) stopTimersLocked(e *entry) {
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	if e.syncTicker != nil {
		e.syncTicker.Stop()
		close(e.syncStop)
		e.syncTicker = nil
		e.syncStop = nil
	}
}

func (c *Coordinator) clearLocked(sessionID uint, dropGrace bool) {
	e, ok := c.entries[sessionID]
	if !ok {
		return
	}
	c.stopTimersLocked(e)
	if dropGrace && e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	delete(c.entries, sessionID)
}

// invoke guards a callback so a misbehaving one cannot crash the coordinator.
func (c *Coordinator) invoke(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Timer callback panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}
