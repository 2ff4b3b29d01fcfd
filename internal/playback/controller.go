package playback

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpipe-labs/voxpipe-core/internal/config"
	"github.com/voxpipe-labs/voxpipe-core/internal/retry"
	"github.com/voxpipe-labs/voxpipe-core/internal/segment"
)

// Events receives playback lifecycle notifications. Callbacks run on
// the controller's worker goroutine and must not block.
type Events interface {
	PlaybackStarted(sessionID string)
	PlaybackCompleted(sessionID string)
	PlaybackError(sessionID string, err error)
}

type item struct {
	path string
	// remove deletes the file after it has played. Segment files are
	// transient, cached artifacts are not.
	remove bool
}

// Controller owns the playback queue for the active session. A single
// worker plays items strictly in arrival order. Switching sessions
// interrupts the in-flight item and discards everything still queued.
type Controller struct {
	engine Engine
	policy retry.Policy
	events Events
	log    *slog.Logger
	pause  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu         sync.Mutex
	session    string
	queue      []item
	draining   bool
	started    bool
	playCancel context.CancelFunc
	notBefore  time.Time

	playedCounter metric.Int64Counter
}

func NewController(parent context.Context, cfg config.PlaybackConfig, policy retry.Policy, engine Engine, events Events, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		engine: engine,
		policy: policy,
		events: events,
		log:    log.With(slog.String("component", "playback-controller")),
		pause:  time.Duration(cfg.PreSwitchPauseMS) * time.Millisecond,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}

	meter := otel.Meter("voxpipe.playback")
	if counter, err := meter.Int64Counter("voxpipe_segments_played_total",
		metric.WithDescription("Audio items played to completion")); err == nil {
		c.playedCounter = counter
	}

	c.wg.Add(1)
	go c.run()
	return c
}

// Close interrupts playback and stops the worker.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.dropQueueLocked()
	c.mu.Unlock()
}

// SwitchSession makes sessionID the active session. Any in-flight item
// is interrupted and the remaining queue of the previous session is
// discarded, segment files included. A same-id call while the session
// is still live is a no-op, matching the intake queue's semantics.
func (c *Controller) SwitchSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == sessionID && !c.draining {
		return
	}
	c.interruptLocked()
	c.session = sessionID
	c.draining = false
	c.started = false
}

// Append queues a finished segment for the active session. Segments
// arriving for any other session are discarded: their session was
// already interrupted. Implements the assembly queue's sink.
func (c *Controller) Append(seg segment.Segment) error {
	c.mu.Lock()
	if seg.SessionID != c.session {
		c.mu.Unlock()
		c.log.Debug("discarding segment for inactive session",
			slog.String("session_id", seg.SessionID),
			slog.Int("segment_index", seg.Index))
		_ = os.Remove(seg.Path)
		return nil
	}
	c.queue = append(c.queue, item{path: seg.Path, remove: true})
	c.mu.Unlock()
	c.signal()
	return nil
}

// PlayCached plays a cached artifact under a synthetic session and
// returns that session's id. The artifact file is left in place.
func (c *Controller) PlayCached(path string) string {
	sessionID := "cached:" + uuid.NewString()
	c.mu.Lock()
	c.interruptLocked()
	c.session = sessionID
	c.started = false
	c.queue = []item{{path: path, remove: false}}
	c.draining = true
	c.mu.Unlock()
	c.signal()
	return sessionID
}

// FinishSession marks the session's queue as final: once it drains,
// the completion event fires. A stale session id is ignored.
func (c *Controller) FinishSession(sessionID string) {
	c.mu.Lock()
	if c.session != sessionID {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()
	c.signal()
}

// Stop interrupts playback and leaves no session active.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.interruptLocked()
	c.session = ""
	c.draining = false
	c.started = false
	c.mu.Unlock()
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) interruptLocked() {
	if c.playCancel != nil {
		c.playCancel()
	}
	if c.started {
		c.notBefore = time.Now().Add(c.pause)
	}
	c.dropQueueLocked()
}

func (c *Controller) dropQueueLocked() {
	for _, it := range c.queue {
		if it.remove {
			_ = os.Remove(it.path)
		}
	}
	if n := len(c.queue); n > 0 {
		c.log.Info("discarded queued playback items", slog.Int("count", n))
	}
	c.queue = nil
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
			c.consume()
		}
	}
}

func (c *Controller) consume() {
	for c.ctx.Err() == nil {
		c.mu.Lock()
		if len(c.queue) == 0 {
			// A finalized session completes once its queue is gone, even
			// when it never produced a playable item.
			completed := ""
			if c.draining {
				completed = c.session
				c.draining = false
				c.started = false
			}
			c.mu.Unlock()
			if completed != "" {
				c.log.Info("session playback completed", slog.String("session_id", completed))
				if c.events != nil {
					c.events.PlaybackCompleted(completed)
				}
			}
			return
		}

		it := c.queue[0]
		c.queue = c.queue[1:]
		sessionID := c.session
		firstItem := !c.started
		c.started = true
		playCtx, cancel := context.WithCancel(c.ctx)
		c.playCancel = cancel
		notBefore := c.notBefore
		c.mu.Unlock()

		if wait := time.Until(notBefore); wait > 0 {
			select {
			case <-playCtx.Done():
			case <-time.After(wait):
			}
		}

		if firstItem && playCtx.Err() == nil {
			c.log.Info("session playback started", slog.String("session_id", sessionID))
			if c.events != nil {
				c.events.PlaybackStarted(sessionID)
			}
		}

		err := retry.Do(playCtx, c.log, "play segment", c.policy, nil, func() error {
			return c.engine.Play(playCtx, it.path)
		})
		cancel()

		c.mu.Lock()
		c.playCancel = nil
		interrupted := sessionID != c.session
		c.mu.Unlock()

		if it.remove {
			_ = os.Remove(it.path)
		}

		switch {
		case err == nil:
			if c.playedCounter != nil {
				c.playedCounter.Add(c.ctx, 1)
			}
		case interrupted || c.ctx.Err() != nil:
			// Cancelled by a session switch or shutdown, not a failure.
		default:
			c.log.Warn("playback failed",
				slog.String("session_id", sessionID),
				slog.String("path", it.path),
				slog.String("error", err.Error()))
			if c.events != nil {
				c.events.PlaybackError(sessionID, err)
			}
		}
	}
}
