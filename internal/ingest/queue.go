package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpipe-labs/voxpipe-core/internal/retry"
	"github.com/voxpipe-labs/voxpipe-core/internal/segment"
)

// Builder turns fragment batches into segments. Implemented by
// segment.Builder.
type Builder interface {
	Begin(sessionID string)
	Abort(sessionID string)
	BatchSize(buffered, nextIndex int, finalizing bool) int
	Build(ctx context.Context, workDir, sessionID string, index int, fragments [][]byte) (segment.Segment, error)
	FinishArtifact(workDir, sessionID string) (string, error)
}

// Sink receives segments once they are durable, in build order.
type Sink interface {
	Append(seg segment.Segment) error
}

// Hooks surface session completion and pipeline errors to the owner.
type Hooks struct {
	// Finalized fires after the final flush. The artifact path is empty
	// when the artifact could not be written or the session accumulated
	// no audio; the session is finished either way.
	Finalized func(ctx context.Context, sessionID, fullText, artifactPath string)
	Error     func(sessionID string, err error)
}

// Queue is the ordered single-consumer intake buffer for the active
// session. Enqueue never blocks on pipeline internals; a long-lived
// worker goroutine performs all draining, so at most one drain runs at a
// time and a drain already in progress picks up newly arrived fragments.
type Queue struct {
	builder Builder
	sink    Sink
	hooks   Hooks
	policy  retry.Policy
	workDir string
	log     *slog.Logger

	mu     sync.Mutex
	active *Session

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	fragCounter metric.Int64Counter
	dropCounter metric.Int64Counter
}

func NewQueue(parent context.Context, workDir string, policy retry.Policy, builder Builder, sink Sink, hooks Hooks, log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		builder: builder,
		sink:    sink,
		hooks:   hooks,
		policy:  policy,
		workDir: workDir,
		log:     log.With(slog.String("component", "fragment-queue")),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}

	meter := otel.Meter("voxpipe.ingest")
	if c, err := meter.Int64Counter("voxpipe_fragments_received_total",
		metric.WithDescription("Fragments accepted into the active session buffer")); err == nil {
		q.fragCounter = c
	}
	if c, err := meter.Int64Counter("voxpipe_fragments_dropped_total",
		metric.WithDescription("Fragments dropped for inactive or retired sessions")); err == nil {
		q.dropCounter = c
	}

	q.wg.Add(1)
	go q.run()
	return q
}

// Close stops the drain worker. The active session, if any, is left to
// Retire.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

// Start activates a session, retiring any previous one first. Calling it
// again with the id of a session that is still receiving or finalizing
// is a no-op: the id stays bound to the running utterance until it
// completes, so a redundant start can never tear down a final flush in
// progress.
func (q *Queue) Start(sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != nil && q.active.ID == sessionID && q.active.State != StateCompleted {
		return nil
	}
	q.retireLocked()

	dir := filepath.Join(q.workDir, "session-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session work dir: %w", err)
	}

	q.builder.Begin(sessionID)
	q.active = &Session{ID: sessionID, State: StateReceiving, WorkDir: dir}
	q.log.Info("session started", slog.String("session_id", sessionID))
	return nil
}

// Enqueue appends a fragment to the active session's buffer and wakes the
// drain worker. Fragments for any other session are dropped: that is the
// race where a session was just retired, and it is not fatal.
func (q *Queue) Enqueue(sessionID string, fragment []byte) {
	q.mu.Lock()
	s := q.active
	if s == nil || s.ID != sessionID || s.State != StateReceiving {
		q.mu.Unlock()
		if q.dropCounter != nil {
			q.dropCounter.Add(q.ctx, 1)
		}
		q.log.Debug("dropping fragment for inactive session", slog.String("session_id", sessionID))
		return
	}
	s.buffer = append(s.buffer, fragment)
	q.mu.Unlock()

	if q.fragCounter != nil {
		q.fragCounter.Add(q.ctx, 1)
	}
	q.kick()
}

// Finalize marks the active session as finalizing so the worker force
// flushes the remaining buffer, writes the artifact, and fires the
// Finalized hook. An id that does not match the receiving session is
// protocol misuse and is dropped.
func (q *Queue) Finalize(sessionID, fullText string) {
	q.mu.Lock()
	s := q.active
	if s == nil || s.ID != sessionID || s.State != StateReceiving {
		q.mu.Unlock()
		q.log.Warn("end for unknown or retired session", slog.String("session_id", sessionID))
		return
	}
	s.State = StateFinalizing
	s.FullText = fullText
	q.mu.Unlock()
	q.kick()
}

// Retire drops the active session: unflushed fragments are discarded, the
// builder accumulator is aborted, and the session work dir is deleted.
func (q *Queue) Retire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retireLocked()
}

func (q *Queue) retireLocked() {
	s := q.active
	if s == nil {
		return
	}
	q.active = nil
	q.builder.Abort(s.ID)
	if s.WorkDir != "" {
		if err := os.RemoveAll(s.WorkDir); err != nil {
			q.log.Warn("failed to remove session work dir",
				slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
	dropped := len(s.buffer)
	if dropped > 0 || s.State != StateCompleted {
		q.log.Info("session retired",
			slog.String("session_id", s.ID),
			slog.Int("dropped_fragments", dropped))
	}
}

// ActiveSession reports the current session id and state.
func (q *Queue) ActiveSession() (string, State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return "", StateIdle
	}
	return q.active.ID, q.active.State
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		q.drain()
	}
}

// drain builds segments until the batching policy wants to wait. It holds
// the queue lock only while inspecting or slicing the buffer; file I/O
// happens unlocked, with a still-active re-check before the segment is
// handed to the sink.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		s := q.active
		if s == nil || s.State == StateCompleted {
			q.mu.Unlock()
			return
		}
		finalizing := s.State == StateFinalizing
		take := q.builder.BatchSize(len(s.buffer), s.SegmentSeq+1, finalizing)
		if take <= 0 {
			if finalizing && len(s.buffer) == 0 {
				s.State = StateCompleted
				q.mu.Unlock()
				q.finish(s)
				continue
			}
			q.mu.Unlock()
			return
		}

		fragments := append([][]byte(nil), s.buffer[:take]...)
		s.buffer = s.buffer[take:]
		index := s.SegmentSeq + 1
		s.SegmentSeq = index
		sessionID := s.ID
		workDir := s.WorkDir
		q.mu.Unlock()

		var seg segment.Segment
		err := retry.Do(q.ctx, q.log, "build segment", q.policy, retry.IsTransient, func() error {
			var buildErr error
			seg, buildErr = q.builder.Build(q.ctx, workDir, sessionID, index, fragments)
			return buildErr
		})
		if err != nil {
			q.log.Warn("segment build failed",
				slog.String("session_id", sessionID),
				slog.Int("index", index),
				slog.String("error", err.Error()))
			if q.hooks.Error != nil {
				q.hooks.Error(sessionID, err)
			}
			continue
		}

		q.mu.Lock()
		// Pointer identity, not id equality: a session recreated under
		// the same id is a different session and must not inherit this
		// segment.
		stillActive := q.active == s
		q.mu.Unlock()
		if !stillActive {
			// Session switched mid-build; its audio must not leak into
			// the new session's queue.
			_ = os.Remove(seg.Path)
			continue
		}

		if err := q.sink.Append(seg); err != nil {
			q.log.Warn("failed to append segment to play queue",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			if q.hooks.Error != nil {
				q.hooks.Error(sessionID, err)
			}
		}
	}
}

func (q *Queue) finish(s *Session) {
	var artifactPath string
	err := retry.Do(q.ctx, q.log, "write artifact", q.policy, retry.IsTransient, func() error {
		path, buildErr := q.builder.FinishArtifact(s.WorkDir, s.ID)
		if buildErr == nil {
			artifactPath = path
		}
		return buildErr
	})
	if err != nil {
		q.log.Warn("artifact write failed, utterance will not be cached",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
		if q.hooks.Error != nil {
			q.hooks.Error(s.ID, err)
		}
		artifactPath = ""
	}
	q.log.Info("session finalized",
		slog.String("session_id", s.ID),
		slog.Int("segments", s.SegmentSeq),
		slog.Bool("artifact", artifactPath != ""))
	if q.hooks.Finalized != nil {
		q.hooks.Finalized(q.ctx, s.ID, s.FullText, artifactPath)
	}
}
