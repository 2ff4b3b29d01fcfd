// Package gateway is the composition root of the audio pipeline. It
// owns the intake queue, the segment builder, the playback controller,
// and the artifact cache, and exposes the session-level operations the
// daemon and its transports call.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/voxpipe-labs/voxpipe-core/internal/cache"
	"github.com/voxpipe-labs/voxpipe-core/internal/config"
	"github.com/voxpipe-labs/voxpipe-core/internal/ingest"
	"github.com/voxpipe-labs/voxpipe-core/internal/playback"
	"github.com/voxpipe-labs/voxpipe-core/internal/retry"
	"github.com/voxpipe-labs/voxpipe-core/internal/segment"
)

// recentSessions bounds the session-to-cache-key map; ids of long-gone
// sessions age out instead of accumulating.
const recentSessions = 128

// Callbacks receives playback lifecycle notifications for the outside
// world. All methods run on pipeline goroutines and must not block.
type Callbacks interface {
	OnPlaybackStarted(sessionID string)
	OnPlaybackCompleted(sessionID string)
	OnError(sessionID string, err error)
}

// CacheObserver is notified when a finished artifact lands in the
// cache or is removed by the LRU sweep. Optional.
type CacheObserver interface {
	OnCacheStored(key, path string, sizeBytes int64)
	OnCacheEvicted(key string, sizeBytes int64)
}

type Gateway struct {
	queue     *ingest.Queue
	player    *playback.Controller
	store     *cache.Store
	policy    retry.Policy
	callbacks Callbacks
	observer  CacheObserver
	recent    *lru.Cache[string, string]
	log       *slog.Logger
}

func New(parent context.Context, cfg config.Config, store *cache.Store, engine playback.Engine, callbacks Callbacks, observer CacheObserver, log *slog.Logger) (*Gateway, error) {
	recent, err := lru.New[string, string](recentSessions)
	if err != nil {
		return nil, fmt.Errorf("init recent session map: %w", err)
	}

	g := &Gateway{
		store:     store,
		policy:    retry.FromConfig(cfg.Retry),
		callbacks: callbacks,
		observer:  observer,
		recent:    recent,
		log:       log.With(slog.String("component", "gateway")),
	}

	if observer != nil {
		store.SetEvictListener(observer.OnCacheEvicted)
	}

	g.player = playback.NewController(parent, cfg.Playback, g.policy, engine, playbackEvents{g}, log)

	builder := segment.NewBuilder(cfg.Pipeline, log)
	g.queue = ingest.NewQueue(parent, cfg.Pipeline.WorkDir, g.policy, builder, g.player,
		ingest.Hooks{Finalized: g.onFinalized, Error: g.onPipelineError}, log)
	return g, nil
}

// Close shuts the pipeline down. In-flight playback is interrupted.
func (g *Gateway) Close() {
	g.queue.Close()
	g.player.Close()
}

// StartSession opens a streaming session. A previously active session
// is retired: its unflushed fragments and queued segments are dropped
// and its playback interrupted.
func (g *Gateway) StartSession(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id")
	}
	g.player.SwitchSession(sessionID)
	return g.queue.Start(sessionID)
}

// PushFragment hands one audio fragment to the intake queue. Fragments
// for a session that is not active are dropped.
func (g *Gateway) PushFragment(sessionID string, fragment []byte) {
	g.queue.Enqueue(sessionID, fragment)
}

// EndSession declares the session's fragment stream complete. The
// remaining buffered fragments are flushed into a final segment and the
// finished artifact is cached under the utterance text.
func (g *Gateway) EndSession(sessionID, fullText string) {
	g.queue.Finalize(sessionID, fullText)
}

// PlayCachedOrStream serves the utterance from the cache when a prior
// session already produced it. On a hit the artifact plays directly and
// no streaming session opens; the caller must not push fragments. On a
// miss a streaming session opens under sessionID.
func (g *Gateway) PlayCachedOrStream(ctx context.Context, sessionID, fullText string) (bool, error) {
	if path, ok := g.store.Get(ctx, fullText); ok {
		g.queue.Retire()
		cachedID := g.player.PlayCached(path)
		g.recent.Add(sessionID, cache.Key(fullText))
		g.log.Info("serving utterance from cache",
			slog.String("session_id", sessionID),
			slog.String("playback_session_id", cachedID))
		return true, nil
	}
	return false, g.StartSession(sessionID)
}

// Stop interrupts all playback and retires the active session.
func (g *Gateway) Stop() {
	g.queue.Retire()
	g.player.Stop()
}

// CachedKey returns the cache key a recently finished session stored
// its artifact under.
func (g *Gateway) CachedKey(sessionID string) (string, bool) {
	return g.recent.Get(sessionID)
}

func (g *Gateway) CacheStats(ctx context.Context) (cache.Stats, error) {
	return g.store.Stats(ctx)
}

func (g *Gateway) ClearCache(ctx context.Context) error {
	g.recent.Purge()
	return g.store.Clear(ctx)
}

// RepairCache reconciles the cache index with the artifact directory.
func (g *Gateway) RepairCache(ctx context.Context) (cache.RepairReport, error) {
	return g.store.Repair(ctx)
}

// onFinalized runs after the final flush of a session. The artifact is
// cached best-effort: a failed put is logged but never blocks the
// session's playback from finishing.
func (g *Gateway) onFinalized(ctx context.Context, sessionID, fullText, artifactPath string) {
	if artifactPath != "" && fullText != "" {
		var stored string
		err := retry.Do(ctx, g.log, "cache artifact", g.policy, nil, func() error {
			path, putErr := g.store.Put(ctx, fullText, artifactPath)
			stored = path
			return putErr
		})
		if err != nil {
			g.log.Warn("failed to cache finished artifact",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		} else {
			key := cache.Key(fullText)
			g.recent.Add(sessionID, key)
			if g.observer != nil {
				var size int64
				if info, statErr := os.Stat(stored); statErr == nil {
					size = info.Size()
				}
				g.observer.OnCacheStored(key, stored, size)
			}
		}
	}
	g.player.FinishSession(sessionID)
}

func (g *Gateway) onPipelineError(sessionID string, err error) {
	g.log.Warn("pipeline error",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()))
	if g.callbacks != nil {
		g.callbacks.OnError(sessionID, err)
	}
}

// playbackEvents adapts the controller's event surface to the
// gateway's callbacks.
type playbackEvents struct {
	g *Gateway
}

func (p playbackEvents) PlaybackStarted(sessionID string) {
	if p.g.callbacks != nil {
		p.g.callbacks.OnPlaybackStarted(sessionID)
	}
}

func (p playbackEvents) PlaybackCompleted(sessionID string) {
	if p.g.callbacks != nil {
		p.g.callbacks.OnPlaybackCompleted(sessionID)
	}
}

func (p playbackEvents) PlaybackError(sessionID string, err error) {
	if p.g.callbacks != nil {
		p.g.callbacks.OnError(sessionID, err)
	}
}
