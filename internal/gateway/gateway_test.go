package gateway

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe-labs/voxpipe-core/internal/cache"
	"github.com/voxpipe-labs/voxpipe-core/internal/config"
	"github.com/voxpipe-labs/voxpipe-core/internal/playback"
)

type recorder struct {
	mu           sync.Mutex
	started      []string
	completed    []string
	failed       []string
	cacheStored  []string
	cacheEvicted []string
}

func (r *recorder) OnPlaybackStarted(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, sessionID)
}

func (r *recorder) OnPlaybackCompleted(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, sessionID)
}

func (r *recorder) OnError(sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, sessionID)
}

func (r *recorder) OnCacheStored(key, path string, sizeBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheStored = append(r.cacheStored, key)
}

func (r *recorder) OnCacheEvicted(key string, sizeBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheEvicted = append(r.cacheEvicted, key)
}

func (r *recorder) snapshot() (started, completed, failed, stored []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.started...),
		append([]string{}, r.completed...),
		append([]string{}, r.failed...),
		append([]string{}, r.cacheStored...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.ChunksPerSegment = 2
	cfg.Pipeline.FastFirstSegment = false
	cfg.Pipeline.FragmentFormat = "pcm"
	cfg.Pipeline.SampleRate = 8000
	cfg.Pipeline.Channels = 1
	cfg.Pipeline.BitDepth = 16
	cfg.Pipeline.WorkDir = filepath.Join(t.TempDir(), "work")
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")
	cfg.Retry.MaxTries = 2
	cfg.Retry.BaseDelayMS = 1
	cfg.Retry.MaxDelayMS = 5
	return cfg
}

type fixture struct {
	gw     *Gateway
	engine *playback.MockEngine
	events *recorder
	store  *cache.Store
	cfg    config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig(t)
	log := testLogger()

	store, err := cache.Open(context.Background(), cfg.Cache, log)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine := playback.NewMockEngine(0)
	events := &recorder{}
	gw, err := New(context.Background(), cfg, store, engine, events, events, log)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(gw.Close)
	return &fixture{gw: gw, engine: engine, events: events, store: store, cfg: cfg}
}

func pcmBytes(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func streamSession(t *testing.T, f *fixture, sessionID, text string, fragments int) {
	t.Helper()
	if err := f.gw.StartSession(sessionID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for i := 0; i < fragments; i++ {
		f.gw.PushFragment(sessionID, pcmBytes(int16(i+1), int16(-i-1)))
	}
	f.gw.EndSession(sessionID, text)
}

func TestStreamedUtteranceIsCachedAndReplayedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	streamSession(t, f, "sess-1", "Hello world", 4)
	waitFor(t, "first session completion", func() bool {
		_, completed, _, stored := f.events.snapshot()
		return len(completed) == 1 && len(stored) == 1
	})

	started, completed, failed, stored := f.events.snapshot()
	if started[0] != "sess-1" || completed[0] != "sess-1" {
		t.Fatalf("unexpected lifecycle events: started=%v completed=%v", started, completed)
	}
	if len(failed) != 0 {
		t.Fatalf("unexpected errors: %v", failed)
	}
	if stored[0] != cache.Key("Hello world") {
		t.Fatalf("artifact stored under wrong key %s", stored[0])
	}
	if key, ok := f.gw.CachedKey("sess-1"); !ok || key != cache.Key("hello world") {
		t.Fatalf("session must map to its cache key, got %q ok=%v", key, ok)
	}

	// A later request with different case and spacing hits the cache and
	// never opens a streaming session.
	hit, err := f.gw.PlayCachedOrStream(ctx, "sess-2", "  HELLO   world ")
	if err != nil {
		t.Fatalf("play cached: %v", err)
	}
	if !hit {
		t.Fatal("expected a cache hit for a normalization variant")
	}

	waitFor(t, "cached replay completion", func() bool {
		_, completed, _, _ := f.events.snapshot()
		return len(completed) == 2
	})
	_, completed, _, _ = f.events.snapshot()
	if !strings.HasPrefix(completed[1], "cached:") {
		t.Fatalf("cached replay must run under a synthetic session, got %s", completed[1])
	}

	artifact := filepath.Join(f.cfg.Cache.Dir, cache.Key("hello world")+".wav")
	played := f.engine.Played()
	if played[len(played)-1] != artifact {
		t.Fatalf("replay must play the cached artifact, got %s", played[len(played)-1])
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("cached artifact must survive playback: %v", err)
	}
}

func TestCacheMissFallsBackToStreaming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hit, err := f.gw.PlayCachedOrStream(ctx, "sess-1", "never synthesized before")
	if err != nil {
		t.Fatalf("play or stream: %v", err)
	}
	if hit {
		t.Fatal("unexpected cache hit for unseen text")
	}

	// The miss opened a streaming session; finish it normally.
	for i := 0; i < 2; i++ {
		f.gw.PushFragment("sess-1", pcmBytes(int16(i), int16(i)))
	}
	f.gw.EndSession("sess-1", "never synthesized before")

	waitFor(t, "streamed session completion", func() bool {
		_, completed, _, _ := f.events.snapshot()
		return len(completed) == 1
	})
	if !f.store.Has(ctx, "never synthesized before") {
		t.Fatal("streamed artifact must land in the cache")
	}
}

func TestNewSessionRetiresUnflushedPredecessor(t *testing.T) {
	f := newFixture(t)

	if err := f.gw.StartSession("abandoned"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	// One fragment stays below the batching threshold, so nothing of
	// this session ever reaches the player.
	f.gw.PushFragment("abandoned", pcmBytes(7, 7))

	streamSession(t, f, "replacement", "the second utterance", 2)
	waitFor(t, "replacement session completion", func() bool {
		_, completed, _, _ := f.events.snapshot()
		return len(completed) == 1
	})

	started, completed, failed, _ := f.events.snapshot()
	if len(started) != 1 || started[0] != "replacement" {
		t.Fatalf("abandoned session must never start playback: %v", started)
	}
	if completed[0] != "replacement" {
		t.Fatalf("only the replacement session may complete: %v", completed)
	}
	if len(failed) != 0 {
		t.Fatalf("a superseded session is not an error: %v", failed)
	}
}

func TestSessionWithNoFragmentsCompletesWithoutCaching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.gw.StartSession("silent"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	f.gw.EndSession("silent", "nothing was said")

	waitFor(t, "empty session completion", func() bool {
		_, completed, _, _ := f.events.snapshot()
		return len(completed) == 1
	})

	_, completed, failed, stored := f.events.snapshot()
	if completed[0] != "silent" {
		t.Fatalf("expected completion for the empty session, got %v", completed)
	}
	if len(failed) != 0 {
		t.Fatalf("an empty session is not an error: %v", failed)
	}
	if len(stored) != 0 {
		t.Fatalf("no artifact may be cached for an empty session: %v", stored)
	}
	if f.store.Has(ctx, "nothing was said") {
		t.Fatal("a header-only artifact must never reach the cache")
	}
	if played := f.engine.Played(); len(played) != 0 {
		t.Fatalf("nothing may play: %v", played)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	streamSession(t, f, "sess-1", "count me", 2)
	waitFor(t, "artifact cached", func() bool {
		_, _, _, stored := f.events.snapshot()
		return len(stored) == 1
	})

	stats, err := f.gw.CacheStats(ctx)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	if stats.Count != 1 || stats.TotalBytes == 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := f.gw.ClearCache(ctx); err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	stats, err = f.gw.CacheStats(ctx)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("expected empty cache after clear, got %+v", stats)
	}
	if _, ok := f.gw.CachedKey("sess-1"); ok {
		t.Fatal("clearing the cache must also drop the session key map")
	}
}

func TestStartSessionRejectsEmptyID(t *testing.T) {
	f := newFixture(t)
	if err := f.gw.StartSession(""); err == nil {
		t.Fatal("expected an error for an empty session id")
	}
}
