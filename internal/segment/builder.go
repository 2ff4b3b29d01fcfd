package segment

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpipe-labs/voxpipe-core/internal/config"
)

const artifactFileName = "artifact.wav"

// Builder merges fragment batches into segment files and accumulates the
// session's full PCM stream for the finalize-time artifact. Fragments are
// either self-contained WAV containers (decoded, PCM extracted) or
// headerless raw samples in the configured format; either way every
// produced segment carries exactly one container header.
type Builder struct {
	fragmentFormat string
	rawFormat      Format
	fastFirst      bool
	chunksPerSeg   int
	log            *slog.Logger

	// mu is the build lock: one build per session at a time. Callers
	// re-check the buffered count after acquiring it, because the build
	// that held it may have consumed the fragments that triggered them.
	mu        sync.Mutex
	sessionID string
	artifact  []int
	artFormat Format
	haveAudio bool

	builtCounter metric.Int64Counter
}

func NewBuilder(cfg config.PipelineConfig, log *slog.Logger) *Builder {
	b := &Builder{
		fragmentFormat: cfg.FragmentFormat,
		rawFormat: Format{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   cfg.BitDepth,
		},
		fastFirst:    cfg.FastFirstSegment,
		chunksPerSeg: cfg.ChunksPerSegment,
		log:          log.With(slog.String("component", "segment-builder")),
	}

	meter := otel.Meter("voxpipe.segment")
	counter, err := meter.Int64Counter("voxpipe_segments_built_total",
		metric.WithDescription("Segments merged and written to disk"))
	if err != nil {
		b.log.Warn("failed to register segment counter", slog.String("error", err.Error()))
	} else {
		b.builtCounter = counter
	}
	return b
}

// Begin resets accumulation state for a new session.
func (b *Builder) Begin(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = sessionID
	b.artifact = nil
	b.artFormat = b.rawFormat
	b.haveAudio = false
}

// Abort drops accumulated audio for a retired session. A no-op when the
// builder has already moved on to another session.
func (b *Builder) Abort(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessionID != sessionID {
		return
	}
	b.sessionID = ""
	b.artifact = nil
	b.haveAudio = false
}

// BatchSize decides how many buffered fragments the next build should
// consume. Zero means wait for more. Finalizing sessions flush whatever
// remains, even a partial batch.
func (b *Builder) BatchSize(buffered, nextIndex int, finalizing bool) int {
	if finalizing {
		return buffered
	}
	if buffered == 0 {
		return 0
	}
	if nextIndex == 1 && b.fastFirst {
		return 1
	}
	if buffered >= b.chunksPerSeg {
		return b.chunksPerSeg
	}
	return 0
}

// Build merges the fragments in arrival order into one segment file under
// workDir. The artifact accumulator is only appended after the file is
// durable, so retrying a failed build cannot double-count audio.
func (b *Builder) Build(ctx context.Context, workDir, sessionID string, index int, fragments [][]byte) (Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessionID != sessionID {
		return Segment{}, fmt.Errorf("build for retired session %s", sessionID)
	}

	var samples []int
	for _, frag := range fragments {
		pcm, format, err := b.decode(frag)
		if err != nil {
			return Segment{}, err
		}
		if !b.haveAudio {
			b.artFormat = format
			b.haveAudio = true
		} else if format != b.artFormat {
			// Mid-session format changes cannot be resampled here.
			b.log.Warn("fragment format drifted within session",
				slog.String("session_id", sessionID),
				slog.Int("sample_rate", format.SampleRate))
		}
		samples = append(samples, pcm...)
	}

	path := filepath.Join(workDir, fmt.Sprintf("segment-%04d.wav", index))
	size, err := writeWAV(path, b.artFormat, samples)
	if err != nil {
		return Segment{}, err
	}
	b.artifact = append(b.artifact, samples...)

	if b.builtCounter != nil {
		b.builtCounter.Add(ctx, 1)
	}
	b.log.Debug("segment built",
		slog.String("session_id", sessionID),
		slog.Int("index", index),
		slog.Int("fragments", len(fragments)),
		slog.Int64("bytes", size))

	return Segment{SessionID: sessionID, Index: index, Path: path, ByteLength: size}, nil
}

// FinishArtifact writes the session's concatenated audio as a single WAV
// file and releases the accumulator. Call after the final forced build.
// A session that accumulated no audio yields no artifact: a header-only
// file would cache as playable silence.
func (b *Builder) FinishArtifact(workDir, sessionID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessionID != sessionID {
		return "", fmt.Errorf("finish for retired session %s", sessionID)
	}
	if !b.haveAudio {
		b.sessionID = ""
		b.artifact = nil
		return "", nil
	}

	path := filepath.Join(workDir, artifactFileName)
	if _, err := writeWAV(path, b.artFormat, b.artifact); err != nil {
		return "", err
	}
	b.sessionID = ""
	b.artifact = nil
	b.haveAudio = false
	return path, nil
}

func (b *Builder) decode(frag []byte) ([]int, Format, error) {
	if b.fragmentFormat == "pcm" {
		pcm, err := samplesFromRaw(frag, b.rawFormat.BitDepth)
		if err != nil {
			return nil, Format{}, err
		}
		return pcm, b.rawFormat, nil
	}
	return decodeWAV(frag)
}
