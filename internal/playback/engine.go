// Package playback sequences finished audio segments onto an output
// engine. One segment plays at a time, in index order, and a new
// session interrupts whatever the previous session still had queued.
package playback

import (
	"context"
	"fmt"

	"github.com/voxpipe-labs/voxpipe-core/internal/config"
)

// Engine plays a single audio file to completion. Play blocks until
// the audio finishes, the context is cancelled, or the device fails.
type Engine interface {
	Play(ctx context.Context, path string) error
}

// NewEngine builds the configured output engine.
func NewEngine(cfg config.PlaybackConfig) (Engine, error) {
	switch cfg.Engine {
	case "mock", "":
		return NewMockEngine(0), nil
	case "exec":
		return NewExecEngine(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown playback engine %q", cfg.Engine)
	}
}
