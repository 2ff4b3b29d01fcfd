package playback

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/voxpipe-labs/voxpipe-core/internal/retry"
)

// execEngine hands each file to an external player command, e.g.
// "aplay -q" or "ffplay -nodisp -autoexit". The file path is appended
// as the final argument.
type execEngine struct {
	cmd []string
}

func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Play(ctx context.Context, path string) error {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, path)

	cmd := exec.CommandContext(ctx, base, args...)
	if err := cmd.Start(); err != nil {
		// A busy or briefly unavailable device is worth another try.
		return retry.Transient(fmt.Errorf("start player: %w", err))
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Transient(fmt.Errorf("player exited: %w", err))
	}
	return nil
}
