package playback

import (
	"context"
	"sync"
	"time"
)

// MockEngine records the paths it is asked to play. It stands in for a
// real audio device in development mode and in tests.
type MockEngine struct {
	delay time.Duration

	mu     sync.Mutex
	played []string
	fail   map[string]error
}

func NewMockEngine(delay time.Duration) *MockEngine {
	return &MockEngine{delay: delay, fail: make(map[string]error)}
}

// FailWith makes the next plays of path return err.
func (m *MockEngine) FailWith(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[path] = err
}

// Played returns the paths played so far, in order.
func (m *MockEngine) Played() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.played))
	copy(out, m.played)
	return out
}

func (m *MockEngine) Play(ctx context.Context, path string) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[path]; ok && err != nil {
		return err
	}
	m.played = append(m.played, path)
	return nil
}
