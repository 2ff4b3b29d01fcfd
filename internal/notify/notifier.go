// Package notify publishes pipeline lifecycle events on the bus so
// other local services can react to playback and cache activity.
package notify

import (
	"log/slog"
	"time"

	"github.com/voxpipe-labs/voxpipe-core/internal/bus"
	"github.com/voxpipe-labs/voxpipe-core/internal/protocol"
)

// Notifier forwards gateway callbacks to bus subjects. Publishing is
// best-effort: a failed publish is logged and never disturbs playback.
type Notifier struct {
	bus *bus.Client
	log *slog.Logger
}

func New(busClient *bus.Client, log *slog.Logger) *Notifier {
	return &Notifier{
		bus: busClient,
		log: log.With(slog.String("component", "notify")),
	}
}

func (n *Notifier) OnPlaybackStarted(sessionID string) {
	n.publish(protocol.SubjectPlaybackStarted, protocol.PlaybackEvent{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
}

func (n *Notifier) OnPlaybackCompleted(sessionID string) {
	n.publish(protocol.SubjectPlaybackCompleted, protocol.PlaybackEvent{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
}

func (n *Notifier) OnError(sessionID string, err error) {
	n.publish(protocol.SubjectPlaybackError, protocol.PlaybackEvent{
		SessionID: sessionID,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (n *Notifier) OnCacheStored(key, path string, sizeBytes int64) {
	n.publish(protocol.SubjectCacheStored, protocol.CacheEvent{
		Key:       key,
		Path:      path,
		SizeBytes: sizeBytes,
		Timestamp: time.Now().UTC(),
	})
}

func (n *Notifier) OnCacheEvicted(key string, sizeBytes int64) {
	n.publish(protocol.SubjectCacheEvicted, protocol.CacheEvent{
		Key:       key,
		SizeBytes: sizeBytes,
		Timestamp: time.Now().UTC(),
	})
}

func (n *Notifier) publish(subject string, payload any) {
	if n == nil || n.bus == nil {
		return
	}
	if err := n.bus.PublishJSON(subject, payload); err != nil {
		n.log.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
