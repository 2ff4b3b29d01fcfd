package protocol

import "time"

// PlaybackEvent announces a playback lifecycle transition on the bus.
type PlaybackEvent struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheEvent announces that an artifact was stored in or evicted from the
// content cache. Path is empty on eviction: the file is already gone.
type CacheEvent struct {
	Key       string    `json:"key"`
	Path      string    `json:"path,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectPlaybackStarted   = "voxpipe.playback.started"
	SubjectPlaybackCompleted = "voxpipe.playback.completed"
	SubjectPlaybackError     = "voxpipe.playback.error"
	SubjectCacheStored       = "voxpipe.cache.stored"
	SubjectCacheEvicted      = "voxpipe.cache.evicted"
)
