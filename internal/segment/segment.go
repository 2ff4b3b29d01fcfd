// Package segment merges ordered audio fragments into playable segment
// files, one valid WAV container per segment.
package segment

// Segment is a merged run of fragments materialized as a single playable
// file. Indices within a session are 1-based, contiguous, and strictly
// increasing.
type Segment struct {
	SessionID  string
	Index      int
	Path       string
	ByteLength int64
}

// Format describes raw PCM audio.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}
