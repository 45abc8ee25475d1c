// Package audio defines the playback sink contract and the PCM helpers shared
// by cuecall's audio paths.
//
// The session controller never touches a speaker directly. It hands synthesised
// agent audio to a [Sink] fragment by fragment and, on interruption, asks the
// sink to drop everything it has not played yet. Implementations live in
// sub-packages (see audio/playback) or in callers that bridge to a browser or
// sound card.
//
// All audio in cuecall is little-endian signed 16-bit PCM.
package audio

import "time"

// Sink receives synthesised agent audio for playback.
//
// Implementations must be safe for concurrent use and must not block the
// caller: Enqueue and StopAndDiscard are invoked from the session loop.
type Sink interface {
	// Enqueue appends fragment to the playback queue. turnID identifies the
	// agent turn the fragment belongs to.
	Enqueue(fragment []byte, turnID string)

	// StopAndDiscard halts playback immediately and drops all queued audio.
	// It is idempotent.
	StopAndDiscard()
}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the wire format of the realtime backend: 24 kHz mono.
var DefaultFormat = Format{SampleRate: 24000, Channels: 1}

// BytesPerSecond returns the byte rate of a PCM16 stream in format f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM16 audio in format f take to play.
// It returns zero for an invalid format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Valid reports whether f has a positive sample rate and one or two channels.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}
