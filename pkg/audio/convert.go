package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter turns PCM16 chunks captured in one format into another. Browsers
// usually capture at 48 kHz while the realtime backend expects 24 kHz mono.
// Create one per stream; a Converter is not safe for concurrent use.
type Converter struct {
	From Format
	To   Format

	warnedMismatch sync.Once
	warnedOdd      sync.Once
}

// NewConverter returns a Converter from src to dst.
func NewConverter(src, dst Format) *Converter {
	return &Converter{From: src, To: dst}
}

// Convert returns pcm in the target format. When the formats match the input
// is returned as-is. Chunks with an odd byte count cannot be PCM16 and are
// dropped (nil is returned).
func (c *Converter) Convert(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		c.warnedOdd.Do(func() {
			slog.Warn("audio: odd byte count in PCM16 chunk, dropping",
				"bytes", len(pcm),
				"format", c.From.String(),
			)
		})
		return nil
	}
	if c.From == c.To {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting input",
			"from", c.From.String(),
			"to", c.To.String(),
		)
	})

	// Resample before downmixing would be wasteful; downmix first when the
	// target is mono, otherwise resample first.
	channels := c.From.Channels
	if channels == 2 && c.To.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if c.From.SampleRate != c.To.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, c.From.SampleRate, c.To.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, c.From.SampleRate, c.To.SampleRate)
		}
	}
	if channels == 1 && c.To.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

func sample(pcm []byte, i int) int16 {
	return int16(pcm[i]) | int16(pcm[i+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i] = byte(s)
	pcm[i+1] = byte(s >> 8)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := sample(pcm, i)
		putSample(out, i*2, s)
		putSample(out, i*2+2, s)
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		avg := (int32(sample(pcm, i*4)) + int32(sample(pcm, i*4+2))) / 2
		putSample(out, i*2, int16(avg))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Invalid or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, srcRate, dstRate, 1)
}

// ResampleStereo16 resamples interleaved stereo PCM16 from srcRate to dstRate
// with linear interpolation per channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, srcRate, dstRate, 2)
}

func resample(pcm []byte, srcRate, dstRate, channels int) []byte {
	frameSize := 2 * channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < frameSize {
		return pcm
	}
	srcFrames := len(pcm) / frameSize
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameSize)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sample(pcm, idx*frameSize+ch*2))
			s1 := float64(sample(pcm, next*frameSize+ch*2))
			putSample(out, i*frameSize+ch*2, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}
