package audio

import "time"

// Output format produced by the decoding subprocess and expected by every
// [Connection]: signed 16-bit little-endian PCM, 48 kHz, stereo.
const (
	SampleRate = 48000
	Channels   = 2

	// FrameSamples is the number of samples per channel in one frame (20 ms).
	FrameSamples = 960

	// FrameBytes is the size of one interleaved s16le frame.
	FrameBytes = FrameSamples * Channels * 2

	// FrameDuration is the playback time covered by one frame.
	FrameDuration = 20 * time.Millisecond
)

// AudioFrame is one fixed-size unit of PCM audio flowing from a track's
// source pipe to the voice transport. Frames are never retained after they
// have been sent.
type AudioFrame struct {
	// Data holds exactly FrameBytes of interleaved PCM.
	Data []byte

	// Seq is the zero-based emission index within the producing stream.
	Seq uint64
}

// Offset returns the playback position of the frame within its stream.
func (f AudioFrame) Offset() time.Duration {
	return time.Duration(f.Seq) * FrameDuration
}
