package discord

import (
	"fmt"

	"github.com/MrWong99/bardic/pkg/audio"
	"layeh.com/gopus"
)

// defaultBitrate is used when the platform is created without an explicit
// bitrate. Discord caps regular channels at 96 kbit/s.
const defaultBitrate = 96000

// opusEncoder wraps a gopus encoder for the outgoing music stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder creates an encoder for 48 kHz stereo music at bitrate bit/s.
func newOpusEncoder(bitrate int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	if bitrate <= 0 {
		bitrate = defaultBitrate
	}
	enc.SetBitrate(bitrate)
	return &opusEncoder{enc: enc}, nil
}

// encode encodes exactly one frame of interleaved s16le PCM into an Opus packet.
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) != audio.FrameBytes {
		return nil, fmt.Errorf("discord: opus encode: frame is %d bytes, want %d", len(pcmBytes), audio.FrameBytes)
	}
	pcm := bytesToInt16s(pcmBytes)
	opus, err := e.enc.Encode(pcm, audio.FrameSamples, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return opus, nil
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
