// Package opusx wraps the gopus Opus codec behind small Encoder and
// Decoder interfaces so audio pipelines can swap the codec in tests.
//
// Packets are self-delimited Opus frames, one packet per transport
// frame; no container framing is applied.
package opusx

import (
	"fmt"

	"layeh.com/gopus"
)

// maxPacketSize bounds an encoded Opus packet. The codec never
// produces more than 4000 bytes for a single frame.
const maxPacketSize = 4000

// Encoder turns fixed-size PCM frames into Opus packets. Instances are
// single-goroutine only.
type Encoder interface {
	// Encode encodes one frame. len(pcm) must be frameSize*channels
	// as configured at construction.
	Encode(pcm []int16) ([]byte, error)
	Close() error
}

// Decoder turns Opus packets back into PCM. Instances are
// single-goroutine only.
type Decoder interface {
	// Decode decodes one packet into at most maxSamples samples per
	// channel.
	Decode(packet []byte, maxSamples int) ([]int16, error)
	Close() error
}

// Codec creates encoders and decoders. The engine takes a Codec so
// tests can substitute a stub where linking libopus is unwanted.
type Codec interface {
	NewEncoder(sampleRate, channels, frameSize int) (Encoder, error)
	NewDecoder(sampleRate, channels int) (Decoder, error)
}

// VoIP returns the gopus-backed codec tuned for voice. The bitrate
// applies to encoders only; zero keeps the library default.
func VoIP(bitrate int) Codec {
	return &gopusCodec{application: gopus.Voip, bitrate: bitrate}
}

type gopusCodec struct {
	application gopus.Application
	bitrate     int
}

func (c *gopusCodec) NewEncoder(sampleRate, channels, frameSize int) (Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, c.application)
	if err != nil {
		return nil, fmt.Errorf("opusx: create encoder: %w", err)
	}
	if c.bitrate > 0 {
		enc.SetBitrate(c.bitrate)
	}
	return &gopusEncoder{enc: enc, frameSize: frameSize, channels: channels}, nil
}

func (c *gopusCodec) NewDecoder(sampleRate, channels int) (Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opusx: create decoder: %w", err)
	}
	return &gopusDecoder{dec: dec}, nil
}

type gopusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
	channels  int
}

func (e *gopusEncoder) Encode(pcm []int16) ([]byte, error) {
	if e.enc == nil {
		return nil, fmt.Errorf("opusx: encoder is closed")
	}
	if len(pcm) != e.frameSize*e.channels {
		return nil, fmt.Errorf("opusx: encode expects %d samples, got %d", e.frameSize*e.channels, len(pcm))
	}
	packet, err := e.enc.Encode(pcm, e.frameSize, maxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("opusx: encode: %w", err)
	}
	return packet, nil
}

func (e *gopusEncoder) Close() error {
	// gopus encoders are garbage collected; drop the reference so
	// later Encode calls fail fast.
	e.enc = nil
	return nil
}

type gopusDecoder struct {
	dec *gopus.Decoder
}

func (d *gopusDecoder) Decode(packet []byte, maxSamples int) ([]int16, error) {
	if d.dec == nil {
		return nil, fmt.Errorf("opusx: decoder is closed")
	}
	pcm, err := d.dec.Decode(packet, maxSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opusx: decode: %w", err)
	}
	return pcm, nil
}

func (d *gopusDecoder) Close() error {
	d.dec = nil
	return nil
}
