package device

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// WAV container constants for 16-bit mono PCM.
const (
	wavHeaderSize    = 44
	wavAudioFormat   = 1 // PCM
	wavBitsPerSample = 16
)

// EncodeWAV wraps mono 16-bit PCM samples in a WAV container.
func EncodeWAV(pcm []int16, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVTo writes mono 16-bit PCM samples to out as a WAV stream.
func WriteWAVTo(out io.Writer, pcm []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("device: wav sample rate %d", sampleRate)
	}

	const numChannels = 1
	dataSize := uint32(len(pcm) * 2)
	byteRate := uint32(sampleRate * numChannels * wavBitsPerSample / 8)
	blockAlign := uint16(numChannels * wavBitsPerSample / 8)

	w := bufio.NewWriter(out)
	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36)+dataSize)
	w.WriteString("WAVE")

	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(wavAudioFormat))
	binary.Write(w, binary.LittleEndian, uint16(numChannels))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, byteRate)
	binary.Write(w, binary.LittleEndian, blockAlign)
	binary.Write(w, binary.LittleEndian, uint16(wavBitsPerSample))

	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, dataSize)
	for _, s := range pcm {
		binary.Write(w, binary.LittleEndian, s)
	}
	return w.Flush()
}

// DecodeWAV parses a mono 16-bit PCM WAV file and returns the samples
// and sample rate. Only the canonical PCM layout is supported; extra
// chunks before data are skipped.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("device: wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("device: not a wav file")
	}

	var sampleRate int
	var channels int
	var bits int
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			return nil, 0, fmt.Errorf("device: wav chunk %q overruns file", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("device: wav fmt chunk too short")
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format != wavAudioFormat {
				return nil, 0, fmt.Errorf("device: wav format %d not PCM", format)
			}
			if channels != 1 || bits != wavBitsPerSample {
				return nil, 0, fmt.Errorf("device: wav is %d ch / %d bit; want mono 16-bit", channels, bits)
			}
		case "data":
			if sampleRate == 0 {
				return nil, 0, fmt.Errorf("device: wav data before fmt chunk")
			}
			pcm := make([]int16, size/2)
			for i := range pcm {
				pcm[i] = int16(binary.LittleEndian.Uint16(data[body+i*2 : body+i*2+2]))
			}
			return pcm, sampleRate, nil
		}

		// Chunks are word-aligned.
		pos = body + size + size%2
	}
	return nil, 0, fmt.Errorf("device: wav has no data chunk")
}

// WAVInput is an Input that serves samples from a WAV recording,
// looping when it reaches the end. The device runs at the file's
// sample rate regardless of the rate requested at Open.
type WAVInput struct {
	// Realtime paces Read calls to the duration of the requested
	// buffer.
	Realtime bool

	mu     sync.Mutex
	pcm    []int16
	rate   int
	pos    int
	opened bool
}

// LoadWAVInput reads a WAV file from disk.
func LoadWAVInput(path string) (*WAVInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("device: read wav: %w", err)
	}
	return NewWAVInput(data)
}

// NewWAVInput parses WAV bytes into an input device.
func NewWAVInput(data []byte) (*WAVInput, error) {
	pcm, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("device: wav has no samples")
	}
	return &WAVInput{pcm: pcm, rate: rate}, nil
}

// Open opens the device. The requested rate is ignored; the file's
// rate wins and callers resample.
func (w *WAVInput) Open(sampleRate int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opened {
		return fmt.Errorf("device: input already open")
	}
	w.opened = true
	return nil
}

// Close closes the device.
func (w *WAVInput) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.opened {
		return fmt.Errorf("device: input not open")
	}
	w.opened = false
	return nil
}

// Read fills buf from the recording, wrapping at the end.
func (w *WAVInput) Read(buf []int16) (int, error) {
	w.mu.Lock()
	if !w.opened {
		w.mu.Unlock()
		return 0, fmt.Errorf("device: read on closed input")
	}
	for i := range buf {
		buf[i] = w.pcm[w.pos]
		w.pos++
		if w.pos == len(w.pcm) {
			w.pos = 0
		}
	}
	rate := w.rate
	w.mu.Unlock()

	if w.Realtime && rate > 0 {
		time.Sleep(time.Duration(len(buf)) * time.Second / time.Duration(rate))
	}
	return len(buf), nil
}

// SampleRate reports the recording's sample rate.
func (w *WAVInput) SampleRate() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rate
}

// Opened reports whether the device is currently open.
func (w *WAVInput) Opened() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opened
}

// WAVOutput is an Output that records everything written and can dump
// the recording as a WAV file.
type WAVOutput struct {
	SimOutput
}

// Save writes the recording to a WAV file at the device's sample rate.
func (w *WAVOutput) Save(path string) error {
	rate := w.SampleRate()
	if rate == 0 {
		rate = 24000
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("device: create wav: %w", err)
	}
	defer f.Close()
	if err := WriteWAVTo(f, w.Written(), rate); err != nil {
		return err
	}
	return nil
}
