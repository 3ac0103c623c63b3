package voxgear

import (
	"fmt"

	"github.com/voxgear/voxgear/pkg/audio/device"
	"github.com/voxgear/voxgear/pkg/audio/opusx"
	"github.com/voxgear/voxgear/pkg/audio/resampler"
)

// captureEngine owns the microphone while the engine is listening: a
// periodic loop reads one frame of device PCM, resamples it to the
// canonical capture rate, Opus-encodes it and hands the packet to the
// sink. The sink runs on the capture task; it must only enqueue.
type captureEngine struct {
	in      device.Input
	enc     opusx.Encoder
	rs      *resampler.Resampler
	sink    func(packet []byte)
	stats   *PipelineStats
	logger  Logger
	devBuf  []int16
	pending []int16
	frame   int

	stop chan struct{}
	done chan struct{}
}

// newCaptureEngine opens the input device and starts the capture loop.
func newCaptureEngine(in device.Input, codec opusx.Codec, frameDurationMs int, sink func([]byte), stats *PipelineStats, logger Logger) (*captureEngine, error) {
	if err := in.Open(captureSampleRate); err != nil {
		return nil, fmt.Errorf("voxgear: open capture device: %w", err)
	}

	deviceRate := in.SampleRate()
	rs, err := resampler.New(deviceRate, captureSampleRate)
	if err != nil {
		in.Close()
		return nil, err
	}

	frame := captureSampleRate * frameDurationMs / 1000
	enc, err := codec.NewEncoder(captureSampleRate, 1, frame)
	if err != nil {
		in.Close()
		return nil, err
	}

	if stats == nil {
		stats = newPipelineStats()
	}
	c := &captureEngine{
		in:     in,
		enc:    enc,
		rs:     rs,
		sink:   sink,
		stats:  stats,
		logger: logger,
		devBuf: make([]int16, deviceRate*frameDurationMs/1000),
		frame:  frame,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func (c *captureEngine) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		n, err := c.in.Read(c.devBuf)
		if err != nil {
			// Audio hardware loss is unrecoverable locally.
			c.logger.ErrorPrintf("capture: device read: %v", err)
			return
		}

		pcm, err := c.rs.Process(c.devBuf[:n])
		if err != nil {
			c.logger.ErrorPrintf("capture: resample: %v", err)
			return
		}

		// The resampler's output length wobbles around the target
		// frame size; accumulate and emit exact frames so every
		// packet covers frame_duration of audio.
		c.pending = append(c.pending, pcm...)
		for len(c.pending) >= c.frame {
			packet, err := c.enc.Encode(c.pending[:c.frame])
			c.pending = c.pending[c.frame:]
			if err != nil {
				// Encoder errors drop the frame; the pipeline
				// continues.
				c.logger.WarnPrintf("capture: encode: %v", err)
				continue
			}
			c.stats.framesEncoded.Add(1)
			c.sink(packet)
		}
	}
}

// Close stops the loop, closes the device and releases the encoder.
func (c *captureEngine) Close() {
	close(c.stop)
	<-c.done
	c.in.Close()
	c.enc.Close()
}
