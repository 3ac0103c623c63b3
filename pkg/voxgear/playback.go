package voxgear

import (
	"fmt"

	"github.com/voxgear/voxgear/pkg/audio/device"
	"github.com/voxgear/voxgear/pkg/audio/opusx"
	"github.com/voxgear/voxgear/pkg/audio/resampler"
	"github.com/voxgear/voxgear/pkg/buffer"
)

// playbackItem is one unit of the playback FIFO: either a packet to
// decode and play, or a drain marker whose callback fires after every
// prior packet has been written.
type playbackItem struct {
	packet []byte
	drain  func()
}

// playbackEngine owns the speaker while the assistant talks: a FIFO
// consumer decodes each Opus packet, resamples to the device rate and
// writes it out.
type playbackEngine struct {
	out     device.Output
	dec     opusx.Decoder
	rs      *resampler.Resampler
	stats   *PipelineStats
	logger  Logger
	samples int

	queue *buffer.FIFO[playbackItem]
	done  chan struct{}
}

// newPlaybackEngine opens the output device and starts the consumer.
func newPlaybackEngine(out device.Output, codec opusx.Codec, frameDurationMs int, stats *PipelineStats, logger Logger) (*playbackEngine, error) {
	if err := out.Open(playbackSampleRate); err != nil {
		return nil, fmt.Errorf("voxgear: open playback device: %w", err)
	}

	dec, err := codec.NewDecoder(playbackSampleRate, 1)
	if err != nil {
		out.Close()
		return nil, err
	}

	rs, err := resampler.New(playbackSampleRate, out.SampleRate())
	if err != nil {
		out.Close()
		dec.Close()
		return nil, err
	}

	if stats == nil {
		stats = newPipelineStats()
	}
	p := &playbackEngine{
		out:     out,
		dec:     dec,
		rs:      rs,
		stats:   stats,
		logger:  logger,
		samples: playbackSampleRate * frameDurationMs / 1000,
		queue:   buffer.NewFIFO[playbackItem](),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p, nil
}

// Write enqueues one compressed packet.
func (p *playbackEngine) Write(packet []byte) {
	p.queue.Push(playbackItem{packet: packet})
}

// NotifyDataEnd enqueues a marker that invokes callback once all
// previously written packets have been decoded and played. This is the
// drain signal for the speaking-to-listening transition.
func (p *playbackEngine) NotifyDataEnd(callback func()) {
	p.queue.Push(playbackItem{drain: callback})
}

func (p *playbackEngine) loop() {
	defer close(p.done)
	for {
		item, err := p.queue.Pop()
		if err != nil {
			return
		}
		if item.drain != nil {
			item.drain()
			continue
		}

		pcm, err := p.dec.Decode(item.packet, p.samples)
		if err != nil {
			// Decoder errors drop the frame; the pipeline continues.
			p.stats.decodeErrors.Add(1)
			p.logger.WarnPrintf("playback: decode: %v", err)
			continue
		}
		p.stats.packetsPlayed.Add(1)

		out, err := p.rs.Process(pcm)
		if err != nil {
			p.logger.ErrorPrintf("playback: resample: %v", err)
			return
		}
		if len(out) == 0 {
			continue
		}
		if _, err := p.out.Write(out); err != nil {
			p.logger.ErrorPrintf("playback: device write: %v", err)
			return
		}
	}
}

// Close stops the consumer, discarding anything still queued, then
// closes the device and decoder.
func (p *playbackEngine) Close() {
	p.queue.CloseWithError(nil)
	<-p.done
	p.out.Close()
	p.dec.Close()
}
