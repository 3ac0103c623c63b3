// voxgear-sim is a CLI tool to run a simulated voxgear device.
//
// It drives the conversation engine against a real backend with
// in-memory audio devices: a sine-tone (or WAV file) microphone and a
// recording speaker. It is meant for exercising server implementations without
// hardware.
//
// Usage:
//
//	voxgear-sim run                       # defaults
//	voxgear-sim run --config sim.yaml     # explicit config file
package main

import (
	"os"

	"github.com/voxgear/voxgear/cmd/voxgear-sim/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
