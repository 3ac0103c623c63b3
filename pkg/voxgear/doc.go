// Package voxgear implements the device-side runtime of a
// voice-assistant endpoint: a protocol state machine that provisions a
// session, speaks the realtime control protocol over a WebSocket, and
// drives the full-duplex Opus audio pipeline between the transport and
// the local audio devices.
//
// The Engine owns every moving part. All state mutations are
// serialized through a single task queue; capture, transmit, playback
// and wake-word detection each run their own cooperative task and
// communicate with the engine by enqueueing only. The host application
// observes the engine through a bounded event queue it drains at its
// own pace.
package voxgear
