// Package buffer provides thread-safe queues for streaming data between
// concurrent tasks.
//
// Two shapes are offered:
//
//   - Ring: a fixed-capacity queue that overwrites the oldest element
//     when full. Suitable for observer-facing event queues where a slow
//     consumer must never block the producer and only the most recent
//     history matters.
//
//   - FIFO: a growable queue with blocking receive and non-blocking
//     send. Suitable for packet pipelines where the producer must not
//     stall and the consumer drains at its own pace.
//
// FIFO supports graceful shutdown through CloseWrite or CloseWithError;
// a closed FIFO unblocks all pending receivers. Ring has no close
// operation.
package buffer
