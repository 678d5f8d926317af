// Package bio implements the background I/O job subsystem: a fixed set of
// typed FIFO queues, each serviced by exactly one dedicated worker, that
// offload blocking syscalls (close, fsync) and deferred frees from the
// single-threaded engine core.
//
// Submission never blocks. Other threads synchronise against drain progress
// with PendingCount and WaitOneStep instead of polling.
package bio
