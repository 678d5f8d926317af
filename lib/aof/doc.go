// Package aof implements the append-only log: the writer that records
// every applied command, the rewrite engine that compacts the log, and
// the loader that rebuilds a dataset from it.
//
// Writer. The Writer implements db.CommandSink. Fed commands are
// serialized into a growable buffer in the wire record format (see the
// resp package) with SELECT markers on namespace changes. Flush writes
// the buffer to disk and syncs according to the FsyncPolicy:
//
//   - Always: sync inline after every flush. A write error here is
//     unrecoverable and terminates the process (the hook is injectable).
//   - EverySec: a sync job goes to the background queue about once per
//     second. While one is in flight, a non-forced flush is postponed
//     for up to two seconds rather than risking a blocking write.
//   - No: the kernel decides.
//
// A short write is undone by truncating back to the pre-flush size so
// the retained buffer can be replayed whole on the next flush.
//
// Rewrite. StartRewrite freezes the dataset (db.Snapshot) and hands it
// to a snapshot goroutine that serializes it into a temp file, either as
// a binary preamble or as reconstruction commands. Commands fed while
// the rewrite runs are mirrored into a block buffer and pumped through a
// pipe so the snapshot side can fold most of the diff in itself; a
// three-way ack handshake bounds the final gap, which the engine thread
// appends before atomically renaming the temp file over the live log.
//
// Loader. Load detects an optional snapshot preamble by its magic, then
// replays the record tail through db.Executor. MULTI/EXEC blocks are
// applied atomically and a torn tail, including an unterminated
// transaction, is either an error or cut off, depending on
// TolerateTruncation.
package aof
