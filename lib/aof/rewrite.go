package aof

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/cedar/lib/bio"
	"github.com/ValentinKolb/cedar/lib/db"
	"github.com/ValentinKolb/cedar/lib/obj"
	"github.com/ValentinKolb/cedar/lib/resp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// The rewrite engine compacts the log: a snapshot goroutine serializes a
// frozen copy of the dataset into a temp file while the engine keeps
// appending to the live log and mirrors those appends into the rewrite
// buffer. A pump goroutine streams the buffer through a pipe to the
// snapshot side, which folds as much of it as it can into the temp file.
// The handshake mirrors the classic three-channel design: data parent to
// child, a "stop sending" ack child to parent, and the parent's ack back.
//
// The snapshot side is called the child throughout, even though it is a
// goroutine and not a forked process.

const (
	// drain the data pipe after this many dumped keys
	childDrainInterval = 1024

	// post-dump drain: give up after this window or this many empty polls
	childDrainWindow     = time.Second
	childDrainEmptyPolls = 20

	// how long the child waits for the parent's ack
	parentAckTimeout = 5 * time.Second
)

// tempFiles tracks the live rewrite temp files of this process so a
// failed rewrite never leaves orphans behind
var tempFiles = xsync.NewMapOf[string, struct{}]()

func registerTempFile(path string)   { tempFiles.Store(path, struct{}{}) }
func unregisterTempFile(path string) { tempFiles.Delete(path) }

// RemoveTempFiles deletes every registered rewrite temp file
func RemoveTempFiles() {
	tempFiles.Range(func(path string, _ struct{}) bool {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			Logger.Warningf("could not remove temp file %s: %v", path, err)
		}
		tempFiles.Delete(path)
		return true
	})
}

// removeOrphanTempFiles removes temp files a crashed previous process
// left in dir
func removeOrphanTempFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "temp-rewriteaof-") && strings.HasSuffix(name, ".aof") {
			Logger.Infof("removing orphaned rewrite temp file %s", name)
			os.Remove(filepath.Join(dir, name))
		}
	}
}

// rewriteState is the parent-side bookkeeping of one running rewrite
type rewriteState struct {
	buf     *rewriteBuffer
	tmpPath string

	dataR, dataW           *os.File
	childAckR, childAckW   *os.File
	parentAckR, parentAckW *os.File

	cancel     context.CancelFunc
	pumpExited chan struct{}
	done       chan error

	started time.Time
}

func (rw *rewriteState) closePipes() {
	for _, f := range []*os.File{rw.dataR, rw.dataW, rw.childAckR, rw.childAckW, rw.parentAckR, rw.parentAckW} {
		if f != nil {
			f.Close()
		}
	}
}

// RewriteInProgress reports whether a rewrite is currently running
func (w *Writer) RewriteInProgress() bool {
	return w.rw != nil
}

// StartRewrite freezes the dataset and launches the snapshot goroutine.
// Returns ErrRewriteInProgress when one is already running.
func (w *Writer) StartRewrite() error {
	if w.rw != nil {
		return ErrRewriteInProgress
	}

	snap := w.store.Snapshot()

	rw := &rewriteState{
		buf:        newRewriteBuffer(),
		tmpPath:    filepath.Join(w.cfg.Dir, fmt.Sprintf("temp-rewriteaof-bg-%d.aof", os.Getpid())),
		pumpExited: make(chan struct{}),
		done:       make(chan error, 1),
		started:    w.now(),
	}

	var err error
	if rw.dataR, rw.dataW, err = os.Pipe(); err != nil {
		return fmt.Errorf("aof: create data pipe: %w", err)
	}
	if rw.childAckR, rw.childAckW, err = os.Pipe(); err != nil {
		rw.closePipes()
		return fmt.Errorf("aof: create ack pipe: %w", err)
	}
	if rw.parentAckR, rw.parentAckW, err = os.Pipe(); err != nil {
		rw.closePipes()
		return fmt.Errorf("aof: create ack pipe: %w", err)
	}

	registerTempFile(rw.tmpPath)

	ctx, cancel := context.WithCancel(context.Background())
	rw.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)

	cfg := w.cfg
	g.Go(func() error {
		return rewriteChild(ctx, cfg, snap, rw.tmpPath, rw.dataR, rw.childAckW, rw.parentAckR)
	})
	g.Go(func() error {
		defer close(rw.pumpExited)
		defer rw.dataW.Close()
		for {
			block, ok := rw.buf.next()
			if !ok {
				return nil
			}
			if _, err := rw.dataW.Write(block); err != nil {
				// child gone, the rewrite is failing anyway
				return nil
			}
		}
	})
	g.Go(func() error {
		// wait for the child's stop-sending ack, halt the pump, then
		// ack back so the child can finish
		one := make([]byte, 1)
		if _, err := io.ReadFull(rw.childAckR, one); err != nil {
			rw.buf.stop()
			return nil
		}
		rw.buf.stop()
		<-rw.pumpExited
		rw.parentAckW.Write([]byte("!"))
		return nil
	})

	go func() {
		rw.done <- g.Wait()
	}()

	// force a SELECT before the next fed command so the diff tail is
	// self-contained
	w.selectedDB = -1
	w.rw = rw

	Logger.Infof("background log rewrite started (%d keys frozen)", snap.Len())
	return nil
}

// reapRewrite finishes a rewrite whose snapshot goroutine has exited
func (w *Writer) reapRewrite() {
	if w.rw == nil {
		return
	}
	select {
	case err := <-w.rw.done:
		if err != nil {
			Logger.Errorf("background log rewrite failed: %v", err)
			w.abortRewrite()
			return
		}
		if err := w.completeRewrite(); err != nil {
			Logger.Errorf("could not install rewritten log: %v", err)
			w.abortRewrite()
		}
	default:
	}
}

// WaitRewrite blocks until the running rewrite finished and is
// installed. Mainly for tests and orderly shutdown.
func (w *Writer) WaitRewrite() {
	if w.rw == nil {
		return
	}
	err := <-w.rw.done
	// put the result back for the regular reap path
	w.rw.done <- err
	w.reapRewrite()
}

// completeRewrite appends the residual diff to the child's output and
// atomically installs it as the live log
func (w *Writer) completeRewrite() error {
	rw := w.rw

	f, err := os.OpenFile(rw.tmpPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open rewritten log: %w", err)
	}
	for _, block := range rw.buf.drain() {
		if _, err := f.Write(block); err != nil {
			f.Close()
			return fmt.Errorf("append residual diff: %w", err)
		}
	}
	if err := bio.Fdatasync(f); err != nil {
		f.Close()
		return fmt.Errorf("sync rewritten log: %w", err)
	}
	if err := os.Rename(rw.tmpPath, w.cfg.Path()); err != nil {
		f.Close()
		return fmt.Errorf("install rewritten log: %w", err)
	}
	unregisterTempFile(rw.tmpPath)

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat rewritten log: %w", err)
	}

	oldFile := w.file
	w.file = f
	w.size = st.Size()
	w.fsyncOffset = st.Size()
	w.lastFsync = w.now()
	w.rewriteBaseSize = st.Size()
	w.selectedDB = -1
	w.jobs.SubmitClose(oldFile)

	rw.closePipes()
	w.rw = nil
	rewritesTotal.Inc()
	Logger.Infof("background log rewrite finished in %v, log is now %d bytes", w.now().Sub(rw.started), w.size)
	return nil
}

// AbortRewrite cancels a running rewrite and removes its temp file
func (w *Writer) AbortRewrite() {
	if w.rw == nil {
		return
	}
	w.rw.cancel()
	w.rw.buf.stop()
	<-w.rw.done
	w.abortRewrite()
}

func (w *Writer) abortRewrite() {
	rw := w.rw
	rw.cancel()
	rw.buf.stop()
	rw.buf.drain()
	rw.closePipes()
	if err := os.Remove(rw.tmpPath); err == nil || os.IsNotExist(err) {
		unregisterTempFile(rw.tmpPath)
	}
	w.rw = nil
}

// --------------------------------------------------------------------------
// Child side
// --------------------------------------------------------------------------

// rewriteChild serializes the snapshot into tmpPath while folding in the
// diff the parent streams through the data pipe
func rewriteChild(ctx context.Context, cfg Config, snap *db.Snapshot, tmpPath string, data *os.File, ackW *os.File, parentAck *os.File) error {
	defer data.Close()
	defer ackW.Close()
	defer parentAck.Close()

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, 1024*1024)

	var diff []byte
	drainOnce := func(deadline time.Time) (int, error) {
		if err := data.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
		chunk := make([]byte, 64*1024)
		total := 0
		for {
			n, err := data.Read(chunk)
			if n > 0 {
				diff = append(diff, chunk[:n]...)
				total += n
			}
			if err != nil {
				if os.IsTimeout(err) || err == io.EOF {
					return total, nil
				}
				return total, err
			}
		}
	}

	if cfg.WithPreamble {
		if err := EncodeSnapshot(bw, snap); err != nil {
			return fmt.Errorf("write snapshot preamble: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := drainOnce(time.Now().Add(time.Millisecond)); err != nil {
			return fmt.Errorf("drain diff pipe: %w", err)
		}
	} else {
		if err := dumpSnapshotCommands(ctx, bw, snap, cfg.ItemsPerCommand, func() error {
			_, err := drainOnce(time.Now().Add(time.Millisecond))
			return err
		}); err != nil {
			return err
		}
	}

	// dump done; keep draining until the pipe runs dry or the window
	// closes, then ask the parent to stop sending
	start := time.Now()
	emptyPolls := 0
	for time.Since(start) < childDrainWindow && emptyPolls < childDrainEmptyPolls {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := drainOnce(time.Now().Add(20 * time.Millisecond))
		if err != nil {
			return fmt.Errorf("drain diff pipe: %w", err)
		}
		if n == 0 {
			emptyPolls++
		} else {
			emptyPolls = 0
		}
	}

	if _, err := ackW.Write([]byte("!")); err != nil {
		return fmt.Errorf("send stop-sending ack: %w", err)
	}
	if err := parentAck.SetReadDeadline(time.Now().Add(parentAckTimeout)); err != nil {
		return err
	}
	one := make([]byte, 1)
	if _, err := io.ReadFull(parentAck, one); err != nil {
		return fmt.Errorf("waiting for parent ack: %w", err)
	}

	// the parent halted the pump and closed its end, read the rest
	if _, err := drainOnce(time.Time{}); err != nil {
		return fmt.Errorf("final diff drain: %w", err)
	}

	if _, err := bw.Write(diff); err != nil {
		return fmt.Errorf("append diff: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := bio.Fdatasync(f); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	return nil
}

// dumpSnapshotCommands emits reconstruction commands for every frozen
// key, chunking container inserts by itemsPerCommand
func dumpSnapshotCommands(ctx context.Context, bw *bufio.Writer, snap *db.Snapshot, itemsPerCommand int, yield func() error) error {
	if itemsPerCommand <= 0 {
		itemsPerCommand = 64
	}

	var scratch []byte
	emit := func(args ...[]byte) error {
		scratch = resp.AppendCommand(scratch[:0], args...)
		_, err := bw.Write(scratch)
		return err
	}

	dumped := 0
	for _, d := range snap.DBs {
		if err := emit([]byte("SELECT"), []byte(strconv.Itoa(d.ID))); err != nil {
			return err
		}
		for _, k := range d.Keys {
			if err := dumpKeyCommands(emit, k, itemsPerCommand); err != nil {
				return err
			}
			if k.ExpireAt != 0 {
				if err := emit([]byte("PEXPIREAT"), []byte(k.Key), []byte(strconv.FormatInt(k.ExpireAt, 10))); err != nil {
					return err
				}
			}
			dumped++
			if dumped%childDrainInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := yield(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func dumpKeyCommands(emit func(args ...[]byte) error, k db.SnapshotKey, itemsPerCommand int) error {
	key := []byte(k.Key)

	switch val := k.Value.(type) {
	case obj.String:
		return emit([]byte("SET"), key, []byte(val))

	case *obj.List:
		return emitChunked(emit, [][]byte{[]byte("RPUSH"), key}, val.Items, 1, itemsPerCommand)

	case *obj.Set:
		var members [][]byte
		val.Range(func(m []byte) bool {
			members = append(members, m)
			return true
		})
		return emitChunked(emit, [][]byte{[]byte("SADD"), key}, members, 1, itemsPerCommand)

	case *obj.ZSet:
		var pairs [][]byte
		val.Range(func(e obj.ZEntry) bool {
			pairs = append(pairs, db.FormatScore(e.Score), e.Member)
			return true
		})
		return emitChunked(emit, [][]byte{[]byte("ZADD"), key}, pairs, 2, itemsPerCommand)

	case *obj.Hash:
		var pairs [][]byte
		val.Map.Range(func(field, value []byte) bool {
			pairs = append(pairs, field, value)
			return true
		})
		return emitChunked(emit, [][]byte{[]byte("HSET"), key}, pairs, 2, itemsPerCommand)

	case *obj.Stream:
		return dumpStreamCommands(emit, key, val)

	default:
		return fmt.Errorf("aof: cannot dump value kind %s", k.Value.Kind())
	}
}

// emitChunked splits items into commands of at most itemsPerCommand
// logical elements, where each element spans width slots
func emitChunked(emit func(args ...[]byte) error, prefix [][]byte, items [][]byte, width, itemsPerCommand int) error {
	if len(items) == 0 {
		return nil
	}
	step := itemsPerCommand * width
	for start := 0; start < len(items); start += step {
		end := start + step
		if end > len(items) {
			end = len(items)
		}
		args := make([][]byte, 0, len(prefix)+end-start)
		args = append(args, prefix...)
		args = append(args, items[start:end]...)
		if err := emit(args...); err != nil {
			return err
		}
	}
	return nil
}

// dumpStreamCommands reconstructs a stream: entries, last ID, then the
// consumer groups with their pending entries and idle consumers
func dumpStreamCommands(emit func(args ...[]byte) error, key []byte, st *obj.Stream) error {
	for _, e := range st.Entries {
		args := make([][]byte, 0, 3+len(e.Fields))
		args = append(args, []byte("XADD"), key, []byte(e.ID.String()))
		args = append(args, e.Fields...)
		if err := emit(args...); err != nil {
			return err
		}
	}
	if err := emit([]byte("XSETID"), key, []byte(st.LastID.String())); err != nil {
		return err
	}
	for _, g := range st.Groups {
		if err := emit([]byte("XGROUP"), []byte("CREATE"), key, []byte(g.Name), []byte(g.LastDelivered.String())); err != nil {
			return err
		}
		claimed := map[string]bool{}
		for _, p := range g.PendingSorted() {
			if err := emit(
				[]byte("XCLAIM"), key, []byte(g.Name), []byte(p.Consumer), []byte(p.ID.String()),
				[]byte("TIME"), []byte(strconv.FormatInt(p.DeliveryTime, 10)),
				[]byte("RETRYCOUNT"), []byte(strconv.FormatUint(p.DeliveryCount, 10)),
				[]byte("JUSTID"), []byte("FORCE")); err != nil {
				return err
			}
			claimed[p.Consumer] = true
		}
		// consumers without pending entries would otherwise be lost
		for _, c := range g.ConsumersSorted() {
			if claimed[c.Name] {
				continue
			}
			if err := emit([]byte("XGROUP"), []byte("CREATECONSUMER"), key, []byte(g.Name), []byte(c.Name)); err != nil {
				return err
			}
		}
	}
	return nil
}
