package aof

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ValentinKolb/cedar/lib/bio"
	"github.com/ValentinKolb/cedar/lib/db"
	"github.com/ValentinKolb/cedar/lib/resp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("aof")

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// FsyncPolicy controls when the log file is synced to disk
type FsyncPolicy uint8

const (
	// FsyncAlways syncs inline after every flush
	FsyncAlways FsyncPolicy = iota
	// FsyncEverySec hands a sync to the background job queue about once
	// per second
	FsyncEverySec
	// FsyncNo never syncs explicitly, the kernel decides
	FsyncNo
)

func (p FsyncPolicy) String() string {
	switch p {
	case FsyncAlways:
		return "always"
	case FsyncEverySec:
		return "everysec"
	case FsyncNo:
		return "no"
	default:
		return "unknown"
	}
}

// ParseFsyncPolicy parses the textual policy name
func ParseFsyncPolicy(s string) (FsyncPolicy, error) {
	switch s {
	case "always":
		return FsyncAlways, nil
	case "everysec":
		return FsyncEverySec, nil
	case "no":
		return FsyncNo, nil
	default:
		return 0, fmt.Errorf("aof: unknown fsync policy %q", s)
	}
}

// Config bundles the log writer parameters
type Config struct {
	// Dir is the directory holding the log and its temp files
	Dir string

	// Filename is the live log name inside Dir
	Filename string

	// Fsync is the durability policy
	Fsync FsyncPolicy

	// NoFsyncOnRewrite suppresses syncs while a rewrite runs to avoid
	// competing disk traffic
	NoFsyncOnRewrite bool

	// RewritePercentage triggers an automatic rewrite once the log grew
	// by this percentage over its post-rewrite size (0 disables)
	RewritePercentage int

	// RewriteMinSize is the log size below which automatic rewrites
	// never trigger
	RewriteMinSize int64

	// TolerateTruncation makes the loader truncate a log with a torn
	// final record instead of failing
	TolerateTruncation bool

	// WithPreamble makes rewrites emit a binary snapshot preamble
	// instead of reconstruction commands for the frozen dataset
	WithPreamble bool

	// ItemsPerCommand chunks container reconstruction commands
	ItemsPerCommand int
}

// DefaultConfig returns the default writer configuration
func DefaultConfig() Config {
	return Config{
		Filename:           "appendonly.aof",
		Fsync:              FsyncEverySec,
		RewritePercentage:  100,
		RewriteMinSize:     64 * 1024 * 1024,
		TolerateTruncation: true,
		WithPreamble:       true,
		ItemsPerCommand:    64,
	}
}

// Path returns the full path of the live log
func (c Config) Path() string {
	return filepath.Join(c.Dir, c.Filename)
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

const (
	// buffers larger than this are released after a flush instead of
	// recycled
	bufferRecycleLimit = 4096

	// how long a flush may be postponed while a background sync runs
	postponeWindow = 2 * time.Second
)

var ErrRewriteInProgress = errors.New("aof: rewrite already in progress")

var (
	flushesTotal       = metrics.NewCounter("cedar_aof_flushes_total")
	bytesWrittenTotal  = metrics.NewCounter("cedar_aof_bytes_written_total")
	writeErrorsTotal   = metrics.NewCounter("cedar_aof_write_errors_total")
	delayedFsyncsTotal = metrics.NewCounter("cedar_aof_delayed_fsyncs_total")
	rewritesTotal      = metrics.NewCounter("cedar_aof_rewrites_total")
)

// Writer is the append-only log writer. It implements db.CommandSink:
// attach it to a store and every applied write lands in the log.
//
// Thread-safety: the writer belongs to the engine thread. Only the
// background sync and the rewrite engine run concurrently, and both are
// coordinated internally.
type Writer struct {
	cfg   Config
	store *db.Store
	jobs  *bio.Pool

	file *os.File
	size int64

	buf        []byte
	selectedDB int

	lastWriteErr        error
	lastFsync           time.Time
	fsyncOffset         int64
	flushPostponedSince time.Time

	// rewriteBaseSize is the log size right after the last rewrite (or
	// load), the growth reference for automatic rewrites
	rewriteBaseSize int64

	rw *rewriteState

	// now is the clock, injectable for tests
	now func() time.Time

	// fatalf handles unrecoverable write errors under FsyncAlways,
	// injectable for tests
	fatalf func(format string, args ...interface{})
}

// NewWriter opens (or creates) the log file and returns a writer ready
// to be attached to a store. Orphaned temp files from a previous crash
// are removed.
func NewWriter(cfg Config, store *db.Store, jobs *bio.Pool) (*Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("aof: create dir: %w", err)
	}
	removeOrphanTempFiles(cfg.Dir)

	f, err := os.OpenFile(cfg.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("aof: open log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("aof: stat log: %w", err)
	}

	w := &Writer{
		cfg:             cfg,
		store:           store,
		jobs:            jobs,
		file:            f,
		size:            st.Size(),
		fsyncOffset:     st.Size(),
		rewriteBaseSize: st.Size(),
		selectedDB:      -1,
		now:             time.Now,
	}
	w.lastFsync = w.now()
	w.fatalf = func(format string, args ...interface{}) {
		Logger.Errorf(format, args...)
		os.Exit(1)
	}
	return w, nil
}

// Size returns the current log size in bytes (flushed portion)
func (w *Writer) Size() int64 {
	return w.size
}

// BufferedBytes returns the bytes waiting for the next flush
func (w *Writer) BufferedBytes() int {
	return len(w.buf)
}

// FeedCommand serializes args into the log buffer, prefixed with a
// SELECT marker whenever the namespace changes. While a rewrite runs the
// record is mirrored into the rewrite buffer.
func (w *Writer) FeedCommand(dbid int, args ...[]byte) {
	start := len(w.buf)
	if dbid != w.selectedDB {
		w.buf = resp.AppendCommandStrings(w.buf, "SELECT", strconv.Itoa(dbid))
		w.selectedDB = dbid
	}
	w.buf = resp.AppendCommand(w.buf, args...)

	if w.rw != nil {
		w.rw.buf.append(w.buf[start:])
	}
}

// Flush writes the buffer to the log file and syncs according to the
// policy. With force false and a background sync in flight the flush may
// be postponed for up to two seconds to avoid a blocking write.
func (w *Writer) Flush(force bool) error {
	syncInProgress := false
	if w.cfg.Fsync == FsyncEverySec {
		syncInProgress = w.jobs.PendingCount(bio.KindFsync) > 0
	}

	if len(w.buf) == 0 {
		// no data, but a deferred sync may still be owed
		if w.cfg.Fsync == FsyncEverySec && w.fsyncOffset != w.size && !syncInProgress &&
			w.now().Sub(w.lastFsync) >= time.Second {
			w.submitFsync()
		}
		return nil
	}

	if w.cfg.Fsync == FsyncEverySec && syncInProgress && !force {
		if w.flushPostponedSince.IsZero() {
			w.flushPostponedSince = w.now()
			return nil
		}
		if w.now().Sub(w.flushPostponedSince) < postponeWindow {
			return nil
		}
		// two seconds of postponing, write anyway and likely block
		delayedFsyncsTotal.Inc()
		Logger.Warningf("asynchronous log sync is taking too long, writing without waiting (disk may be busy)")
	}
	w.flushPostponedSince = time.Time{}

	n, err := w.file.Write(w.buf)
	flushesTotal.Inc()
	if n > 0 {
		bytesWrittenTotal.Add(n)
	}

	if err == nil && n < len(w.buf) {
		err = fmt.Errorf("aof: short write (%d of %d bytes)", n, len(w.buf))
	}
	if err != nil {
		writeErrorsTotal.Inc()
		if w.lastWriteErr == nil {
			Logger.Errorf("error writing to the append-only log: %v", err)
		}
		if n > 0 {
			// undo the partial write so the buffer can be replayed whole
			if terr := w.file.Truncate(w.size); terr != nil {
				Logger.Errorf("could not undo short write by truncating to %d: %v", w.size, terr)
				// partial data is now durable state, drop it from the buffer
				w.size += int64(n)
				w.buf = append(w.buf[:0], w.buf[n:]...)
			}
		}
		if w.cfg.Fsync == FsyncAlways {
			// with the strictest policy, acknowledged writes must be on
			// disk, there is no way to continue
			w.fatalf("cannot write to the append-only log with fsync=always: %v", err)
		}
		w.lastWriteErr = err
		return err
	}

	if w.lastWriteErr != nil {
		Logger.Infof("append-only log write recovered after previous error")
		w.lastWriteErr = nil
	}
	w.size += int64(n)

	// recycle small buffers, release large ones
	if cap(w.buf) <= bufferRecycleLimit {
		w.buf = w.buf[:0]
	} else {
		w.buf = nil
	}

	if w.cfg.NoFsyncOnRewrite && w.rw != nil {
		return nil
	}

	switch w.cfg.Fsync {
	case FsyncAlways:
		if err := bio.Fdatasync(w.file); err != nil {
			w.fatalf("cannot sync the append-only log with fsync=always: %v", err)
			return err
		}
		w.fsyncOffset = w.size
		w.lastFsync = w.now()
	case FsyncEverySec:
		if force || (!syncInProgress && w.now().Sub(w.lastFsync) >= time.Second) {
			w.submitFsync()
		}
	case FsyncNo:
		// kernel pacing only
	}
	return nil
}

func (w *Writer) submitFsync() {
	w.jobs.SubmitFsync(w.file)
	w.fsyncOffset = w.size
	w.lastFsync = w.now()
}

// Cron drives the periodic duties: flushing a (possibly postponed)
// buffer, finishing a completed rewrite, and triggering an automatic
// rewrite once the log grew enough.
func (w *Writer) Cron() {
	w.Flush(false)
	w.reapRewrite()

	if w.rw == nil && w.cfg.RewritePercentage > 0 && w.rewriteBaseSize > 0 &&
		w.size >= w.cfg.RewriteMinSize {
		growth := (w.size - w.rewriteBaseSize) * 100 / w.rewriteBaseSize
		if growth >= int64(w.cfg.RewritePercentage) {
			Logger.Infof("log grew by %d%%, starting automatic rewrite", growth)
			if err := w.StartRewrite(); err != nil {
				Logger.Errorf("automatic rewrite failed to start: %v", err)
			}
		}
	}
}

// Close flushes, syncs and closes the log. A running rewrite is aborted.
func (w *Writer) Close() error {
	if w.rw != nil {
		w.AbortRewrite()
	}
	err := w.Flush(true)
	if w.fsyncOffset != w.size {
		if serr := bio.Fdatasync(w.file); serr != nil && err == nil {
			err = serr
		}
	}
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
