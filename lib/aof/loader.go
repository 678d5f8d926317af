package aof

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ValentinKolb/cedar/lib/db"
	"github.com/ValentinKolb/cedar/lib/resp"
)

// LoadResult describes what the loader found and did
type LoadResult struct {
	// PreambleKeys is the number of keys restored from the binary
	// snapshot preamble (0 when the log has none)
	PreambleKeys int

	// Commands is the number of replayed records, SELECT and
	// transaction markers included
	Commands int64

	// Truncated is set when a torn tail was cut off
	Truncated bool

	// ValidSize is the file size up to the last intact record
	ValidSize int64
}

// ErrTruncatedLog is returned for a torn log when truncation is not
// tolerated by the configuration
var ErrTruncatedLog = errors.New("aof: log ends with a torn record")

// Load replays the log at path into the store. The store must be empty
// and must not have a command sink attached. With TolerateTruncation set
// a torn tail (including an unterminated transaction) is cut off and
// loading succeeds with what was intact.
func Load(path string, store *db.Store, cfg Config) (LoadResult, error) {
	res := LoadResult{}

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("aof: open log: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1024*1024)

	var preambleLen int64
	if peek, err := br.Peek(len(preambleMagic)); err == nil && string(peek) == preambleMagic {
		keys, n, err := DecodeSnapshot(br, store)
		if err != nil {
			return res, fmt.Errorf("aof: decode snapshot preamble: %w", err)
		}
		res.PreambleKeys = keys
		preambleLen = n
		Logger.Infof("restored %d keys from the snapshot preamble", keys)
	}

	exec := store.NewExecutor()
	reader := resp.NewReader(br)

	// queued commands of an open MULTI block; validOffset tracks the
	// last position where the dataset was transaction-consistent
	var queued [][][]byte
	inMulti := false
	validOffset := int64(0)

	apply := func(args [][]byte) error {
		cmd := strings.ToUpper(string(args[0]))
		switch cmd {
		case "MULTI":
			if inMulti {
				return fmt.Errorf("aof: nested MULTI")
			}
			inMulti = true
			queued = queued[:0]
			return nil
		case "EXEC":
			if !inMulti {
				return fmt.Errorf("aof: EXEC without MULTI")
			}
			for _, q := range queued {
				if err := exec.Exec(q); err != nil {
					return err
				}
			}
			inMulti = false
			queued = queued[:0]
			return nil
		default:
			if inMulti {
				// the reader reuses arg backing memory, queue copies
				cp := make([][]byte, len(args))
				for i, a := range args {
					cp[i] = append([]byte(nil), a...)
				}
				queued = append(queued, cp)
				return nil
			}
			return exec.Exec(args)
		}
	}

	for {
		args, err := reader.ReadCommand()
		if err != nil {
			if err == io.EOF && !inMulti {
				break
			}
			var ferr *resp.FormatError
			if errors.As(err, &ferr) {
				return res, fmt.Errorf("aof: %w", ferr)
			}
			if err == io.EOF || errors.Is(err, resp.ErrTruncated) {
				// torn tail, or a clean EOF inside an open transaction
				// which is the same thing one level up
				if !cfg.TolerateTruncation {
					return res, fmt.Errorf("%w (valid up to byte %d)", ErrTruncatedLog, preambleLen+validOffset)
				}
				res.Truncated = true
				break
			}
			return res, fmt.Errorf("aof: read log: %w", err)
		}

		res.Commands++
		if err := apply(args); err != nil {
			return res, fmt.Errorf("aof: replay command %d: %w", res.Commands, err)
		}
		if !inMulti {
			validOffset = reader.ValidOffset()
		}
	}

	res.ValidSize = preambleLen + validOffset
	if res.Truncated {
		Logger.Warningf("log has a torn tail, truncating to %d bytes", res.ValidSize)
		if err := os.Truncate(path, res.ValidSize); err != nil {
			return res, fmt.Errorf("aof: truncate torn log: %w", err)
		}
	}
	return res, nil
}

// Check validates the log at path without touching any live dataset,
// replaying it into a throwaway store. With fix set a torn tail is
// repaired in place.
func Check(path string, numDatabases int, fix bool) (LoadResult, error) {
	cfg := DefaultConfig()
	cfg.TolerateTruncation = fix

	storeCfg := db.DefaultConfig()
	if numDatabases > 0 {
		storeCfg.NumDatabases = numDatabases
	}
	return Load(path, db.New(storeCfg), cfg)
}
