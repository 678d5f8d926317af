package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/cedar/lib/obj"
)

// Executor applies commands in wire-argument form to the store without
// feeding them back to the command sink. The log loader drives it during
// replay; feeding replayed commands would double every write on the next
// rewrite.
//
// The executor carries the selected namespace across calls, mirroring the
// SELECT markers the rewrite engine emits.
type Executor struct {
	s    *Store
	dbid int
}

// NewExecutor returns an executor positioned on namespace 0
func (s *Store) NewExecutor() *Executor {
	return &Executor{s: s}
}

// SelectedDB returns the currently selected namespace index
func (e *Executor) SelectedDB() int {
	return e.dbid
}

// Exec applies one command. Unknown commands and malformed arguments
// return an error without mutating the store.
func (e *Executor) Exec(args [][]byte) error {
	if len(args) == 0 {
		return fmt.Errorf("db: empty command")
	}
	cmd := strings.ToUpper(string(args[0]))

	switch cmd {
	case "SELECT":
		if len(args) != 2 {
			return argErr(cmd)
		}
		n, err := strconv.Atoi(string(args[1]))
		if err != nil || n < 0 || n >= len(e.s.dbs) {
			return fmt.Errorf("%w: %s", ErrBadDatabase, args[1])
		}
		e.dbid = n
		return nil

	case "SET":
		if len(args) != 3 {
			return argErr(cmd)
		}
		e.s.setString(e.dbid, string(args[1]), args[2])
		return nil

	case "DEL":
		if len(args) < 2 {
			return argErr(cmd)
		}
		for _, k := range args[1:] {
			e.s.del(e.dbid, string(k))
		}
		return nil

	case "PEXPIREAT":
		if len(args) != 3 {
			return argErr(cmd)
		}
		at, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return fmt.Errorf("db: PEXPIREAT: bad timestamp %q", args[2])
		}
		// an already-elapsed timestamp still has to remove the key,
		// the log may be replayed long after it was written
		if at <= e.s.Now() {
			e.s.del(e.dbid, string(args[1]))
		} else {
			e.s.pexpireat(e.dbid, string(args[1]), at)
		}
		return nil

	case "RPUSH":
		if len(args) < 3 {
			return argErr(cmd)
		}
		_, err := e.s.rpush(e.dbid, string(args[1]), args[2:]...)
		return err

	case "LPUSH":
		if len(args) < 3 {
			return argErr(cmd)
		}
		_, err := e.s.lpush(e.dbid, string(args[1]), args[2:]...)
		return err

	case "SADD":
		if len(args) < 3 {
			return argErr(cmd)
		}
		_, err := e.s.sadd(e.dbid, string(args[1]), args[2:]...)
		return err

	case "ZADD":
		if len(args) < 4 || len(args)%2 != 0 {
			return argErr(cmd)
		}
		entries := make([]obj.ZEntry, 0, (len(args)-2)/2)
		for i := 2; i < len(args); i += 2 {
			score, err := strconv.ParseFloat(string(args[i]), 64)
			if err != nil {
				return fmt.Errorf("db: ZADD: bad score %q", args[i])
			}
			entries = append(entries, obj.ZEntry{Member: args[i+1], Score: score})
		}
		_, err := e.s.zadd(e.dbid, string(args[1]), entries...)
		return err

	case "HSET":
		if len(args) < 4 {
			return argErr(cmd)
		}
		_, err := e.s.hset(e.dbid, string(args[1]), args[2:]...)
		return err

	case "XADD":
		if len(args) < 5 {
			return argErr(cmd)
		}
		id, err := obj.ParseStreamID(string(args[2]))
		if err != nil {
			return fmt.Errorf("db: XADD: %v", err)
		}
		return e.s.xadd(e.dbid, string(args[1]), id, args[3:]...)

	case "XSETID":
		if len(args) != 3 {
			return argErr(cmd)
		}
		id, err := obj.ParseStreamID(string(args[2]))
		if err != nil {
			return fmt.Errorf("db: XSETID: %v", err)
		}
		return e.s.xsetid(e.dbid, string(args[1]), id)

	case "XGROUP":
		return e.execXGroup(args)

	case "XCLAIM":
		return e.execXClaim(args)

	case "FLUSHALL":
		e.s.FlushAll()
		return nil

	default:
		return fmt.Errorf("db: unknown command %q", cmd)
	}
}

func (e *Executor) execXGroup(args [][]byte) error {
	if len(args) < 2 {
		return argErr("XGROUP")
	}
	switch sub := strings.ToUpper(string(args[1])); sub {
	case "CREATE":
		if len(args) != 5 {
			return argErr("XGROUP CREATE")
		}
		last, err := obj.ParseStreamID(string(args[4]))
		if err != nil {
			return fmt.Errorf("db: XGROUP CREATE: %v", err)
		}
		return e.s.xgroupCreate(e.dbid, string(args[2]), string(args[3]), last)
	case "CREATECONSUMER":
		if len(args) != 5 {
			return argErr("XGROUP CREATECONSUMER")
		}
		return e.s.xgroupCreateConsumer(e.dbid, string(args[2]), string(args[3]), string(args[4]))
	default:
		return fmt.Errorf("db: unknown XGROUP subcommand %q", sub)
	}
}

func (e *Executor) execXClaim(args [][]byte) error {
	if len(args) < 5 {
		return argErr("XCLAIM")
	}
	id, err := obj.ParseStreamID(string(args[4]))
	if err != nil {
		return fmt.Errorf("db: XCLAIM: %v", err)
	}
	var (
		deliveryTime  = e.s.Now()
		deliveryCount = uint64(1)
	)
	for i := 5; i < len(args); i++ {
		switch opt := strings.ToUpper(string(args[i])); opt {
		case "TIME":
			i++
			if i >= len(args) {
				return argErr("XCLAIM")
			}
			deliveryTime, err = strconv.ParseInt(string(args[i]), 10, 64)
			if err != nil {
				return fmt.Errorf("db: XCLAIM: bad TIME %q", args[i])
			}
		case "RETRYCOUNT":
			i++
			if i >= len(args) {
				return argErr("XCLAIM")
			}
			deliveryCount, err = strconv.ParseUint(string(args[i]), 10, 64)
			if err != nil {
				return fmt.Errorf("db: XCLAIM: bad RETRYCOUNT %q", args[i])
			}
		case "JUSTID", "FORCE":
			// flags without payload
		default:
			return fmt.Errorf("db: XCLAIM: unknown option %q", opt)
		}
	}
	return e.s.xclaim(e.dbid, string(args[1]), string(args[2]), string(args[3]), id, deliveryTime, deliveryCount)
}

func argErr(cmd string) error {
	return fmt.Errorf("db: wrong number of arguments for %s", cmd)
}
