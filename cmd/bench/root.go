package bench

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ValentinKolb/cedar/cmd/util"
	"github.com/ValentinKolb/cedar/lib/aof"
	"github.com/ValentinKolb/cedar/lib/bio"
	"github.com/ValentinKolb/cedar/lib/db"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BenchCmd measures the in-process hot paths: dataset operations and
// the append-only log write path
var BenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the engine's hot paths",
	Long: `Runs in-process benchmarks over the dataset operations and the
append-only log write path, reporting latency percentiles and
throughput per operation. Results can be exported as CSV.`,
	RunE: run,
}

var (
	benchOps       = 100_000
	benchKeySpread = 1000
	benchValueSize = 64
	benchSkip      []string
)

func init() {
	key := "ops"
	BenchCmd.Flags().Int(key, 100_000, util.WrapString("Operations per benchmark"))
	key = "keys"
	BenchCmd.Flags().Int(key, 1000, util.WrapString("How many different keys to use"))
	key = "value-size"
	BenchCmd.Flags().Int(key, 64, util.WrapString("Value size in bytes"))
	key = "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func run(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	benchOps = viper.GetInt("ops")
	benchKeySpread = viper.GetInt("keys")
	benchValueSize = viper.GetInt("value-size")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	fmt.Printf("cedar bench: %d ops, %d keys, %d byte values\n\n", benchOps, benchKeySpread, benchValueSize)

	dir, err := os.MkdirTemp("", "cedar-bench-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	store := db.New(db.DefaultConfig())
	jobs := bio.NewPool()
	defer jobs.Stop()

	cfg := aof.DefaultConfig()
	cfg.Dir = dir
	cfg.Fsync = aof.FsyncNo
	cfg.RewritePercentage = 0
	writer, err := aof.NewWriter(cfg, store, jobs)
	if err != nil {
		return err
	}
	defer writer.Close()

	value := make([]byte, benchValueSize)
	key := func(i int) string { return "bench-" + strconv.Itoa(i%benchKeySpread) }

	registry := gometrics.NewRegistry()
	order := []string{"set", "get", "del", "hset", "aof-feed", "aof-flush"}

	runOne("set", registry, func(t gometrics.Timer) {
		for i := 0; i < benchOps; i++ {
			k := key(i)
			t.Time(func() { store.SetString(0, k, value) })
		}
	})

	runOne("get", registry, func(t gometrics.Timer) {
		for i := 0; i < benchOps; i++ {
			k := key(i)
			t.Time(func() { store.Get(0, k) })
		}
	})

	runOne("del", registry, func(t gometrics.Timer) {
		for i := 0; i < benchOps; i++ {
			k := key(i)
			store.SetString(0, k, value)
			t.Time(func() { store.Del(0, k) })
		}
	})

	runOne("hset", registry, func(t gometrics.Timer) {
		for i := 0; i < benchOps; i++ {
			field := []byte(key(i))
			t.Time(func() { store.HSet(0, "bench-hash", field, value) })
		}
	})

	// attach the log writer only for its own benchmarks so the dataset
	// runs above measure pure in-memory cost
	store.AttachSink(writer)

	runOne("aof-feed", registry, func(t gometrics.Timer) {
		for i := 0; i < benchOps; i++ {
			k := key(i)
			t.Time(func() { store.SetString(0, k, value) })
			if writer.BufferedBytes() > 4*1024*1024 {
				if err := writer.Flush(true); err != nil {
					fmt.Printf("(aof-feed) - flush error: %v\n", err)
				}
			}
		}
	})

	runOne("aof-flush", registry, func(t gometrics.Timer) {
		for i := 0; i < benchOps; i++ {
			store.SetString(0, key(i), value)
			t.Time(func() {
				if err := writer.Flush(true); err != nil {
					fmt.Printf("(aof-flush) - flush error: %v\n", err)
				}
			})
		}
	})

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, registry, order); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

func runOne(name string, registry gometrics.Registry, fn func(t gometrics.Timer)) {
	if shouldSkip(name) {
		fmt.Printf("%-12sskipped\n", name)
		return
	}
	t := gometrics.GetOrRegisterTimer(name, registry)
	fn(t)
	printResult(name, t)
}

func printResult(name string, t gometrics.Timer) {
	mean := t.Mean()
	opsPerSec := 0.0
	if mean > 0 {
		opsPerSec = 1e9 / mean
	}
	fmt.Printf("%-12s%10d ops  %12.0f ns/op  %12.0f ops/sec  p99 %.0f ns\n",
		name, t.Count(), mean, opsPerSec, t.Percentile(0.99))
}

func writeResultsToCSV(path string, registry gometrics.Registry, order []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"test", "count", "ns_per_op", "ops_per_sec", "p50_ns", "p99_ns", "max_ns"}); err != nil {
		return err
	}
	for _, name := range order {
		v := registry.Get(name)
		t, ok := v.(gometrics.Timer)
		if !ok {
			continue
		}
		mean := t.Mean()
		opsPerSec := 0.0
		if mean > 0 {
			opsPerSec = 1e9 / mean
		}
		row := []string{
			name,
			strconv.FormatInt(t.Count(), 10),
			strconv.FormatFloat(mean, 'f', 0, 64),
			strconv.FormatFloat(opsPerSec, 'f', 0, 64),
			strconv.FormatFloat(t.Percentile(0.5), 'f', 0, 64),
			strconv.FormatFloat(t.Percentile(0.99), 'f', 0, 64),
			strconv.FormatInt(t.Max(), 10),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
