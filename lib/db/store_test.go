package db_test

import (
	"testing"

	"github.com/ValentinKolb/cedar/lib/db"
	dbtesting "github.com/ValentinKolb/cedar/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunStoreTests(t, "Store", func() *db.Store {
		return db.New(db.DefaultConfig())
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunStoreBenchmarks(b, "Store", func() *db.Store {
		return db.New(db.DefaultConfig())
	})
}
