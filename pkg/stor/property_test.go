package stor

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/edrlab/analytics-ledger/pkg/ident"
)

var propertyBase = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func propertyStore(t *testing.T) Store {
	dsn := "sqlite3://file:" + uuid.New().String() + "?mode=memory&cache=shared"
	st, err := Init(dsn, WithPageSize(7))
	if err != nil {
		t.Fatalf("Failed to init the store: %v", err)
	}
	return st
}

// TestPropertyScanReturnsAppended checks that an unfiltered scan returns
// exactly the appended events, with unique increasing identities.
func TestPropertyScanReturnsAppended(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("scan returns the appended set", prop.ForAll(
		func(counts []uint32) bool {
			ctx := context.Background()
			st := propertyStore(t)
			defer st.Close()

			want := make(map[uint64]uint32)
			var last uint64
			for i, c := range counts {
				v := &View{Views: c, ProjectID: ident.Numeric(int64(i%3 + 1)), SitePath: randomPath()}
				if err := st.View().Append(ctx, v); err != nil {
					return false
				}
				if v.ID <= last {
					return false
				}
				last = v.ID
				want[v.ID] = c
			}

			got := make(map[uint64]uint32)
			for v, err := range st.View().Scan(ctx, Filter{}) {
				if err != nil {
					return false
				}
				if _, dup := got[v.ID]; dup {
					return false
				}
				got[v.ID] = v.Views
			}
			if len(got) != len(want) {
				return false
			}
			for id, c := range want {
				if got[id] != c {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt32Range(0, 100000)),
	))

	properties.TestingRun(t)
}

// TestPropertyWindow checks that a time window returns exactly the rows
// recorded inside it, bounds included.
func TestPropertyWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("window scan is the inclusive subset", prop.ForAll(
		func(offsets []int64, a, b int64) bool {
			ctx := context.Background()
			st := propertyStore(t)
			defer st.Close()

			if a > b {
				a, b = b, a
			}
			t0 := propertyBase.Add(time.Duration(a) * time.Second)
			t1 := propertyBase.Add(time.Duration(b) * time.Second)

			var want []uint64
			for _, o := range offsets {
				rec := propertyBase.Add(time.Duration(o) * time.Second)
				d := &Download{Downloads: 1, ProjectID: ident.Numeric(1), SitePath: "/w", Recorded: rec}
				if err := st.Download().Append(ctx, d); err != nil {
					return false
				}
				if !rec.Before(t0) && !rec.After(t1) {
					want = append(want, d.ID)
				}
			}

			var got []uint64
			for d, err := range st.Download().Scan(ctx, Filter{From: t0, To: t1, Sorted: true}) {
				if err != nil {
					return false
				}
				got = append(got, d.ID)
			}
			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 3600)),
		gen.Int64Range(-10, 3610),
		gen.Int64Range(-10, 3610),
	))

	properties.Property("full range and empty windows", prop.ForAll(
		func(offsets []int64) bool {
			ctx := context.Background()
			st := propertyStore(t)
			defer st.Close()

			for _, o := range offsets {
				rec := propertyBase.Add(time.Duration(o) * time.Second)
				if err := st.Revenue().Append(ctx, &Revenue{Money: 1, ProjectID: ident.Numeric(2), Recorded: rec}); err != nil {
					return false
				}
			}
			full, err := st.Revenue().Count(ctx, Filter{From: propertyBase, To: propertyBase.Add(time.Hour)})
			if err != nil || full != int64(len(offsets)) {
				return false
			}
			empty, err := st.Revenue().Count(ctx, Filter{From: propertyBase.Add(2 * time.Hour), To: propertyBase.Add(3 * time.Hour)})
			return err == nil && empty == 0
		},
		gen.SliceOf(gen.Int64Range(0, 3600)),
	))

	properties.TestingRun(t)
}
