package queue

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/edrlab/analytics-ledger/pkg/ident"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

func newStore(t *testing.T) stor.Store {
	t.Helper()
	st, err := stor.Init("sqlite3://file:" + uuid.New().String() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestFlushAggregates(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	q := New(st, 4)

	p1, p2 := ident.Numeric(1), ident.Numeric(2)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.AddDownload(p1, "/pkg", 1)
			q.AddDownload(p2, "/pkg", 2)
			q.AddView(ident.Ref{}, "/home", 1)
			q.AddRevenue(p1, 0.5)
		}()
	}
	wg.Wait()
	require.Equal(t, 4, q.Len())

	require.NoError(t, q.Flush(ctx))
	require.Equal(t, 0, q.Len())

	downloads := collect(t, st.Download().Scan(ctx, stor.Filter{}))
	require.Len(t, downloads, 2)
	totals := map[ident.Ref]uint32{}
	for _, d := range downloads {
		totals[d.ProjectID] = d.Downloads
	}
	require.Equal(t, uint32(10), totals[p1])
	require.Equal(t, uint32(20), totals[p2])

	views := collect(t, st.View().Scan(ctx, stor.Filter{Unattributed: true}))
	require.Len(t, views, 1)
	require.Equal(t, uint32(10), views[0].Views)

	revenue := collect(t, st.Revenue().Scan(ctx, stor.Filter{}))
	require.Len(t, revenue, 1)
	require.InDelta(t, 5.0, revenue[0].Money, 1e-9)

	// an empty flush writes nothing
	require.NoError(t, q.Flush(ctx))
	n, err := st.Download().Count(ctx, stor.Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestFlushDropsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	q := New(st, 2)

	q.AddRevenue(ident.Ref{}, 3)
	err := q.Flush(ctx)
	var verr *stor.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, 0, q.Len())
}

func TestFlushKeepsValidRows(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	q := New(st, 4)

	q.AddDownload(ident.Numeric(1), "/pkg", 1)
	q.AddView(ident.Numeric(1), "/home", 1)
	q.AddView(ident.Numeric(-5), "/home", 1)
	q.AddView(ident.Numeric(2), "/"+strings.Repeat("a", 1100), 1)
	q.AddRevenue(ident.Numeric(1), 2.5)
	require.Equal(t, 5, q.Len())

	// the refused views are reported and dropped, the others are written
	err := q.Flush(ctx)
	var verr *stor.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	require.Equal(t, 0, q.Len())

	n, err := st.Download().Count(ctx, stor.Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	views := collect(t, st.View().Scan(ctx, stor.Filter{}))
	require.Len(t, views, 1)
	require.Equal(t, ident.Numeric(1), views[0].ProjectID)
	n, err = st.Revenue().Count(ctx, stor.Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

type failingStore struct {
	stor.Store
	fail bool
}

func (s *failingStore) AppendBatch(ctx context.Context, b *stor.Batch) error {
	if s.fail {
		return errors.New("database is locked")
	}
	return s.Store.AppendBatch(ctx, b)
}

func TestFlushKeepsBatchOnFailure(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{Store: newStore(t), fail: true}
	q := New(fs, 2)

	q.AddDownload(ident.Numeric(1), "/pkg", 3)
	require.Error(t, q.Flush(ctx))
	require.Equal(t, 1, q.Len())

	q.AddDownload(ident.Numeric(1), "/pkg", 4)
	fs.fail = false
	require.NoError(t, q.Flush(ctx))

	downloads := collect(t, fs.Download().Scan(ctx, stor.Filter{}))
	require.Len(t, downloads, 1)
	require.Equal(t, uint32(7), downloads[0].Downloads)
}

func TestRunFlushesOnStop(t *testing.T) {
	st := newStore(t)
	q := New(st, 1)
	q.AddView(ident.Numeric(5), "/docs", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	n, err := st.View().Count(context.Background(), stor.Filter{Project: ident.Numeric(5)})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
