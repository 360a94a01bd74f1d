package stor

import (
	"context"
	"testing"

	"github.com/edrlab/analytics-ledger/pkg/ident"
)

func TestIndexes(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	list, err := st.Index().List(ctx)
	if err != nil {
		t.Fatalf("Failed to list the indexes: %v", err)
	}
	if len(list) != 6 {
		t.Fatalf("Expected 6 indexes, got %d", len(list))
	}
	for _, ix := range list {
		if !ix.Present {
			t.Fatalf("Index %s is missing after init", ix.Name)
		}
	}

	if err := st.Index().Rebuild(ctx, FamilyViews); err != nil {
		t.Fatalf("Failed to rebuild the views indexes: %v", err)
	}
	list, _ = st.Index().List(ctx)
	for _, ix := range list {
		if !ix.Present {
			t.Fatalf("Index %s is missing after a rebuild", ix.Name)
		}
	}
}

func TestScanWithoutIndexes(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	for i := 1; i <= 10; i++ {
		d := &Download{Downloads: uint32(i), ProjectID: ident.Numeric(int64(i%2 + 1)), SitePath: randomPath()}
		if err := st.Download().Append(ctx, d); err != nil {
			t.Fatalf("Failed to append a download: %v", err)
		}
	}
	flt := Filter{Project: ident.Numeric(2)}
	before, err := st.Download().Count(ctx, flt)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}

	db := st.(*dbStore).db
	for _, col := range indexedColumns {
		if err := dropIndex(db, FamilyDownloads, col); err != nil {
			t.Fatalf("Failed to drop an index: %v", err)
		}
	}
	list, _ := st.Index().List(ctx)
	missing := 0
	for _, ix := range list {
		if !ix.Present {
			missing++
		}
	}
	if missing != 2 {
		t.Fatalf("Expected 2 missing indexes, got %d", missing)
	}

	after := int64(0)
	for d, err := range st.Download().Scan(ctx, flt) {
		if err != nil {
			t.Fatalf("Failed to scan: %v", err)
		}
		if d.ProjectID != ident.Numeric(2) {
			t.Fatalf("Scan returned a row of another project")
		}
		after++
	}
	if after != before {
		t.Fatalf("Scan returned %d rows without indexes, %d with", after, before)
	}

	if err := st.Index().Ensure(ctx); err != nil {
		t.Fatalf("Failed to ensure the indexes: %v", err)
	}
	list, _ = st.Index().List(ctx)
	for _, ix := range list {
		if !ix.Present {
			t.Fatalf("Index %s not restored", ix.Name)
		}
	}
}
