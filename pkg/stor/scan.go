// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"context"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"

	"github.com/edrlab/analytics-ledger/pkg/ident"
)

type row interface {
	Download | View | Revenue
}

type rowPtr[T row] interface {
	*T
	Event
}

// filtered returns a query on the table restricted by the filter.
// Predicates are always applied, indexes only make them faster.
func (s *dbStore) filtered(ctx context.Context, f Family, flt Filter, gen ident.Generation) (*gorm.DB, error) {
	q := s.db.WithContext(ctx).Table(string(f))
	if !flt.Project.IsZero() {
		if flt.Project.Generation() != gen {
			return nil, &ValidationError{Table: f, Field: "project_id",
				Reason: fmt.Sprintf("filter is a %s reference, the table holds %s references", flt.Project.Generation(), gen)}
		}
		q = q.Where("project_id = ?", flt.Project)
	}
	if flt.Unattributed {
		q = q.Where("project_id IS NULL")
	}
	if !flt.From.IsZero() {
		q = q.Where("recorded >= ?", lowerBound(flt.From))
	}
	if !flt.To.IsZero() {
		q = q.Where("recorded <= ?", storedTime(flt.To))
	}
	return q, nil
}

// scanRows returns a lazy sequence over the rows matching the filter.
// Each range over the sequence runs the query again from the start. Rows are
// fetched by pages, resuming after the last key seen, so that rows appended
// during the scan never shift a page.
func scanRows[T row, P rowPtr[T]](s *dbStore, ctx context.Context, f Family, flt Filter) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var (
			zero     T
			lastID   uint64
			lastTime time.Time
			started  bool
		)
		for {
			var page []T
			s.mu.RLock()
			gen := s.states[f].Generation
			q, err := s.filtered(ctx, f, flt, gen)
			if err == nil {
				if flt.Sorted {
					if started {
						q = q.Where("(recorded > ? OR (recorded = ? AND id > ?))", lastTime, lastTime, lastID)
					}
					q = q.Order("recorded ASC").Order("id ASC")
				} else {
					q = q.Where("id > ?", lastID).Order("id ASC")
				}
				err = q.Limit(s.pageSize).Find(&page).Error
			}
			s.mu.RUnlock()
			if err != nil {
				yield(zero, err)
				return
			}

			for i := range page {
				p := P(&page[i])
				if gen != ident.GenUnknown {
					ref := p.project()
					if *ref, err = ref.In(gen); err != nil {
						yield(zero, err)
						return
					}
				}
				if !yield(page[i], nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			lastTime, lastID = P(&page[len(page)-1]).cursor()
			started = true
		}
	}
}

// countRows counts the rows matching the filter.
func (s *dbStore) countRows(ctx context.Context, f Family, flt Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, err := s.filtered(ctx, f, flt, s.states[f].Generation)
	if err != nil {
		return 0, err
	}
	var count int64
	return count, q.Count(&count).Error
}

func (s *downloadStore) Append(ctx context.Context, d *Download) error {
	return (*dbStore)(s).appendRecord(ctx, d)
}

func (s *downloadStore) Scan(ctx context.Context, f Filter) iter.Seq2[Download, error] {
	return scanRows[Download]((*dbStore)(s), ctx, FamilyDownloads, f)
}

func (s *downloadStore) Count(ctx context.Context, f Filter) (int64, error) {
	return (*dbStore)(s).countRows(ctx, FamilyDownloads, f)
}

func (s *viewStore) Append(ctx context.Context, v *View) error {
	return (*dbStore)(s).appendRecord(ctx, v)
}

func (s *viewStore) Scan(ctx context.Context, f Filter) iter.Seq2[View, error] {
	return scanRows[View]((*dbStore)(s), ctx, FamilyViews, f)
}

func (s *viewStore) Count(ctx context.Context, f Filter) (int64, error) {
	return (*dbStore)(s).countRows(ctx, FamilyViews, f)
}

func (s *revenueStore) Append(ctx context.Context, r *Revenue) error {
	return (*dbStore)(s).appendRecord(ctx, r)
}

func (s *revenueStore) Scan(ctx context.Context, f Filter) iter.Seq2[Revenue, error] {
	return scanRows[Revenue]((*dbStore)(s), ctx, FamilyRevenue, f)
}

func (s *revenueStore) Count(ctx context.Context, f Filter) (int64, error) {
	return (*dbStore)(s).countRows(ctx, FamilyRevenue, f)
}
