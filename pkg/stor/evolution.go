// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/edrlab/analytics-ledger/pkg/directory"
	"github.com/edrlab/analytics-ledger/pkg/ident"
)

// EvolveOptions are the explicit decisions of the operator.
type EvolveOptions struct {
	// Overrides map slugs to numeric ids, ahead of the directory.
	Overrides map[string]int64
	// DetachUnresolvedViews leaves views with an unresolved slug unattributed
	// instead of holding the views table back.
	DetachUnresolvedViews bool
}

// TableOutcome describes what an evolution run did to one table.
type TableOutcome struct {
	Table          Family `json:"table"`
	Before         string `json:"before"`
	After          string `json:"after"`
	ResolvedRows   int64  `json:"resolved_rows"`
	DetachedRows   int64  `json:"detached_rows,omitempty"`
	UnresolvedRows int    `json:"unresolved_rows"`
}

// EvolutionReport is the result of an evolution run.
type EvolutionReport struct {
	Tables   []TableOutcome  `json:"tables"`
	Worklist []WorklistEntry `json:"worklist,omitempty"`
}

// Done reports whether every table reached generation 2.
func (r *EvolutionReport) Done() bool {
	for _, t := range r.Tables {
		if t.After != ident.Gen2.String() {
			return false
		}
	}
	return true
}

// resolver looks up each slug once per run.
type resolver struct {
	dir       directory.Directory
	overrides map[string]int64
	cache     map[string]int64
}

func (r *resolver) resolve(ctx context.Context, slug string) (int64, error) {
	if id, ok := r.overrides[slug]; ok {
		return id, nil
	}
	if id, ok := r.cache[slug]; ok {
		return id, nil
	}
	if r.dir == nil {
		return 0, directory.ErrNotFound
	}
	id, err := r.dir.Resolve(ctx, slug)
	if err != nil {
		return 0, err
	}
	r.cache[slug] = id
	return id, nil
}

// State returns the state of a table
func (s *evolutionStore) State(ctx context.Context, f Family) (*TableState, error) {
	state, err := inspect(s.db.WithContext(ctx), f)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// States returns the state of every table
func (s *evolutionStore) States(ctx context.Context) ([]TableState, error) {
	states := make([]TableState, 0, len(Families))
	for _, f := range Families {
		state, err := inspect(s.db.WithContext(ctx), f)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// Worklist returns the rows left unresolved by the last evolution runs
func (s *evolutionStore) Worklist(ctx context.Context, pageNum, pageSize int) ([]WorklistEntry, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 100
	}
	entries := []WorklistEntry{}
	err := s.db.WithContext(ctx).Offset((pageNum - 1) * pageSize).Limit(pageSize).
		Order("event_table ASC").Order("row_id ASC").Find(&entries).Error
	return entries, err
}

// Evolve moves every table from generation 1 to generation 2.
// Appends are paused for the duration of the run. Each table is transformed in
// its own transaction: a table with unresolved references is rolled back, its
// rows are written to the worklist and the run continues with the next table.
func (s *evolutionStore) Evolve(ctx context.Context, dir directory.Directory, opts EvolveOptions) (*EvolutionReport, error) {
	st := (*dbStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	defer func() {
		if err := st.refresh(ctx); err != nil {
			log.Errorf("Failed reloading the table states: %v", err)
		}
	}()

	db := st.db.WithContext(ctx)

	// check every table before touching any
	before := make([]TableState, len(tableDefs))
	for i, def := range tableDefs {
		state, err := inspect(db, def.family)
		if err != nil {
			return nil, err
		}
		if _, err := state.Generation.Next(); err != nil && !state.Generation.Terminal() && !state.Evolving {
			return nil, &EvolutionStateError{Table: def.family, State: state.Phase(), Err: err}
		}
		before[i] = state
	}

	res := &resolver{dir: dir, overrides: opts.Overrides, cache: make(map[string]int64)}
	report := &EvolutionReport{}
	for i, def := range tableDefs {
		outcome := TableOutcome{Table: def.family, Before: before[i].Phase(), After: before[i].Phase()}
		if before[i].Generation.Terminal() {
			log.Infof("Table %s already holds numeric project references", def.family)
			report.Tables = append(report.Tables, outcome)
			continue
		}

		resolved, detached, err := st.evolveTable(db, def, res, opts)
		var unresolved *UnresolvedReferenceError
		switch {
		case errors.As(err, &unresolved):
			if werr := saveWorklist(db, def.family, unresolved.Entries); werr != nil {
				return report, werr
			}
			outcome.UnresolvedRows = len(unresolved.Entries)
			report.Worklist = append(report.Worklist, unresolved.Entries...)
			log.Warnf("Table %s kept in %s: %d rows reference unresolved projects", def.family, outcome.Before, outcome.UnresolvedRows)
		case err != nil:
			report.Tables = append(report.Tables, outcome)
			return report, fmt.Errorf("evolving table %s: %w", def.family, err)
		default:
			outcome.After = ident.Gen2.String()
			outcome.ResolvedRows = resolved
			outcome.DetachedRows = detached
			log.Infof("Table %s evolved, %d rows resolved", def.family, resolved)
		}
		report.Tables = append(report.Tables, outcome)
	}

	if len(report.Worklist) > 0 {
		return report, &UnresolvedReferenceError{Entries: report.Worklist}
	}
	return report, nil
}

// evolveTable runs the transition of one table in a single transaction.
// Only tx is used inside the transaction: an in-memory database has a single connection.
func (s *dbStore) evolveTable(db *gorm.DB, def tableDef, res *resolver, opts EvolveOptions) (resolved, detached int64, err error) {
	table := string(def.family)
	ctx := db.Statement.Context

	err = db.Transaction(func(tx *gorm.DB) error {
		m := tx.Migrator()

		// (a) numeric staging column
		if !m.HasColumn(table, colStaging) {
			err := tx.Exec("ALTER TABLE ? ADD COLUMN ? BIGINT",
				clause.Table{Name: table}, clause.Column{Name: colStaging}).Error
			if err != nil {
				return fmt.Errorf("adding column %s: %w", colStaging, err)
			}
		}

		// a resumed run may find the old column already dropped
		if m.HasColumn(table, colProject) {
			// (b) populate, one lookup per distinct slug
			var slugs []string
			err := tx.Table(table).Where("project_ref IS NULL AND project_id IS NOT NULL").
				Distinct(colProject).Order(colProject).Pluck(colProject, &slugs).Error
			if err != nil {
				return err
			}
			var entries []WorklistEntry
			for _, slug := range slugs {
				id, rerr := res.resolve(ctx, slug)
				switch {
				case rerr == nil:
					upd := tx.Table(table).Where("project_id = ? AND project_ref IS NULL", slug).Update(colStaging, id)
					if upd.Error != nil {
						return upd.Error
					}
					resolved += upd.RowsAffected
				case errors.Is(rerr, directory.ErrNotFound):
					var ids []uint64
					err := tx.Table(table).Where("project_id = ? AND project_ref IS NULL", slug).
						Order("id").Pluck("id", &ids).Error
					if err != nil {
						return err
					}
					if def.optional && opts.DetachUnresolvedViews {
						log.Infof("Views of unresolved project %q become unattributed (%d rows)", slug, len(ids))
						detached += int64(len(ids))
						continue
					}
					for _, id := range ids {
						entries = append(entries, WorklistEntry{Table: def.family, RowID: id, Slug: slug})
					}
				default:
					return fmt.Errorf("resolving project %q: %w", slug, rerr)
				}
			}
			if len(entries) > 0 {
				return &UnresolvedReferenceError{Entries: entries}
			}

			// (c) retire the string column
			if err := dropIndex(tx, def.family, colProject); err != nil {
				return fmt.Errorf("dropping index: %w", err)
			}
			err = tx.Exec("ALTER TABLE ? DROP COLUMN ?",
				clause.Table{Name: table}, clause.Column{Name: colProject}).Error
			if err != nil {
				return fmt.Errorf("dropping column %s: %w", colProject, err)
			}
		}

		err := tx.Exec("ALTER TABLE ? RENAME COLUMN ? TO ?",
			clause.Table{Name: table}, clause.Column{Name: colStaging}, clause.Column{Name: colProject}).Error
		if err != nil {
			return fmt.Errorf("renaming column %s: %w", colStaging, err)
		}

		// (d) views keep a nullable reference, the others are tightened
		if !def.optional {
			if err := m.AlterColumn(def.gen2, "ProjectID"); err != nil {
				return fmt.Errorf("altering column %s: %w", colProject, err)
			}
		}

		// (e) indexes, lost by engines which rebuild the table on alter
		if err := ensureIndexes(tx, def.family); err != nil {
			return err
		}

		now := s.now().UTC()
		if err := register(tx, def.family, ident.Gen2, &now); err != nil {
			return err
		}
		return tx.Where("event_table = ?", table).Delete(&WorklistEntry{}).Error
	})
	return resolved, detached, err
}

// saveWorklist replaces the worklist of a table.
func saveWorklist(db *gorm.DB, f Family, entries []WorklistEntry) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_table = ?", string(f)).Delete(&WorklistEntry{}).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(&entries, insertBatchSize).Error
	})
}
