// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IndexStatus tells whether a secondary index exists.
type IndexStatus struct {
	Table   Family `json:"table"`
	Name    string `json:"name"`
	Column  string `json:"column"`
	Present bool   `json:"present"`
}

// one single-column index on the recording time and one on the project, per table
var indexedColumns = []string{colRecorded, colProject}

func indexName(f Family, column string) string {
	return string(f) + "_" + column
}

// ensureIndexes creates the missing indexes of the given tables.
// A column absent from an evolving table is skipped.
func ensureIndexes(db *gorm.DB, families ...Family) error {
	m := db.Migrator()
	for _, f := range families {
		for _, col := range indexedColumns {
			name := indexName(f, col)
			if !m.HasColumn(string(f), col) || m.HasIndex(string(f), name) {
				continue
			}
			err := db.Exec("CREATE INDEX ? ON ? (?)",
				clause.Column{Name: name}, clause.Table{Name: string(f)}, clause.Column{Name: col}).Error
			if err != nil {
				return fmt.Errorf("creating index %s: %w", name, err)
			}
			log.Debugf("Created index %s", name)
		}
	}
	return nil
}

func dropIndex(db *gorm.DB, f Family, col string) error {
	m := db.Migrator()
	name := indexName(f, col)
	if !m.HasIndex(string(f), name) {
		return nil
	}
	return m.DropIndex(string(f), name)
}

// List returns the presence of the six secondary indexes
func (s *indexStore) List(ctx context.Context) ([]IndexStatus, error) {
	m := s.db.WithContext(ctx).Migrator()
	var list []IndexStatus
	for _, f := range Families {
		for _, col := range indexedColumns {
			name := indexName(f, col)
			list = append(list, IndexStatus{
				Table:   f,
				Name:    name,
				Column:  col,
				Present: m.HasIndex(string(f), name),
			})
		}
	}
	return list, ctx.Err()
}

// Ensure creates the missing indexes
func (s *indexStore) Ensure(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ensureIndexes(s.db.WithContext(ctx), Families...)
}

// Rebuild drops and recreates the indexes of a table
func (s *indexStore) Rebuild(ctx context.Context, f Family) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, col := range indexedColumns {
			if err := dropIndex(tx, f, col); err != nil {
				return fmt.Errorf("dropping index %s: %w", indexName(f, col), err)
			}
		}
		return ensureIndexes(tx, f)
	})
}
