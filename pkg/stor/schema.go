// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/edrlab/analytics-ledger/pkg/ident"
)

const (
	colRecorded = "recorded"
	colProject  = "project_id"
	colStaging  = "project_ref" // numeric column filled while a table evolves
)

// Physical shapes of the event tables, used only for DDL.

type downloadsGen1 struct {
	ID        uint64    `gorm:"primaryKey"`
	Recorded  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Downloads uint32    `gorm:"not null"`
	ProjectID string    `gorm:"type:varchar(11);not null"`
	SitePath  string    `gorm:"type:varchar(1024);not null"`
}

type downloadsGen2 struct {
	ID        uint64    `gorm:"primaryKey"`
	Recorded  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Downloads uint32    `gorm:"not null"`
	ProjectID int64     `gorm:"type:bigint;not null"`
	SitePath  string    `gorm:"type:varchar(1024);not null"`
}

type viewsGen1 struct {
	ID        uint64    `gorm:"primaryKey"`
	Recorded  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Views     uint32    `gorm:"not null"`
	ProjectID string    `gorm:"type:varchar(11);not null"`
	SitePath  string    `gorm:"type:varchar(1024);not null"`
}

type viewsGen2 struct {
	ID        uint64    `gorm:"primaryKey"`
	Recorded  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Views     uint32    `gorm:"not null"`
	ProjectID *int64    `gorm:"type:bigint"`
	SitePath  string    `gorm:"type:varchar(1024);not null"`
}

type revenueGen1 struct {
	ID        uint64    `gorm:"primaryKey"`
	Recorded  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Money     float64   `gorm:"type:double precision;not null"`
	ProjectID string    `gorm:"type:varchar(11);not null"`
}

type revenueGen2 struct {
	ID        uint64    `gorm:"primaryKey"`
	Recorded  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Money     float64   `gorm:"type:double precision;not null"`
	ProjectID int64     `gorm:"type:bigint;not null"`
}

func (downloadsGen1) TableName() string { return string(FamilyDownloads) }
func (downloadsGen2) TableName() string { return string(FamilyDownloads) }
func (viewsGen1) TableName() string     { return string(FamilyViews) }
func (viewsGen2) TableName() string     { return string(FamilyViews) }
func (revenueGen1) TableName() string   { return string(FamilyRevenue) }
func (revenueGen2) TableName() string   { return string(FamilyRevenue) }

type tableDef struct {
	family   Family
	gen1     interface{}
	gen2     interface{}
	optional bool // project reference nullable in generation 2
}

var tableDefs = []tableDef{
	{family: FamilyDownloads, gen1: &downloadsGen1{}, gen2: &downloadsGen2{}},
	{family: FamilyViews, gen1: &viewsGen1{}, gen2: &viewsGen2{}, optional: true},
	{family: FamilyRevenue, gen1: &revenueGen1{}, gen2: &revenueGen2{}},
}

func (d tableDef) shape(g ident.Generation) interface{} {
	if g == ident.Gen1 {
		return d.gen1
	}
	return d.gen2
}

// schemaGeneration is the registry of the generation reached by each table.
// The physical layout stays the reference, the registry keeps the history.
type schemaGeneration struct {
	Table      string `gorm:"column:event_table;primaryKey;type:varchar(16)"`
	Generation int
	EvolvedAt  *time.Time
	UpdatedAt  time.Time
}

func (schemaGeneration) TableName() string { return "schema_generations" }

// WorklistEntry is a row left unresolved by an evolution run.
type WorklistEntry struct {
	ID        uint64    `json:"-" gorm:"primaryKey"`
	Table     Family    `json:"table" gorm:"column:event_table;type:varchar(16);index"`
	RowID     uint64    `json:"row_id"`
	Slug      string    `json:"project_id" gorm:"type:varchar(11)"`
	CreatedAt time.Time `json:"created_at"`
}

func (WorklistEntry) TableName() string { return "evolution_worklist" }

// TableState is the observed schema state of an event table.
type TableState struct {
	Table      Family           `json:"table"`
	Generation ident.Generation `json:"-"`
	Evolving   bool             `json:"evolving"`
	EvolvedAt  *time.Time       `json:"evolved_at,omitempty"`
}

// Phase names the state: generation-1, evolving, generation-2 or unknown.
func (t TableState) Phase() string {
	if t.Evolving {
		return "evolving"
	}
	return t.Generation.String()
}

// columnGeneration classifies a project_id column by its database type.
func columnGeneration(dbType string) ident.Generation {
	t := strings.ToLower(dbType)
	switch {
	case strings.Contains(t, "int"):
		return ident.Gen2
	case strings.Contains(t, "char"), strings.Contains(t, "text"):
		return ident.Gen1
	}
	return ident.GenUnknown
}

// inspect reads the state of a table from its physical layout.
func inspect(db *gorm.DB, f Family) (TableState, error) {
	state := TableState{Table: f}
	m := db.Migrator()
	if !m.HasTable(string(f)) {
		return state, nil
	}
	cols, err := m.ColumnTypes(string(f))
	if err != nil {
		return state, fmt.Errorf("reading the columns of %s: %w", f, err)
	}
	var idType string
	staging := false
	for _, c := range cols {
		switch c.Name() {
		case colProject:
			idType = c.DatabaseTypeName()
		case colStaging:
			staging = true
		}
	}
	gen := columnGeneration(idType)
	switch {
	case !staging:
		state.Generation = gen
	case gen == ident.Gen1:
		// old values still readable while the staging column fills
		state.Generation = ident.Gen1
		state.Evolving = true
	case idType == "":
		// interrupted between dropping the old column and the rename
		state.Evolving = true
	}

	var reg schemaGeneration
	err = db.Where("event_table = ?", string(f)).Limit(1).Find(&reg).Error
	if err != nil {
		return state, err
	}
	state.EvolvedAt = reg.EvolvedAt
	return state, nil
}

// refresh reloads the cached state of every table. The caller holds the
// exclusive lock, or has not shared the store yet.
func (s *dbStore) refresh(ctx context.Context) error {
	for _, f := range Families {
		state, err := inspect(s.db.WithContext(ctx), f)
		if err != nil {
			return err
		}
		if state.Generation == ident.GenUnknown {
			log.Warnf("Table %s is in state %s, appends are refused", f, state.Phase())
		}
		s.states[f] = state
	}
	return nil
}

// createTables creates the missing event tables in the initial generation.
func (s *dbStore) createTables(ctx context.Context) error {
	if s.initGen != ident.Gen1 && s.initGen != ident.Gen2 {
		return errors.New("the initial generation must be 1 or 2")
	}
	db := s.db.WithContext(ctx)
	for _, def := range tableDefs {
		if db.Migrator().HasTable(string(def.family)) {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Migrator().CreateTable(def.shape(s.initGen)); err != nil {
				return err
			}
			return register(tx, def.family, s.initGen, nil)
		})
		if err != nil {
			return fmt.Errorf("creating table %s: %w", def.family, err)
		}
		log.Infof("Created table %s as %s", def.family, s.initGen)
	}
	return nil
}

// register records the generation of a table.
func register(tx *gorm.DB, f Family, g ident.Generation, evolvedAt *time.Time) error {
	reg := schemaGeneration{Table: string(f), Generation: int(g), EvolvedAt: evolvedAt}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_table"}},
		DoUpdates: clause.AssignmentColumns([]string{"generation", "evolved_at", "updated_at"}),
	}).Create(&reg).Error
}
