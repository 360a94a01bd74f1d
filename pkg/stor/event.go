// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/edrlab/analytics-ledger/pkg/ident"
)

// Family names an event table.
type Family string

const (
	FamilyDownloads Family = "downloads"
	FamilyViews     Family = "views"
	FamilyRevenue   Family = "revenue"
)

// Families lists the event tables in evolution order.
var Families = []Family{FamilyDownloads, FamilyViews, FamilyRevenue}

// ParseFamily maps a table name to its family.
func ParseFamily(s string) (Family, error) {
	for _, f := range Families {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown event table %q", s)
}

// Events are append-only: there is no gorm model, as no update nor
// soft deletion ever occurs.

// Download data model
type Download struct {
	ID        uint64    `json:"id" gorm:"primaryKey"`
	Recorded  time.Time `json:"recorded"`
	Downloads uint32    `json:"downloads"`
	ProjectID ident.Ref `json:"project_id"`
	SitePath  string    `json:"site_path" validate:"required,max=1024"`
}

// View data model
type View struct {
	ID        uint64    `json:"id" gorm:"primaryKey"`
	Recorded  time.Time `json:"recorded"`
	Views     uint32    `json:"views"`
	ProjectID ident.Ref `json:"project_id"`
	SitePath  string    `json:"site_path" validate:"required,max=1024"`
}

// Revenue data model
type Revenue struct {
	ID        uint64    `json:"id" gorm:"primaryKey"`
	Recorded  time.Time `json:"recorded"`
	Money     float64   `json:"money"`
	ProjectID ident.Ref `json:"project_id"`
}

func (Download) TableName() string { return string(FamilyDownloads) }
func (View) TableName() string     { return string(FamilyViews) }
func (Revenue) TableName() string  { return string(FamilyRevenue) }

// Filter selects the rows returned by Scan, Count and the reports.
// A zero bound leaves that side of the window open.
type Filter struct {
	Project      ident.Ref
	Unattributed bool // views without a project
	From         time.Time
	To           time.Time
	Sorted       bool // ascending recording time instead of ascending id
}

// Event is one of *Download, *View or *Revenue.
type Event interface {
	family() Family
	normalize(now time.Time)
	Validate() error
	project() *ident.Ref
	cursor() (time.Time, uint64)
}

var validate = validator.New()

// storedTime is the canonical form of a timestamp in the store.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// lowerBound is the first stored timestamp at or after t.
func lowerBound(t time.Time) time.Time {
	b := storedTime(t)
	if b.Before(t) {
		b = b.Add(time.Microsecond)
	}
	return b
}

func recordedAt(t, now time.Time) time.Time {
	if t.IsZero() {
		t = now
	}
	return storedTime(t)
}

func (d *Download) family() Family              { return FamilyDownloads }
func (d *Download) project() *ident.Ref         { return &d.ProjectID }
func (d *Download) cursor() (time.Time, uint64) { return d.Recorded, d.ID }
func (v *View) family() Family                  { return FamilyViews }
func (v *View) project() *ident.Ref             { return &v.ProjectID }
func (v *View) cursor() (time.Time, uint64)     { return v.Recorded, v.ID }
func (r *Revenue) family() Family               { return FamilyRevenue }
func (r *Revenue) project() *ident.Ref          { return &r.ProjectID }
func (r *Revenue) cursor() (time.Time, uint64)  { return r.Recorded, r.ID }

func (d *Download) normalize(now time.Time) {
	d.Recorded = recordedAt(d.Recorded, now)
	d.SitePath = norm.NFC.String(d.SitePath)
}

func (v *View) normalize(now time.Time) {
	v.Recorded = recordedAt(v.Recorded, now)
	v.SitePath = norm.NFC.String(v.SitePath)
}

func (r *Revenue) normalize(now time.Time) {
	r.Recorded = recordedAt(r.Recorded, now)
}

// Validate checks the fields which do not depend on the table generation
func (d *Download) Validate() error {
	return structError(FamilyDownloads, validate.Struct(d))
}

// Validate checks the fields which do not depend on the table generation
func (v *View) Validate() error {
	return structError(FamilyViews, validate.Struct(v))
}

// Validate checks the fields which do not depend on the table generation
func (r *Revenue) Validate() error {
	if math.IsNaN(r.Money) || math.IsInf(r.Money, 0) {
		return &ValidationError{Table: FamilyRevenue, Field: "money", Reason: "must be a finite amount"}
	}
	return nil
}

// checkRef verifies a project reference against the generation accepted by the table.
func checkRef(f Family, ref ident.Ref, gen ident.Generation) error {
	if ref.IsZero() {
		// views become optional once the table holds numeric references
		if f == FamilyViews && gen == ident.Gen2 {
			return nil
		}
		return &ValidationError{Table: f, Field: "project_id", Reason: "is required"}
	}
	if ref.Generation() != gen {
		return &ValidationError{Table: f, Field: "project_id",
			Reason: fmt.Sprintf("is a %s reference, the table holds %s references", ref.Generation(), gen)}
	}
	if err := ref.Validate(); err != nil {
		return &ValidationError{Table: f, Field: "project_id", Reason: err.Error()}
	}
	return nil
}

// prepare normalizes and validates a record before insertion.
// The caller holds the store lock.
func (s *dbStore) prepare(r Event) error {
	state := s.states[r.family()]
	if state.Generation == ident.GenUnknown {
		return &EvolutionStateError{Table: r.family(), State: state.Phase()}
	}
	r.normalize(s.now())
	if err := r.Validate(); err != nil {
		return err
	}
	return checkRef(r.family(), *r.project(), state.Generation)
}

// Check normalizes and validates an event the way an append does, without
// writing it.
func (s *dbStore) Check(e Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prepare(e)
}

// appendRecord inserts one validated row.
func (s *dbStore) appendRecord(ctx context.Context, r Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.prepare(r); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(r).Error
}
