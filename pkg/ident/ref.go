// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package ident defines how an event row refers to its project.
package ident

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// MaxSlugLength is the bound on a generation 1 project reference, in characters.
const MaxSlugLength = 11

// Ref is a project reference. The zero value is an absent reference.
// Ref is comparable and can be used as a map key.
type Ref struct {
	gen  Generation
	slug string
	id   int64
}

// Slug returns a generation 1 reference.
func Slug(s string) Ref {
	return Ref{gen: Gen1, slug: s}
}

// Numeric returns a generation 2 reference.
func Numeric(id int64) Ref {
	return Ref{gen: Gen2, id: id}
}

// Generation returns the generation of the reference, GenUnknown when absent.
func (r Ref) Generation() Generation {
	return r.gen
}

// IsZero reports whether the reference is absent.
func (r Ref) IsZero() bool {
	return r.gen == GenUnknown
}

// SlugValue returns the slug of a generation 1 reference.
func (r Ref) SlugValue() (string, bool) {
	return r.slug, r.gen == Gen1
}

// ID returns the numeric id of a generation 2 reference.
func (r Ref) ID() (int64, bool) {
	return r.id, r.gen == Gen2
}

func (r Ref) String() string {
	switch r.gen {
	case Gen1:
		return r.slug
	case Gen2:
		return strconv.FormatInt(r.id, 10)
	}
	return ""
}

// Validate checks the bounds of the reference for its own generation.
func (r Ref) Validate() error {
	switch r.gen {
	case Gen1:
		if r.slug == "" {
			return errors.New("empty project slug")
		}
		if n := utf8.RuneCountInString(r.slug); n > MaxSlugLength {
			return fmt.Errorf("project slug has %d characters, max %d", n, MaxSlugLength)
		}
	case Gen2:
		if r.id <= 0 {
			return fmt.Errorf("invalid project id %d", r.id)
		}
	}
	return nil
}

// In coerces a scanned reference into the shape of generation g.
// Some drivers return integer columns as text, which first scan as slugs.
func (r Ref) In(g Generation) (Ref, error) {
	if r.IsZero() || r.gen == g {
		return r, nil
	}
	if r.gen == Gen1 && g == Gen2 {
		id, err := strconv.ParseInt(r.slug, 10, 64)
		if err != nil {
			return r, fmt.Errorf("project reference %q is not numeric", r.slug)
		}
		return Numeric(id), nil
	}
	if r.gen == Gen2 && g == Gen1 {
		return Slug(strconv.FormatInt(r.id, 10)), nil
	}
	return r, fmt.Errorf("cannot convert project reference to %s", g)
}

// Value implements driver.Valuer.
func (r Ref) Value() (driver.Value, error) {
	switch r.gen {
	case Gen1:
		return r.slug, nil
	case Gen2:
		return r.id, nil
	}
	return nil, nil
}

// Scan implements sql.Scanner.
func (r *Ref) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = Ref{}
	case int64:
		*r = Numeric(v)
	case int32:
		*r = Numeric(int64(v))
	case uint64:
		*r = Numeric(int64(v))
	case string:
		*r = Slug(v)
	case []byte:
		*r = Slug(string(v))
	default:
		return fmt.Errorf("cannot scan %T into a project reference", src)
	}
	return nil
}

// GormDataType keeps gorm from treating Ref as an association.
func (Ref) GormDataType() string {
	return "project_ref"
}

// MarshalJSON renders a slug as a JSON string, an id as a JSON number and
// an absent reference as null.
func (r Ref) MarshalJSON() ([]byte, error) {
	switch r.gen {
	case Gen1:
		return json.Marshal(r.slug)
	case Gen2:
		return json.Marshal(r.id)
	}
	return []byte("null"), nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Ref) UnmarshalJSON(data []byte) error {
	s := string(data)
	switch {
	case s == "null":
		*r = Ref{}
	case len(s) > 0 && s[0] == '"':
		var slug string
		if err := json.Unmarshal(data, &slug); err != nil {
			return err
		}
		*r = Slug(slug)
	default:
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid project reference %s", s)
		}
		*r = Numeric(id)
	}
	return nil
}
