// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package ident

import (
	"errors"
	"fmt"
)

// Generation is the shape of the project reference stored in an event table.
type Generation int

const (
	GenUnknown Generation = iota
	Gen1                  // string slug, at most 11 characters
	Gen2                  // numeric surrogate key
)

// ErrNoTransition is returned when a generation has no successor.
var ErrNoTransition = errors.New("no generation transition defined")

// Next returns the generation reached by evolving from g.
// Gen1 is the only state with a successor; Gen2 is terminal.
func (g Generation) Next() (Generation, error) {
	switch g {
	case Gen1:
		return Gen2, nil
	case Gen2:
		return g, fmt.Errorf("%s is terminal: %w", g, ErrNoTransition)
	default:
		return g, fmt.Errorf("unrecognized generation %d: %w", int(g), ErrNoTransition)
	}
}

// Terminal reports whether no further transition is defined.
func (g Generation) Terminal() bool {
	return g == Gen2
}

func (g Generation) String() string {
	switch g {
	case Gen1:
		return "generation-1"
	case Gen2:
		return "generation-2"
	default:
		return "unknown"
	}
}

// ParseGeneration converts the configuration value (1 or 2) into a Generation.
func ParseGeneration(n int) (Generation, error) {
	switch n {
	case 1:
		return Gen1, nil
	case 2:
		return Gen2, nil
	}
	return GenUnknown, fmt.Errorf("invalid generation %d", n)
}
