// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports an event or a request the store refuses to handle.
// Nothing is written when it is returned.
type ValidationError struct {
	Table  Family
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s event: %s %s", e.Table, e.Field, e.Reason)
}

// structError converts the result of a struct validation.
func structError(f Family, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	reason := "is required"
	if fe.Tag() == "max" {
		reason = "exceeds " + fe.Param() + " characters"
	}
	return &ValidationError{Table: f, Field: columnName(fe.Field()), Reason: reason}
}

func columnName(field string) string {
	switch field {
	case "SitePath":
		return "site_path"
	case "ProjectID":
		return "project_id"
	}
	return strings.ToLower(field)
}

// UnresolvedReferenceError lists the rows an evolution run could not map to
// a numeric project id. The rows are kept, and their tables stay in their
// previous generation.
type UnresolvedReferenceError struct {
	Entries []WorklistEntry
}

func (e *UnresolvedReferenceError) Error() string {
	seen := make(map[string]bool)
	var slugs []string
	for _, en := range e.Entries {
		if !seen[en.Slug] {
			seen[en.Slug] = true
			slugs = append(slugs, en.Slug)
		}
	}
	sort.Strings(slugs)
	return fmt.Sprintf("%d rows reference unresolved projects: %s", len(e.Entries), strings.Join(slugs, ", "))
}

// EvolutionStateError reports a table whose state allows no transition.
// It is returned before anything is changed.
type EvolutionStateError struct {
	Table Family
	State string
	Err   error
}

func (e *EvolutionStateError) Error() string {
	msg := fmt.Sprintf("table %s is in state %s", e.Table, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EvolutionStateError) Unwrap() error {
	return e.Err
}
