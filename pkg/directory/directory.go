// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package directory maps project slugs to their numeric identifiers.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jtacoma/uritemplates"

	"github.com/edrlab/analytics-ledger/pkg/conf"
	"github.com/edrlab/analytics-ledger/pkg/ident"
)

// ErrNotFound is returned when a slug is unknown to the directory.
var ErrNotFound = errors.New("project not found")

// Directory resolves a generation 1 project slug into a generation 2 id.
type Directory interface {
	Resolve(ctx context.Context, slug string) (int64, error)
}

// Base62 treats slugs as the base62 encoding of the numeric id.
type Base62 struct{}

func (Base62) Resolve(ctx context.Context, slug string) (int64, error) {
	id, err := ident.ParseBase62(slug)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%s: %w", slug, ErrNotFound)
	}
	return id, nil
}

// Static is a fixed slug to id mapping.
type Static map[string]int64

func (s Static) Resolve(ctx context.Context, slug string) (int64, error) {
	if id, ok := s[slug]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("%s: %w", slug, ErrNotFound)
}

// Chain asks each directory in turn; the first hit wins.
// Errors other than ErrNotFound stop the lookup.
type Chain []Directory

func (c Chain) Resolve(ctx context.Context, slug string) (int64, error) {
	for _, d := range c {
		id, err := d.Resolve(ctx, slug)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%s: %w", slug, ErrNotFound)
}

// New builds the directory described by the configuration.
// Static entries, when present, are consulted first.
func New(c conf.Directory) (Directory, error) {
	var d Directory
	switch c.Mode {
	case "", "base62":
		d = Base62{}
	case "static":
		return Static(c.Static), nil
	case "http":
		tpl, err := uritemplates.Parse(c.URLTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid directory url template: %w", err)
		}
		d = &HTTP{
			Template: tpl,
			Client:   &http.Client{Timeout: c.Timeout},
			Key:      c.Key,
		}
	default:
		return nil, fmt.Errorf("invalid directory mode: %s", c.Mode)
	}
	if len(c.Static) > 0 {
		return Chain{Static(c.Static), d}, nil
	}
	return d, nil
}
