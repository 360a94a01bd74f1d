// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package api manages the api controllers
package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/edrlab/analytics-ledger/pkg/conf"
	"github.com/edrlab/analytics-ledger/pkg/directory"
	"github.com/edrlab/analytics-ledger/pkg/ident"
	"github.com/edrlab/analytics-ledger/pkg/queue"
	"github.com/edrlab/analytics-ledger/pkg/ratelimit"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// APICtrl contains the context required by http handlers.
type APICtrl struct {
	*conf.Config
	stor.Store
	Queue     *queue.AnalyticsQueue
	Directory directory.Directory
	Limiter   *ratelimit.Limiter
}

// NewAPICtrl returns a new API controller
func NewAPICtrl(cf *conf.Config, st stor.Store, q *queue.AnalyticsQueue, dir directory.Directory, lim *ratelimit.Limiter) *APICtrl {
	return &APICtrl{
		Config:    cf,
		Store:     st,
		Queue:     q,
		Directory: dir,
		Limiter:   lim,
	}
}

// projectRef adapts a project reference received from a client to the
// generation of the table. Slugs sent to a numeric table are resolved
// through the directory.
func (a *APICtrl) projectRef(ctx context.Context, f stor.Family, ref ident.Ref) (ident.Ref, error) {
	gen := a.Store.Generation(f)
	if ref.IsZero() || ref.Generation() == gen {
		return ref, nil
	}
	slug, isSlug := ref.SlugValue()
	if !isSlug || gen != ident.Gen2 {
		return ref, &stor.ValidationError{Table: f, Field: "project_id", Reason: "must be a project slug"}
	}
	id, err := a.Directory.Resolve(ctx, slug)
	if errors.Is(err, directory.ErrNotFound) {
		return ref, &stor.ValidationError{Table: f, Field: "project_id", Reason: "references an unknown project"}
	}
	if err != nil {
		return ref, err
	}
	return ident.Numeric(id), nil
}

// queryRef reads a project reference from a query parameter. A numeric value
// is taken as a project id on numeric tables.
func (a *APICtrl) queryRef(ctx context.Context, f stor.Family, value string) (ident.Ref, error) {
	if value == "" {
		return ident.Ref{}, nil
	}
	if a.Store.Generation(f) == ident.Gen2 {
		if id, err := strconv.ParseInt(value, 10, 64); err == nil {
			return ident.Numeric(id), nil
		}
	}
	return a.projectRef(ctx, f, ident.Slug(value))
}
