// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// TableStateResponse is the schema state of an event table.
type TableStateResponse struct {
	Table     stor.Family `json:"table"`
	Phase     string      `json:"phase"`
	Accepts   string      `json:"accepts"`
	EvolvedAt *time.Time  `json:"evolved_at,omitempty"`
}

// Render processes responses before marshalling.
func (t *TableStateResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// WorklistResponse is an unresolved row.
type WorklistResponse struct {
	*stor.WorklistEntry
}

// Render processes responses before marshalling.
func (wl *WorklistResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// IndexResponse is the presence of a secondary index.
type IndexResponse struct {
	*stor.IndexStatus
}

// Render processes responses before marshalling.
func (ix *IndexResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// GetSchema lists the schema state of the event tables.
func (a *APICtrl) GetSchema(w http.ResponseWriter, r *http.Request) {
	states, err := a.Store.Evolution().States(r.Context())
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	list := []render.Renderer{}
	for _, s := range states {
		list = append(list, &TableStateResponse{
			Table:     s.Table,
			Phase:     s.Phase(),
			Accepts:   s.Generation.String(),
			EvolvedAt: s.EvolvedAt,
		})
	}
	if err := render.RenderList(w, r, list); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// ListWorklist lists the rows left unresolved by evolution runs, paginated.
func (a *APICtrl) ListWorklist(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	entries, err := a.Store.Evolution().Worklist(r.Context(), page, perPage)
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	list := []render.Renderer{}
	for i := range entries {
		list = append(list, &WorklistResponse{&entries[i]})
	}
	if err := render.RenderList(w, r, list); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// ListIndexes lists the secondary indexes of the event tables.
func (a *APICtrl) ListIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := a.Store.Index().List(r.Context())
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	list := []render.Renderer{}
	for i := range indexes {
		list = append(list, &IndexResponse{&indexes[i]})
	}
	if err := render.RenderList(w, r, list); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}
