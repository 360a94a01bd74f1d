// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"
	jsonschema "github.com/xeipuuv/gojsonschema"

	"github.com/edrlab/analytics-ledger/pkg/stor"
)

//go:embed data/batch.schema.json
var jsfs embed.FS

// maxBatchBytes bounds the size of a batch payload.
const maxBatchBytes = 8 << 20

var (
	batchSchema     *jsonschema.Schema
	batchSchemaErr  error
	batchSchemaOnce sync.Once
)

func loadBatchSchema() (*jsonschema.Schema, error) {
	batchSchemaOnce.Do(func() {
		schemaBytes, err := jsfs.ReadFile("data/batch.schema.json")
		if err != nil {
			batchSchemaErr = err
			return
		}
		sl := jsonschema.NewSchemaLoader()
		batchSchema, batchSchemaErr = sl.Compile(jsonschema.NewStringLoader(string(schemaBytes)))
	})
	return batchSchema, batchSchemaErr
}

// validateBatch checks a payload against the batch json schema.
func validateBatch(body []byte) error {
	schema, err := loadBatchSchema()
	if err != nil {
		return err
	}
	result, err := schema.Validate(jsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid batch: %s", strings.Join(msgs, "; "))
}

// BatchResponse is the number of rows written per table.
type BatchResponse struct {
	Downloads int `json:"downloads"`
	Views     int `json:"views"`
	Revenue   int `json:"revenue"`
}

// Render sets the status of the response.
func (b *BatchResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusCreated)
	return nil
}

// AppendBatch writes explicit rows, with their recording time, in one transaction.
// Unlike the other ingestion routes it bypasses the queue.
func (a *APICtrl) AppendBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := validateBatch(body); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	batch := &stor.Batch{}
	if err := json.Unmarshal(body, batch); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := a.resolveBatch(r.Context(), batch); err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	if err := a.Store.AppendBatch(r.Context(), batch); err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	log.Debugf("Batch of %d rows appended", batch.Len())

	resp := &BatchResponse{Downloads: len(batch.Downloads), Views: len(batch.Views), Revenue: len(batch.Revenue)}
	if err := render.Render(w, r, resp); err != nil {
		render.Render(w, r, ErrRender(err))
	}
}

// resolveBatch adapts the project references of a batch to the table generations.
func (a *APICtrl) resolveBatch(ctx context.Context, b *stor.Batch) error {
	var err error
	for i := range b.Downloads {
		if b.Downloads[i].ProjectID, err = a.projectRef(ctx, stor.FamilyDownloads, b.Downloads[i].ProjectID); err != nil {
			return err
		}
	}
	for i := range b.Views {
		if b.Views[i].ProjectID, err = a.projectRef(ctx, stor.FamilyViews, b.Views[i].ProjectID); err != nil {
			return err
		}
	}
	for i := range b.Revenue {
		if b.Revenue[i].ProjectID, err = a.projectRef(ctx, stor.FamilyRevenue, b.Revenue[i].ProjectID); err != nil {
			return err
		}
	}
	if b.Len() == 0 {
		return &stor.ValidationError{Field: "batch", Reason: "is empty"}
	}
	return nil
}
