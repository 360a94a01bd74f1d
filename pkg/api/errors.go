// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// ErrResponse is an error payload, formatted as a problem detail.
type ErrResponse struct {
	Err            error `json:"-"` // low-level runtime error
	HTTPStatusCode int   `json:"status"`

	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// Render sets the http status of the response.
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// ErrNotFound is returned when a resource does not exist.
var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, Type: "about:blank", Title: "Resource not found."}

// ErrInvalidRequest is returned when the request payload or parameters are invalid.
func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		Type:           "about:blank",
		Title:          "Invalid request.",
		Detail:         err.Error(),
	}
}

// ErrServer is returned on unexpected failures.
func ErrServer(err error) render.Renderer {
	log.Errorf("Server error: %v", err)
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusInternalServerError,
		Type:           "about:blank",
		Title:          "Server error.",
		Detail:         err.Error(),
	}
}

// ErrRender is returned when a response cannot be rendered.
func ErrRender(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusUnprocessableEntity,
		Type:           "about:blank",
		Title:          "Error rendering response.",
		Detail:         err.Error(),
	}
}

// ErrStore maps an error of the store to a response.
func ErrStore(err error) render.Renderer {
	var verr *stor.ValidationError
	if errors.As(err, &verr) {
		return ErrInvalidRequest(err)
	}
	return ErrServer(err)
}
