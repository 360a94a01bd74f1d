// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/api"
)

func (s *Server) setRoutes() *chi.Mux {

	// Set api controller dependencies
	a := api.NewAPICtrl(s.Config, s.Store, s.Queue, s.Directory, s.Limiter)

	// Define the router
	r := chi.NewRouter()

	// Recovery middleware
	r.Use(middleware.Recoverer)

	// Heartbeat (excluded from logs)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("The analytics ledger is running!"))
	})

	// Group for all other routes
	r.Group(func(r chi.Router) {
		// Logger middleware
		r.Use(middleware.Logger)

		r.NotFound(notFoundProblemDetail)

		// CORS Configuration
		origins := s.Config.Cors.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"http://localhost:8090"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", api.AdminKeyHeader},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300, // Maximum value not ignored by any of major browsers
		}))

		// Page views are sent by browsers
		r.Group(func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Post("/v1/view", a.AddView) // POST /v1/view
		})

		// Private Routes
		// Require Authentication, and are left out without credentials
		if s.Config.Access.Username != "" {
			credentials := map[string]string{s.Config.Access.Username: s.Config.Access.Password}

			r.Group(func(r chi.Router) {
				r.Use(middleware.BasicAuth("restricted", credentials))
				r.Use(render.SetContentType(render.ContentTypeJSON))

				// Ingestion
				r.Post("/v1/downloads", a.AddDownload) // POST /v1/downloads
				r.Post("/v1/revenue", a.AddRevenue)    // POST /v1/revenue
				r.Post("/v1/batch", a.AppendBatch)     // POST /v1/batch

				// Schema administration, evolution itself is run with ledgerctl
				r.Route("/admin", func(r chi.Router) {
					r.Get("/schema", a.GetSchema)                     // GET /admin/schema
					r.With(paginate).Get("/worklist", a.ListWorklist) // GET /admin/worklist?page=1&per_page=20
					r.Get("/indexes", a.ListIndexes)                  // GET /admin/indexes
				})
			})
		} else {
			log.Warn("No access credentials configured, ingestion and admin routes are disabled")
		}

		// Dashboard data
		r.Post("/dashdata/login", Login(s.Config)) // POST /dashdata/login
		// Require JWT Authentication
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.Config))
			r.With(render.SetContentType(render.ContentTypeJSON)).Get("/v1/{family}", a.GetReport) // GET /v1/downloads?start_date=2026-01-01
			r.Get("/v1/{family}/report.csv", a.ReportCSV)                                          // GET /v1/views/report.csv
		})

	})

	return r
}

// paginate middleware
func paginate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// default values
		page := 1
		perPage := 20

		// read query parameters
		q := r.URL.Query()
		if p := q.Get("page"); p != "" {
			if val, err := strconv.Atoi(p); err == nil && val > 0 {
				page = val
			}
		}
		if pp := q.Get("per_page"); pp != "" {
			if val, err := strconv.Atoi(pp); err == nil && val > 0 {
				perPage = val
			}
		}

		// add to context
		ctx := context.WithValue(r.Context(), api.PageKey, page)
		ctx = context.WithValue(ctx, api.PerPageKey, perPage)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// notFoundProblemDetail formats not found errors as problem details, for the sake of consistency.
func notFoundProblemDetail(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{"type": "about:blank", "title": "Endpoint not found."}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)

	json.NewEncoder(w).Encode(response)
}
