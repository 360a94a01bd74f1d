// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/directory"
	"github.com/edrlab/analytics-ledger/pkg/ident"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// AdminKeyHeader lets trusted callers bypass the page view rate limit.
const AdminKeyHeader = "X-Admin-Key"

// HitRequest is the payload of a download or a page view.
type HitRequest struct {
	URL       string    `json:"url"`
	ProjectID ident.Ref `json:"project_id"`
	url       *url.URL
	sitePath  string
}

// Bind extracts the site path from the url.
func (h *HitRequest) Bind(r *http.Request) error {
	if h.URL == "" {
		return errors.New("missing required url")
	}
	u, err := url.Parse(h.URL)
	if err != nil {
		return err
	}
	h.url = u
	h.sitePath = u.Path
	if h.sitePath == "" {
		h.sitePath = "/"
	}
	return nil
}

// RevenueRequest is the payload of a revenue event.
type RevenueRequest struct {
	ProjectID ident.Ref `json:"project_id"`
	Amount    *float64  `json:"amount"`
}

// Bind checks the amount.
func (p *RevenueRequest) Bind(r *http.Request) error {
	if p.Amount == nil {
		return errors.New("missing required amount")
	}
	if math.IsNaN(*p.Amount) || math.IsInf(*p.Amount, 0) {
		return errors.New("invalid amount")
	}
	return nil
}

// AcceptedResponse acknowledges an event added to the queue.
type AcceptedResponse struct {
	Queued int `json:"queued"`
}

// Render sets the status of the response.
func (a *AcceptedResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusAccepted)
	return nil
}

func (a *APICtrl) accepted(w http.ResponseWriter, r *http.Request) {
	if err := render.Render(w, r, &AcceptedResponse{Queued: a.Queue.Len()}); err != nil {
		render.Render(w, r, ErrRender(err))
	}
}

// AddDownload counts a download.
func (a *APICtrl) AddDownload(w http.ResponseWriter, r *http.Request) {
	data := &HitRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if data.ProjectID.IsZero() {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required project_id")))
		return
	}
	ref, err := a.projectRef(r.Context(), stor.FamilyDownloads, data.ProjectID)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	// refused now rather than at the flush, where it would hold other rows back
	d := &stor.Download{Downloads: 1, ProjectID: ref, SitePath: data.sitePath}
	if err := a.Store.Check(d); err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	a.Queue.AddDownload(d.ProjectID, d.SitePath, 1)
	a.accepted(w, r)
}

// AddView counts a page view sent by a browser. Bots and clients over the
// rate limit are answered without being counted. Without a project in the
// payload, the project is looked up from the page path. The project is
// optional once the views table holds numeric references.
func (a *APICtrl) AddView(w http.ResponseWriter, r *http.Request) {
	data := &HitRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if isBot(r.UserAgent()) {
		render.NoContent(w, r)
		return
	}
	if err := a.checkViewURL(data.url); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if a.Limiter != nil && !a.isAdmin(r) && !a.Limiter.Allow(clientIP(r), data.sitePath) {
		log.Debugf("Page view of %s over the rate limit", data.sitePath)
		render.NoContent(w, r)
		return
	}

	ref := data.ProjectID
	if ref.IsZero() {
		var err error
		if ref, err = a.pathProject(r.Context(), data.sitePath); err != nil {
			render.Render(w, r, ErrStore(err))
			return
		}
	}
	if ref.IsZero() && a.Store.Generation(stor.FamilyViews) != ident.Gen2 {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required project_id")))
		return
	}
	ref, err := a.projectRef(r.Context(), stor.FamilyViews, ref)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	v := &stor.View{Views: 1, ProjectID: ref, SitePath: data.sitePath}
	if err := a.Store.Check(v); err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	a.Queue.AddView(v.ProjectID, v.SitePath, 1)
	a.accepted(w, r)
}

// AddRevenue adds an amount to the revenue of a project.
func (a *APICtrl) AddRevenue(w http.ResponseWriter, r *http.Request) {
	data := &RevenueRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if data.ProjectID.IsZero() {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required project_id")))
		return
	}
	ref, err := a.projectRef(r.Context(), stor.FamilyRevenue, data.ProjectID)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	rv := &stor.Revenue{Money: *data.Amount, ProjectID: ref}
	if err := a.Store.Check(rv); err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	a.Queue.AddRevenue(rv.ProjectID, rv.Money)
	a.accepted(w, r)
}

// checkViewURL accepts absolute urls on an allowed domain or its subdomains.
func (a *APICtrl) checkViewURL(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if !u.IsAbs() || host == "" {
		return errors.New("the page view url must be absolute")
	}
	allowed := a.Config.Views.AllowedDomains
	if len(allowed) == 0 {
		return nil
	}
	for _, d := range allowed {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return errors.New("the page view url is not on an allowed domain")
}

func (a *APICtrl) isAdmin(r *http.Request) bool {
	key := a.Config.Views.AdminKey
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminKeyHeader)), []byte(key)) == 1
}

// clientIP prefers the address set by the CDN in front of the server.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pathProject finds the project of a page such as /mod/{slug}, when the first
// path segment is a configured project path. An unknown slug leaves the view
// without a project.
func (a *APICtrl) pathProject(ctx context.Context, sitePath string) (ident.Ref, error) {
	segments := strings.Split(strings.TrimPrefix(sitePath, "/"), "/")
	if len(segments) < 2 || segments[1] == "" || !slices.Contains(a.Config.Views.ProjectPaths, segments[0]) {
		return ident.Ref{}, nil
	}
	slug := segments[1]
	id, err := a.Directory.Resolve(ctx, slug)
	if errors.Is(err, directory.ErrNotFound) {
		return ident.Ref{}, nil
	}
	if err != nil {
		return ident.Ref{}, err
	}
	if a.Store.Generation(stor.FamilyViews) == ident.Gen1 {
		return ident.Slug(slug), nil
	}
	return ident.Numeric(id), nil
}
