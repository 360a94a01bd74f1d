// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// defaultWindow is the reporting window when no start date is given.
const defaultWindow = 7 * 24 * time.Hour

// ReportResponse is the dashboard data of an event table.
type ReportResponse struct {
	Table      stor.Family            `json:"table"`
	Bucket     stor.Bucket            `json:"bucket"`
	Start      time.Time              `json:"start_date"`
	End        time.Time              `json:"end_date"`
	TopValues  []stor.TopValue        `json:"top_values"`
	TimeSeries []stor.TimeSeriesValue `json:"time_series"`
}

// Render processes responses before marshalling.
func (rr *ReportResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// parseDate accepts an RFC 3339 timestamp or a plain date.
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

// reportFilter reads the table and the filter of a reporting request.
func (a *APICtrl) reportFilter(r *http.Request) (stor.Family, stor.Filter, error) {
	var flt stor.Filter
	family, err := stor.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		return family, flt, &stor.ValidationError{Field: "table", Reason: err.Error()}
	}

	q := r.URL.Query()
	flt.To = time.Now().UTC()
	if v := q.Get("end_date"); v != "" {
		if flt.To, err = parseDate(v); err != nil {
			return family, flt, &stor.ValidationError{Field: "end_date", Reason: "is not a date"}
		}
	}
	flt.From = flt.To.Add(-defaultWindow)
	if v := q.Get("start_date"); v != "" {
		if flt.From, err = parseDate(v); err != nil {
			return family, flt, &stor.ValidationError{Field: "start_date", Reason: "is not a date"}
		}
	}
	if flt.From.After(flt.To) {
		return family, flt, &stor.ValidationError{Field: "start_date", Reason: "is after end_date"}
	}

	flt.Project, err = a.queryRef(r.Context(), family, q.Get("project_id"))
	return family, flt, err
}

// GetReport returns the top site paths and the time series of an event table.
func (a *APICtrl) GetReport(w http.ResponseWriter, r *http.Request) {
	family, flt, err := a.reportFilter(r)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	bucket, err := stor.BucketFor(flt.From, flt.To)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}

	top, err := a.Store.Report().TopSitePaths(r.Context(), family, flt, stor.DefaultTopLimit)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	series, err := a.Store.Report().TimeSeries(r.Context(), family, flt, bucket)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}

	resp := &ReportResponse{
		Table:      family,
		Bucket:     bucket,
		Start:      flt.From,
		End:        flt.To,
		TopValues:  top,
		TimeSeries: series,
	}
	if err := render.Render(w, r, resp); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// ReportCSV exports the rows of an event table as CSV.
func (a *APICtrl) ReportCSV(w http.ResponseWriter, r *http.Request) {
	family, flt, err := a.reportFilter(r)
	if err != nil {
		render.Render(w, r, ErrStore(err))
		return
	}
	flt.Sorted = true

	// Set CSV headers
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	period := flt.From.Format("2006-01-02") + "_" + flt.To.Format("2006-01-02")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s-report-%s.csv\"", family, url.QueryEscape(period)))

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	header := []string{"ID", "Recorded", "ProjectID", "SitePath", "Value"}
	if err := csvWriter.Write(header); err != nil {
		log.Errorf("Error writing CSV header: %v", err)
		return
	}

	write := func(id uint64, recorded time.Time, project, sitePath, value string) bool {
		record := []string{strconv.FormatUint(id, 10), formatTime(recorded), project, sitePath, value}
		if err := csvWriter.Write(record); err != nil {
			log.Errorf("Error writing CSV record: %v", err)
			return false
		}
		return true
	}

	// headers are sent with the first flush, a scan failure can only end the export
	switch family {
	case stor.FamilyDownloads:
		for d, err := range a.Store.Download().Scan(r.Context(), flt) {
			if err != nil {
				log.Errorf("Error scanning downloads: %v", err)
				return
			}
			if !write(d.ID, d.Recorded, d.ProjectID.String(), d.SitePath, strconv.FormatUint(uint64(d.Downloads), 10)) {
				return
			}
		}
	case stor.FamilyViews:
		for v, err := range a.Store.View().Scan(r.Context(), flt) {
			if err != nil {
				log.Errorf("Error scanning views: %v", err)
				return
			}
			if !write(v.ID, v.Recorded, v.ProjectID.String(), v.SitePath, strconv.FormatUint(uint64(v.Views), 10)) {
				return
			}
		}
	case stor.FamilyRevenue:
		for rv, err := range a.Store.Revenue().Scan(r.Context(), flt) {
			if err != nil {
				log.Errorf("Error scanning revenue: %v", err)
				return
			}
			if !write(rv.ID, rv.Recorded, rv.ProjectID.String(), "", strconv.FormatFloat(rv.Money, 'f', -1, 64)) {
				return
			}
		}
	}
}

// formatTime formats a time to ISO 8601
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}
