// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"context"
	"fmt"
	"time"
)

// Bucket is the time granularity of a series.
type Bucket string

const (
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
	BucketWeek   Bucket = "week"
	BucketMonth  Bucket = "month"
)

// DefaultTopLimit is the number of site paths returned by TopSitePaths.
const DefaultTopLimit = 15

// TopValue is the total of a site path.
type TopValue struct {
	Value    float64 `json:"value"`
	SitePath string  `json:"site_path"`
}

// TimeSeriesValue is the total of a time bucket.
type TimeSeriesValue struct {
	Value    float64   `json:"value"`
	Recorded time.Time `json:"recorded"`
}

const day = 24 * time.Hour

// BucketFor selects the granularity suited to a reporting window.
func BucketFor(from, to time.Time) (Bucket, error) {
	interval := to.Sub(from)
	switch {
	case interval < 300*time.Second:
		return "", &ValidationError{Field: "window", Reason: "must span at least five minutes"}
	case interval > 270*day:
		return BucketMonth, nil
	case interval > 90*day:
		return BucketWeek, nil
	case interval > 30*day:
		return BucketDay, nil
	case interval > 7*day:
		return BucketHour, nil
	}
	return BucketMinute, nil
}

// Truncate returns the start of the bucket holding t, in UTC.
// Weeks start on Monday.
func (b Bucket) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch b {
	case BucketMinute:
		return t.Truncate(time.Minute)
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case BucketWeek:
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, -((int(d.Weekday()) + 6) % 7))
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// countColumn is the summed column of the families which have site paths.
var countColumn = map[Family]string{
	FamilyDownloads: "downloads",
	FamilyViews:     "views",
}

// TopSitePaths returns the site paths with the highest totals
func (s *reportStore) TopSitePaths(ctx context.Context, f Family, flt Filter, limit int) ([]TopValue, error) {
	column, ok := countColumn[f]
	if !ok {
		// revenue is not split by site path
		return []TopValue{}, nil
	}
	if limit <= 0 {
		limit = DefaultTopLimit
	}

	st := (*dbStore)(s)
	st.mu.RLock()
	defer st.mu.RUnlock()

	q, err := st.filtered(ctx, f, flt, st.states[f].Generation)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		SitePath string
		Total    float64
	}
	err = q.Select(fmt.Sprintf("site_path, SUM(%s) AS total", column)).
		Group("site_path").Order("total DESC").Order("site_path ASC").
		Limit(limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	values := make([]TopValue, 0, len(rows))
	for _, r := range rows {
		values = append(values, TopValue{Value: r.Total, SitePath: r.SitePath})
	}
	return values, nil
}

// bucketExprs format the start of the bucket holding the recorded column as
// "YYYY-MM-DD HH:MM:SS" in UTC, per dialect. Weeks start on Monday.
var bucketExprs = map[string]map[Bucket]string{
	"sqlite3": {
		BucketMinute: "strftime('%Y-%m-%d %H:%M:00', recorded)",
		BucketHour:   "strftime('%Y-%m-%d %H:00:00', recorded)",
		BucketDay:    "strftime('%Y-%m-%d 00:00:00', recorded)",
		BucketWeek:   "strftime('%Y-%m-%d 00:00:00', recorded, 'weekday 0', '-6 days')",
		BucketMonth:  "strftime('%Y-%m-01 00:00:00', recorded)",
	},
	"mysql": {
		BucketMinute: "DATE_FORMAT(recorded, '%Y-%m-%d %H:%i:00')",
		BucketHour:   "DATE_FORMAT(recorded, '%Y-%m-%d %H:00:00')",
		BucketDay:    "DATE_FORMAT(recorded, '%Y-%m-%d 00:00:00')",
		BucketWeek:   "DATE_FORMAT(DATE(recorded) - INTERVAL WEEKDAY(recorded) DAY, '%Y-%m-%d 00:00:00')",
		BucketMonth:  "DATE_FORMAT(recorded, '%Y-%m-01 00:00:00')",
	},
	"postgres": {
		BucketMinute: "to_char(date_trunc('minute', recorded AT TIME ZONE 'UTC'), 'YYYY-MM-DD HH24:MI:SS')",
		BucketHour:   "to_char(date_trunc('hour', recorded AT TIME ZONE 'UTC'), 'YYYY-MM-DD HH24:MI:SS')",
		BucketDay:    "to_char(date_trunc('day', recorded AT TIME ZONE 'UTC'), 'YYYY-MM-DD HH24:MI:SS')",
		BucketWeek:   "to_char(date_trunc('week', recorded AT TIME ZONE 'UTC'), 'YYYY-MM-DD HH24:MI:SS')",
		BucketMonth:  "to_char(date_trunc('month', recorded AT TIME ZONE 'UTC'), 'YYYY-MM-DD HH24:MI:SS')",
	},
}

// sumColumn is the summed column of each family.
var sumColumn = map[Family]string{
	FamilyDownloads: "downloads",
	FamilyViews:     "views",
	FamilyRevenue:   "money",
}

// TimeSeries sums the values of the rows per time bucket, in ascending order.
// Rows are grouped by the database, buckets match Bucket.Truncate.
func (s *reportStore) TimeSeries(ctx context.Context, f Family, flt Filter, b Bucket) ([]TimeSeriesValue, error) {
	column, ok := sumColumn[f]
	if !ok {
		return nil, fmt.Errorf("unknown event table %q", f)
	}

	st := (*dbStore)(s)
	expr, ok := bucketExprs[st.dialect][b]
	if !ok {
		return nil, &ValidationError{Table: f, Field: "bucket", Reason: fmt.Sprintf("%q is not a bucket of %s", b, st.dialect)}
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	q, err := st.filtered(ctx, f, flt, st.states[f].Generation)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Bucket string
		Total  float64
	}
	err = q.Select(fmt.Sprintf("%s AS bucket, SUM(%s) AS total", expr, column)).
		Group("bucket").Order("bucket ASC").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	series := make([]TimeSeriesValue, 0, len(rows))
	for _, r := range rows {
		recorded, err := time.Parse(time.DateTime, r.Bucket)
		if err != nil {
			return nil, fmt.Errorf("invalid bucket %q: %w", r.Bucket, err)
		}
		series = append(series, TimeSeriesValue{Value: r.Total, Recorded: recorded})
	}
	return series, nil
}
