package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"syreclabs.com/go/faker"

	"github.com/edrlab/analytics-ledger/pkg/conf"
	"github.com/edrlab/analytics-ledger/pkg/directory"
	"github.com/edrlab/analytics-ledger/pkg/ident"
	"github.com/edrlab/analytics-ledger/pkg/queue"
	"github.com/edrlab/analytics-ledger/pkg/ratelimit"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// Server context
type Server struct {
	Config *conf.Config
	stor.Store
	Queue  *queue.AnalyticsQueue
	Router *chi.Mux
}

// ---
// Utilities
// ---

// newServer sets a server on an isolated in-memory database, with tables
// created in the given generation.
func newServer(t *testing.T, gen ident.Generation) *Server {
	t.Helper()

	s := &Server{}
	s.Config = &conf.Config{
		Dsn: "sqlite3://file:" + uuid.New().String() + "?mode=memory&cache=shared",
		Views: conf.Views{
			AllowedDomains: []string{"example.org"},
			ProjectPaths:   []string{"mod", "plugin"},
			AdminKey:       "admin-key",
		},
	}

	var err error
	s.Store, err = stor.Init(s.Config.Dsn, stor.WithGeneration(gen))
	if err != nil {
		t.Fatalf("Database setup failed: %v", err)
	}
	t.Cleanup(func() { s.Store.Close() })
	s.Queue = queue.New(s.Store, 4)

	dir := directory.Static{"abc123": 7, "def456": 8}
	lim := ratelimit.New("pepper", 5, 2)
	a := NewAPICtrl(s.Config, s.Store, s.Queue, dir, lim)

	// Define the router, authentication is not part of these tests
	r := chi.NewRouter()
	s.Router = r
	r.Use(middleware.RequestID)

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Post("/v1/downloads", a.AddDownload)
		r.Post("/v1/view", a.AddView)
		r.Post("/v1/revenue", a.AddRevenue)
		r.Post("/v1/batch", a.AppendBatch)
		r.Get("/v1/{family}", a.GetReport)

		r.Get("/admin/schema", a.GetSchema)
		r.Get("/admin/worklist", a.ListWorklist)
		r.Get("/admin/indexes", a.ListIndexes)
	})
	r.Get("/v1/{family}/report.csv", a.ReportCSV)

	return s
}

func (s *Server) executeRequest(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)

	return rr
}

func (s *Server) post(t *testing.T, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			t.Fatalf("Marshaling payload failed: %v", err)
		}
	}
	req, _ := http.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return s.executeRequest(req)
}

func (s *Server) get(path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", path, nil)
	return s.executeRequest(req)
}

func checkResponseCode(t *testing.T, expected int, response *httptest.ResponseRecorder) bool {
	ok := true
	if expected != response.Code {
		t.Errorf("Expected response code %d. Got %d\n", expected, response.Code)
		t.Log(response.Body.String())
		ok = false
	}
	return ok
}

// postView sends a page view, with headers or a client address set by prepare.
func (s *Server) postView(t *testing.T, url string, prepare func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(map[string]string{"url": url})
	req, _ := http.NewRequest("POST", "/v1/view", bytes.NewReader(data))
	req.RemoteAddr = "192.0.2.1:52000"
	if prepare != nil {
		prepare(req)
	}
	return s.executeRequest(req)
}

func (s *Server) viewTotal(t *testing.T, f stor.Filter) uint32 {
	t.Helper()
	var total uint32
	for v, err := range s.Store.View().Scan(context.Background(), f) {
		if err != nil {
			t.Fatal(err)
		}
		total += v.Views
	}
	return total
}

func randomPath() string {
	return "/" + faker.Lorem().Characters(10)
}

// ---
// Ingestion Tests
// ---

func TestIngestAndReport(t *testing.T) {
	s := newServer(t, ident.Gen2)
	path := randomPath()

	// the slug is resolved through the directory, the query string is ignored
	for i := 0; i < 3; i++ {
		resp := s.post(t, "/v1/downloads", map[string]interface{}{"url": "https://example.org" + path + "?utm=x", "project_id": "abc123"})
		checkResponseCode(t, http.StatusAccepted, resp)
	}
	resp := s.post(t, "/v1/downloads", map[string]interface{}{"url": "https://example.org/other", "project_id": 8})
	checkResponseCode(t, http.StatusAccepted, resp)
	resp = s.post(t, "/v1/view", map[string]interface{}{"url": "https://example.org" + path})
	checkResponseCode(t, http.StatusAccepted, resp)
	resp = s.post(t, "/v1/revenue", map[string]interface{}{"project_id": 7, "amount": 2.5})
	checkResponseCode(t, http.StatusAccepted, resp)

	if err := s.Queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	resp = s.get("/v1/downloads?project_id=7")
	if !checkResponseCode(t, http.StatusOK, resp) {
		return
	}
	var report ReportResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Bucket != stor.BucketMinute {
		t.Errorf("Expected minute buckets on the default window. Got %s", report.Bucket)
	}
	if len(report.TopValues) != 1 || report.TopValues[0].SitePath != path || report.TopValues[0].Value != 3 {
		t.Fatalf("Unexpected top values %+v", report.TopValues)
	}
	var total float64
	for _, v := range report.TimeSeries {
		total += v.Value
	}
	if total != 3 {
		t.Errorf("Expected a time series total of 3. Got %v", total)
	}

	// the project filter accepts the slug as well
	resp = s.get("/v1/downloads?project_id=def456")
	if checkResponseCode(t, http.StatusOK, resp) {
		if err := json.Unmarshal(resp.Body.Bytes(), &report); err != nil {
			t.Fatal(err)
		}
		if len(report.TopValues) != 1 || report.TopValues[0].SitePath != "/other" {
			t.Errorf("Unexpected top values %+v", report.TopValues)
		}
	}

	views, err := s.Store.View().Count(context.Background(), stor.Filter{Unattributed: true})
	if err != nil {
		t.Fatal(err)
	}
	if views != 1 {
		t.Errorf("Expected one unattributed view. Got %d", views)
	}
}

func TestIngestRefused(t *testing.T) {
	s := newServer(t, ident.Gen2)

	cases := []struct {
		path    string
		payload interface{}
	}{
		{"/v1/downloads", map[string]interface{}{"url": "https://example.org/a"}},
		{"/v1/downloads", map[string]interface{}{"project_id": 7}},
		{"/v1/downloads", map[string]interface{}{"url": "https://example.org/a", "project_id": "zzz999"}},
		{"/v1/downloads", map[string]interface{}{"url": "https://example.org/a", "project_id": "much-too-long-slug"}},
		{"/v1/downloads", `{"url": "https://example.org/a", "project_id": true}`},
		{"/v1/revenue", map[string]interface{}{"project_id": 7}},
		{"/v1/revenue", map[string]interface{}{"amount": 3}},
		{"/v1/revenue", `{"project_id": 7, "amount": "ten"}`},
	}
	for _, c := range cases {
		resp := s.post(t, c.path, c.payload)
		if !checkResponseCode(t, http.StatusBadRequest, resp) {
			t.Logf("payload %v", c.payload)
		}
	}
	if n := s.Queue.Len(); n != 0 {
		t.Errorf("Refused events should not be queued. Got %d", n)
	}
}

func TestIngestRefusedBeforeQueue(t *testing.T) {
	s := newServer(t, ident.Gen2)
	path := randomPath()

	resp := s.post(t, "/v1/view", map[string]interface{}{"url": "https://example.org" + path, "project_id": 7})
	checkResponseCode(t, http.StatusAccepted, resp)
	resp = s.post(t, "/v1/downloads", map[string]interface{}{"url": "https://example.org" + path, "project_id": 7})
	checkResponseCode(t, http.StatusAccepted, resp)

	// refused at once, they cannot hold the valid rows back
	resp = s.post(t, "/v1/view", map[string]interface{}{"url": "https://example.org/" + strings.Repeat("a", 1100)})
	checkResponseCode(t, http.StatusBadRequest, resp)
	resp = s.post(t, "/v1/view", map[string]interface{}{"url": "https://example.org" + path, "project_id": -5})
	checkResponseCode(t, http.StatusBadRequest, resp)
	resp = s.post(t, "/v1/downloads", map[string]interface{}{"url": "https://example.org/" + strings.Repeat("a", 1100), "project_id": 7})
	checkResponseCode(t, http.StatusBadRequest, resp)
	if n := s.Queue.Len(); n != 2 {
		t.Fatalf("Expected two queued rows. Got %d", n)
	}

	if err := s.Queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	n, err := s.Store.Download().Count(context.Background(), stor.Filter{Project: ident.Numeric(7)})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected one stored download. Got %d", n)
	}
	if total := s.viewTotal(t, stor.Filter{Project: ident.Numeric(7)}); total != 1 {
		t.Errorf("Expected one stored view. Got %d", total)
	}
}

func TestViewSafeguards(t *testing.T) {
	s := newServer(t, ident.Gen2)

	resp := s.postView(t, "https://example.org/a", func(r *http.Request) {
		r.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	})
	checkResponseCode(t, http.StatusNoContent, resp)
	resp = s.postView(t, "https://example.org/a", func(r *http.Request) { r.Header.Set("User-Agent", "curl/8.5.0") })
	checkResponseCode(t, http.StatusNoContent, resp)

	for _, url := range []string{"/a", "example.org/a", "https://example.com/a", "https://notexample.org/a", "https://example.org.evil.com/a"} {
		if !checkResponseCode(t, http.StatusBadRequest, s.postView(t, url, nil)) {
			t.Logf("url %s", url)
		}
	}
	if n := s.Queue.Len(); n != 0 {
		t.Fatalf("Expected nothing queued. Got %d", n)
	}

	resp = s.postView(t, "https://docs.EXAMPLE.org/a", func(r *http.Request) {
		r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0")
	})
	checkResponseCode(t, http.StatusAccepted, resp)
}

func TestViewRateLimit(t *testing.T) {
	s := newServer(t, ident.Gen2)
	path := randomPath()

	for i := 0; i < 5; i++ {
		checkResponseCode(t, http.StatusAccepted, s.postView(t, "https://example.org"+path, nil))
	}
	// over the limit, answered but not counted
	checkResponseCode(t, http.StatusNoContent, s.postView(t, "https://example.org"+path, nil))
	resp := s.postView(t, "https://example.org"+path, func(r *http.Request) { r.Header.Set(AdminKeyHeader, "wrong") })
	checkResponseCode(t, http.StatusNoContent, resp)

	// the admin key bypasses the limit
	resp = s.postView(t, "https://example.org"+path, func(r *http.Request) { r.Header.Set(AdminKeyHeader, "admin-key") })
	checkResponseCode(t, http.StatusAccepted, resp)
	// other pages and other clients have their own count
	checkResponseCode(t, http.StatusAccepted, s.postView(t, "https://example.org"+randomPath(), nil))
	resp = s.postView(t, "https://example.org"+path, func(r *http.Request) { r.Header.Set("CF-Connecting-IP", "198.51.100.7") })
	checkResponseCode(t, http.StatusAccepted, resp)

	if err := s.Queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if total := s.viewTotal(t, stor.Filter{Unattributed: true}); total != 8 {
		t.Errorf("Expected 8 counted views. Got %d", total)
	}
}

func TestViewProjectFromPath(t *testing.T) {
	s := newServer(t, ident.Gen2)

	for _, url := range []string{
		"https://example.org/mod/abc123",
		"https://example.org/plugin/abc123/versions",
		"https://example.org/mod/zzz999",
		"https://example.org/blog/abc123",
		"https://example.org/mod",
	} {
		checkResponseCode(t, http.StatusAccepted, s.postView(t, url, nil))
	}
	// a project in the payload wins over the path
	resp := s.post(t, "/v1/view", map[string]interface{}{"url": "https://example.org/mod/abc123/gallery", "project_id": 8})
	checkResponseCode(t, http.StatusAccepted, resp)

	if err := s.Queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if total := s.viewTotal(t, stor.Filter{Project: ident.Numeric(7)}); total != 2 {
		t.Errorf("Expected two views of project 7. Got %d", total)
	}
	if total := s.viewTotal(t, stor.Filter{Project: ident.Numeric(8)}); total != 1 {
		t.Errorf("Expected one view of project 8. Got %d", total)
	}
	if total := s.viewTotal(t, stor.Filter{Unattributed: true}); total != 3 {
		t.Errorf("Expected three unattributed views. Got %d", total)
	}

	// slugs are kept as such while the table stores them
	s = newServer(t, ident.Gen1)
	checkResponseCode(t, http.StatusAccepted, s.postView(t, "https://example.org/mod/abc123", nil))
	checkResponseCode(t, http.StatusBadRequest, s.postView(t, "https://example.org/mod/zzz999", nil))
	if err := s.Queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if total := s.viewTotal(t, stor.Filter{Project: ident.Slug("abc123")}); total != 1 {
		t.Errorf("Expected one view of abc123. Got %d", total)
	}
}

func TestIngestFirstGeneration(t *testing.T) {
	s := newServer(t, ident.Gen1)
	path := randomPath()

	// views need a project while the table stores slugs
	resp := s.post(t, "/v1/view", map[string]interface{}{"url": "https://example.org" + path})
	checkResponseCode(t, http.StatusBadRequest, resp)

	// numeric ids cannot be stored as slugs
	resp = s.post(t, "/v1/downloads", map[string]interface{}{"url": "https://example.org" + path, "project_id": 7})
	checkResponseCode(t, http.StatusBadRequest, resp)

	resp = s.post(t, "/v1/view", map[string]interface{}{"url": "https://example.org" + path, "project_id": "abc123"})
	checkResponseCode(t, http.StatusAccepted, resp)
	if err := s.Queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	resp = s.get("/v1/views?project_id=abc123")
	if checkResponseCode(t, http.StatusOK, resp) {
		var report ReportResponse
		if err := json.Unmarshal(resp.Body.Bytes(), &report); err != nil {
			t.Fatal(err)
		}
		if len(report.TopValues) != 1 || report.TopValues[0].SitePath != path {
			t.Errorf("Unexpected top values %+v", report.TopValues)
		}
	}
}

// ---
// Batch Tests
// ---

func TestAppendBatch(t *testing.T) {
	s := newServer(t, ident.Gen2)

	payload := `{
		"downloads": [
			{"recorded": "2026-03-02T10:00:00Z", "downloads": 4, "project_id": "abc123", "site_path": "/a"},
			{"recorded": "2026-03-03T10:00:00Z", "downloads": 1, "project_id": 8, "site_path": "/b"}
		],
		"views": [{"views": 2, "project_id": null, "site_path": "/"}],
		"revenue": [{"recorded": "2026-03-02T12:00:00+02:00", "money": 9.99, "project_id": 7}]
	}`
	resp := s.post(t, "/v1/batch", payload)
	if checkResponseCode(t, http.StatusCreated, resp) {
		var out BatchResponse
		if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if out.Downloads != 2 || out.Views != 1 || out.Revenue != 1 {
			t.Errorf("Unexpected counts %+v", out)
		}
	}

	n, err := s.Store.Download().Count(context.Background(), stor.Filter{Project: ident.Numeric(7)})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected the slug to be resolved to project 7. Got %d rows", n)
	}
}

func TestAppendBatchRefused(t *testing.T) {
	s := newServer(t, ident.Gen2)

	cases := []string{
		`{}`,
		`[]`,
		`{"downloads": [{"downloads": 1, "project_id": 7}]}`,
		`{"downloads": [{"downloads": 1, "project_id": 7, "site_path": "/a", "extra": 1}]}`,
		`{"downloads": [{"downloads": -1, "project_id": 7, "site_path": "/a"}]}`,
		`{"revenue": [{"money": 1, "project_id": false}]}`,
		`{"views": [{"views": 1, "site_path": "/a"}], "clicks": []}`,
		// one unknown slug refuses the whole batch
		`{"downloads": [{"downloads": 1, "project_id": 7, "site_path": "/a"}, {"downloads": 1, "project_id": "zzz999", "site_path": "/a"}]}`,
	}
	for _, payload := range cases {
		resp := s.post(t, "/v1/batch", payload)
		if !checkResponseCode(t, http.StatusBadRequest, resp) {
			t.Logf("payload %s", payload)
		}
	}

	n, err := s.Store.Download().Count(context.Background(), stor.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Refused batches should not be written. Got %d rows", n)
	}
}

// ---
// Report Tests
// ---

func TestReportRefused(t *testing.T) {
	s := newServer(t, ident.Gen2)

	paths := []string{
		"/v1/clicks",
		"/v1/downloads?start_date=2026-03-08&end_date=2026-03-01",
		"/v1/downloads?start_date=2026-03-01T10:00:00Z&end_date=2026-03-01T10:01:00Z",
		"/v1/downloads?start_date=yesterday",
		"/v1/downloads?project_id=zzz999",
	}
	for _, path := range paths {
		resp := s.get(path)
		if !checkResponseCode(t, http.StatusBadRequest, resp) {
			t.Logf("path %s", path)
		}
	}
}

func TestReportCSV(t *testing.T) {
	s := newServer(t, ident.Gen2)

	payload := `{
		"downloads": [
			{"recorded": "2026-03-03T10:00:00Z", "downloads": 1, "project_id": 8, "site_path": "/b"},
			{"recorded": "2026-03-02T10:00:00Z", "downloads": 4, "project_id": 7, "site_path": "/a"},
			{"recorded": "2026-02-02T10:00:00Z", "downloads": 4, "project_id": 7, "site_path": "/old"}
		]
	}`
	resp := s.post(t, "/v1/batch", payload)
	if !checkResponseCode(t, http.StatusCreated, resp) {
		return
	}

	resp = s.get("/v1/downloads/report.csv?start_date=2026-03-01&end_date=2026-03-08")
	if !checkResponseCode(t, http.StatusOK, resp) {
		return
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Expected a csv content type. Got %s", ct)
	}
	records, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected a header and two rows. Got %v", records)
	}
	if strings.Join(records[0], ",") != "ID,Recorded,ProjectID,SitePath,Value" {
		t.Errorf("Unexpected header %v", records[0])
	}
	// rows are sorted by recording time
	if records[1][1] != "2026-03-02T10:00:00Z" || records[1][2] != "7" || records[1][3] != "/a" || records[1][4] != "4" {
		t.Errorf("Unexpected first row %v", records[1])
	}
	if records[2][3] != "/b" {
		t.Errorf("Unexpected second row %v", records[2])
	}
}

// ---
// Admin Tests
// ---

func TestAdminSchema(t *testing.T) {
	s := newServer(t, ident.Gen1)

	resp := s.get("/admin/schema")
	if !checkResponseCode(t, http.StatusOK, resp) {
		return
	}
	var states []TableStateResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &states); err != nil {
		t.Fatal(err)
	}
	if len(states) != len(stor.Families) {
		t.Fatalf("Expected %d tables. Got %d", len(stor.Families), len(states))
	}
	for _, st := range states {
		if st.Phase != "generation-1" {
			t.Errorf("Table %s is %s, expected generation-1", st.Table, st.Phase)
		}
	}

	resp = s.get("/admin/worklist")
	if checkResponseCode(t, http.StatusOK, resp) {
		if body := resp.Body.String(); strings.TrimSpace(body) != "[]" {
			t.Errorf("Expected an empty array. Got %s", body)
		}
	}
}

func TestAdminIndexes(t *testing.T) {
	s := newServer(t, ident.Gen2)

	resp := s.get("/admin/indexes")
	if !checkResponseCode(t, http.StatusOK, resp) {
		return
	}
	var indexes []stor.IndexStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &indexes); err != nil {
		t.Fatal(err)
	}
	if len(indexes) != 2*len(stor.Families) {
		t.Fatalf("Expected two indexes per table. Got %d", len(indexes))
	}
	for _, ix := range indexes {
		if !ix.Present {
			t.Errorf("Index %s is missing", ix.Name)
		}
	}
}
