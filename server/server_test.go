package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/onnwee/mission-tender/auth"
	"github.com/onnwee/mission-tender/engine"
	"github.com/onnwee/mission-tender/ingest"
	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/sheets"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource struct {
	mu         sync.Mutex
	status     ingest.Status
	reconnects int
	err        error
}

func (f *fakeSource) Status() ingest.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) Reconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return f.err
}

func (f *fakeSource) SetStreamer(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.status.StreamerID = id
	return nil
}

type fakeExporter struct {
	rows     int
	category string
	err      error
}

func (f *fakeExporter) Export(_ context.Context, rs []results.Result, category string) (sheets.Export, error) {
	if len(rs) == 0 {
		return sheets.Export{}, sheets.ErrNoData
	}
	if f.err != nil {
		return sheets.Export{}, f.err
	}
	f.rows, f.category = len(rs), category
	return sheets.Export{URL: "https://docs.google.com/spreadsheets/d/x/edit", Rows: len(rs)}, nil
}

type testEnv struct {
	t        *testing.T
	eng      *engine.Engine
	hub      *Hub
	guard    *auth.Guard
	source   *fakeSource
	exporter *fakeExporter
	handler  http.Handler
	token    string
}

func newTestEnv(t *testing.T, tune ...func(*Deps, *Options)) *testEnv {
	t.Helper()
	hub := NewHub(WithHubLogger(quiet))
	go hub.Run()
	t.Cleanup(hub.Stop)

	guard, _, err := auth.Load(filepath.Join(t.TempDir(), ".env"), "letmein", auth.WithSecret([]byte("k")), auth.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		t:        t,
		eng:      engine.New(engine.WithListener(hub), engine.WithLogger(quiet)),
		hub:      hub,
		guard:    guard,
		source:   &fakeSource{status: ingest.Status{State: ingest.StateConnected, StreamerID: "phonics1", Source: "soop"}},
		exporter: &fakeExporter{},
		token:    guard.Token(),
	}
	d := Deps{Engine: env.eng, Hub: hub, Auth: guard, Source: env.source, Exporter: env.exporter, Logger: quiet}
	o := Options{CORSPermissive: true, RateLimitEnabled: true, RateLimitRequests: 100}
	for _, fn := range tune {
		fn(&d, &o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.handler = NewMux(ctx, d, o)
	return env
}

func (e *testEnv) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if authed {
		req.Header.Set("X-Auth", e.token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/api/auth", map[string]string{"password": "nope"}, false)
	var resp okResponse
	decode(t, rr, &resp)
	if rr.Code != http.StatusUnauthorized || resp.OK || resp.Error != "비밀번호가 틀렸습니다" {
		t.Errorf("wrong password: %d %+v", rr.Code, resp)
	}

	rr = env.do("POST", "/api/auth", map[string]string{"password": "letmein"}, false)
	decode(t, rr, &resp)
	if rr.Code != http.StatusOK || !resp.OK || resp.Token != env.token {
		t.Errorf("right password: %d %+v", rr.Code, resp)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	routes := []string{
		"/api/templates", "/api/templates/update", "/api/templates/delete", "/api/templates/toggle",
		"/api/auto-threshold", "/api/results/reset", "/api/config", "/api/reconnect",
		"/api/export-sheets", "/api/change-password", "/api/roster/start", "/api/roster/stop",
		"/api/roster/reset", "/api/simulate",
	}
	for _, path := range routes {
		rr := env.do("POST", path, "{}", false)
		var resp okResponse
		decode(t, rr, &resp)
		if rr.Code != http.StatusUnauthorized || resp.Error != msgAuthRequired {
			t.Errorf("POST %s without token: %d %+v", path, rr.Code, resp)
		}
	}
	if rr := env.do("GET", "/api/templates", nil, false); rr.Code != http.StatusOK {
		t.Errorf("GET /api/templates = %d, reads are public", rr.Code)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/api/change-password", map[string]string{"newPassword": "abc"}, true)
	var resp okResponse
	decode(t, rr, &resp)
	if rr.Code != http.StatusBadRequest || resp.Error != "4자 이상 입력" {
		t.Errorf("short password: %d %+v", rr.Code, resp)
	}

	rr = env.do("POST", "/api/change-password", map[string]string{"newPassword": "hunter22"}, true)
	decode(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Token == "" || resp.Token == env.token {
		t.Fatalf("change: %d %+v", rr.Code, resp)
	}
	if rr := env.do("POST", "/api/results/reset", nil, true); rr.Code != http.StatusUnauthorized {
		t.Errorf("old token still accepted: %d", rr.Code)
	}
}

func addTemplate(t *testing.T, env *testEnv, body map[string]any) mission.Template {
	t.Helper()
	rr := env.do("POST", "/api/templates", body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("add template: %d %s", rr.Code, rr.Body)
	}
	var resp struct {
		Template mission.Template `json:"template"`
	}
	decode(t, rr, &resp)
	return resp.Template
}

func TestTemplateLifecycle(t *testing.T) {
	env := newTestEnv(t)

	tpl := addTemplate(t, env, map[string]any{"name": "노래", "starCount": "500"})
	if tpl.StarCount != 500 || !tpl.CollectDomain || tpl.CollectMessage || !tpl.Active || tpl.Category != mission.DefaultCategory {
		t.Errorf("defaults not applied: %+v", tpl)
	}
	off := addTemplate(t, env, map[string]any{"starCount": 1000, "collectDomain": false, "collectMessage": true})
	if off.CollectDomain || !off.CollectMessage || off.Name != mission.DefaultName {
		t.Errorf("explicit flags ignored: %+v", off)
	}

	var list []mission.Template
	decode(t, env.do("GET", "/api/templates", nil, false), &list)
	if len(list) != 2 || list[0].StarCount != 1000 {
		t.Errorf("templates not sorted by starCount: %+v", list)
	}

	rr := env.do("POST", "/api/templates/update", map[string]any{"id": tpl.ID, "category": "노래"}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body)
	}
	rr = env.do("POST", "/api/templates/toggle", map[string]any{"id": strconv.FormatInt(tpl.ID, 10)}, true)
	var toggled struct {
		Template mission.Template `json:"template"`
	}
	decode(t, rr, &toggled)
	if toggled.Template.Active || toggled.Template.Category != "노래" {
		t.Errorf("toggle/update: %+v", toggled.Template)
	}

	if rr := env.do("POST", "/api/templates/update", map[string]any{"id": tpl.ID, "eventType": "bogus"}, true); rr.Code != http.StatusBadRequest {
		t.Errorf("bad event type = %d", rr.Code)
	}
	if rr := env.do("POST", "/api/templates/delete", map[string]any{"id": tpl.ID}, true); rr.Code != http.StatusOK {
		t.Errorf("delete = %d", rr.Code)
	}
	if rr := env.do("POST", "/api/templates/delete", map[string]any{"id": tpl.ID}, true); rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
	if rr := env.do("POST", "/api/templates", "{not json", true); rr.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d", rr.Code)
	}
}

func TestAutoThreshold(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do("POST", "/api/auto-threshold", map[string]any{"value": "1500"}, true); rr.Code != http.StatusOK {
		t.Fatalf("set: %d", rr.Code)
	}
	var got struct{ Value int }
	decode(t, env.do("GET", "/api/auto-threshold", nil, false), &got)
	if got.Value != 1500 {
		t.Errorf("threshold = %d", got.Value)
	}
	var cfg struct {
		StreamerID    string `json:"streamerId"`
		AutoThreshold int    `json:"autoThreshold"`
	}
	decode(t, env.do("GET", "/api/config", nil, false), &cfg)
	if cfg.StreamerID != "phonics1" || cfg.AutoThreshold != 1500 {
		t.Errorf("config = %+v", cfg)
	}
}

func simulate(t *testing.T, env *testEnv, body map[string]any) *results.Result {
	t.Helper()
	rr := env.do("POST", "/api/simulate", body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("simulate: %d %s", rr.Code, rr.Body)
	}
	var resp struct {
		Result *results.Result `json:"result"`
	}
	decode(t, rr, &resp)
	return resp.Result
}

func TestResultsFlow(t *testing.T) {
	env := newTestEnv(t)
	addTemplate(t, env, map[string]any{"name": "노래", "starCount": 500, "collectMessage": true, "category": "노래"})
	addTemplate(t, env, map[string]any{"name": "댄스", "starCount": 300})

	first := simulate(t, env, map[string]any{"userId": "foo(2)", "userNickname": "Foo", "amount": "500", "type": "balloon", "message": "신청곡"})
	if first == nil || first.TemplateName != "노래" || first.DonorID != "foo" || first.Message == nil || *first.Message != "신청곡" {
		t.Fatalf("first result = %+v", first)
	}
	second := simulate(t, env, map[string]any{"userId": "bar", "amount": 300})
	if second == nil {
		t.Fatal("no result for 300")
	}
	if none := simulate(t, env, map[string]any{"userId": "baz", "amount": 7}); none != nil {
		t.Errorf("unmatched amount produced %+v", none)
	}
	if rr := env.do("POST", "/api/simulate", map[string]any{"amount": 500}, true); rr.Code != http.StatusBadRequest {
		t.Errorf("simulate without userId = %d", rr.Code)
	}

	var filtered struct {
		Results    []results.Result `json:"results"`
		Categories []string         `json:"categories"`
	}
	decode(t, env.do("GET", "/api/results/filter?category="+url.QueryEscape("노래"), nil, false), &filtered)
	if len(filtered.Results) != 1 || len(filtered.Categories) != 2 {
		t.Errorf("filter = %+v", filtered)
	}
	decode(t, env.do("GET", "/api/results/filter?category="+url.QueryEscape(results.AllCategories), nil, false), &filtered)
	if len(filtered.Results) != 2 {
		t.Errorf("전체 filter returned %d", len(filtered.Results))
	}

	// toggle, memo and delete are open to dashboard viewers
	rr := env.do("POST", "/api/results/toggle", map[string]any{"id": first.ID}, false)
	var updated struct {
		Result results.Result `json:"result"`
	}
	decode(t, rr, &updated)
	if !updated.Result.Completed {
		t.Error("toggle did not complete the result")
	}
	decode(t, env.do("POST", "/api/results/memo", map[string]any{"id": first.ID, "message": "메모"}, false), &updated)
	if updated.Result.Message == nil || *updated.Result.Message != "메모" {
		t.Errorf("memo = %v", updated.Result.Message)
	}
	if rr := env.do("POST", "/api/results/delete", map[string]any{"id": second.ID}, false); rr.Code != http.StatusOK {
		t.Errorf("delete = %d", rr.Code)
	}
	if rr := env.do("POST", "/api/results/toggle", map[string]any{"id": second.ID}, false); rr.Code != http.StatusNotFound {
		t.Errorf("toggle deleted = %d", rr.Code)
	}

	var list []results.Result
	decode(t, env.do("GET", "/api/results", nil, false), &list)
	if len(list) != 1 {
		t.Errorf("results = %d", len(list))
	}
	env.do("POST", "/api/results/reset", nil, true)
	decode(t, env.do("GET", "/api/results", nil, false), &list)
	if len(list) != 0 {
		t.Errorf("results after reset = %d", len(list))
	}
}

func TestExportSheets(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/api/export-sheets", nil, true)
	var resp okResponse
	decode(t, rr, &resp)
	if rr.Code != http.StatusBadRequest || resp.Error != sheets.ErrNoData.Error() {
		t.Errorf("empty export: %d %+v", rr.Code, resp)
	}

	env.do("POST", "/api/auto-threshold", map[string]any{"value": 100}, true)
	simulate(t, env, map[string]any{"userId": "foo", "amount": 100})
	rr = env.do("POST", "/api/export-sheets", map[string]any{"category": results.AllCategories}, true)
	decode(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.URL == "" || env.exporter.rows != 1 || env.exporter.category != results.AllCategories {
		t.Errorf("export: %d %+v rows=%d", rr.Code, resp, env.exporter.rows)
	}

	env.exporter.err = sheets.ErrAuthRequired
	rr = env.do("POST", "/api/export-sheets", nil, true)
	decode(t, rr, &resp)
	if rr.Code != http.StatusInternalServerError || resp.Error != sheets.ErrAuthRequired.Error() {
		t.Errorf("auth failure: %d %+v", rr.Code, resp)
	}
}

func TestExportSheetsNotConfigured(t *testing.T) {
	env := newTestEnv(t, func(d *Deps, _ *Options) { d.Exporter = nil })
	if rr := env.do("POST", "/api/export-sheets", nil, true); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("export without exporter = %d", rr.Code)
	}
}

func TestRoster(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do("POST", "/api/roster/start", map[string]any{"threshold": "100", "multiplier": 2, "allowedKinds": []string{"balloon"}}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rr.Code, rr.Body)
	}
	simulate(t, env, map[string]any{"userId": "foo", "amount": 300})
	simulate(t, env, map[string]any{"userId": "bar", "amount": 250})

	var got struct {
		Status struct {
			Active     bool `json:"active"`
			EntryCount int  `json:"entryCount"`
		} `json:"status"`
		Entries []struct {
			Units      int `json:"units"`
			EntryCount int `json:"entryCount"`
		} `json:"entries"`
	}
	decode(t, env.do("GET", "/api/roster", nil, false), &got)
	if !got.Status.Active || len(got.Entries) != 1 || got.Entries[0].Units != 3 || got.Entries[0].EntryCount != 6 {
		t.Errorf("roster = %+v", got)
	}

	if rr := env.do("POST", "/api/roster/start", map[string]any{"threshold": 0}, true); rr.Code != http.StatusBadRequest {
		t.Errorf("zero threshold = %d", rr.Code)
	}
	env.do("POST", "/api/roster/stop", nil, true)
	env.do("POST", "/api/roster/reset", nil, true)
	decode(t, env.do("GET", "/api/roster", nil, false), &got)
	if got.Status.Active || len(got.Entries) != 0 {
		t.Errorf("roster after reset = %+v", got)
	}
}

func TestConfigAndReconnect(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do("POST", "/api/config", map[string]any{"streamerId": " other "}, true); rr.Code != http.StatusOK {
		t.Fatalf("config: %d", rr.Code)
	}
	if env.source.Status().StreamerID != "other" {
		t.Errorf("streamer = %q", env.source.Status().StreamerID)
	}
	if rr := env.do("POST", "/api/config", map[string]any{}, true); rr.Code != http.StatusOK || env.source.Status().StreamerID != "other" {
		t.Error("config without streamerId changed the streamer")
	}
	if rr := env.do("POST", "/api/reconnect", nil, true); rr.Code != http.StatusOK || env.source.reconnects != 1 {
		t.Errorf("reconnect: %d count %d", rr.Code, env.source.reconnects)
	}
	env.source.err = ingest.ErrNotRunning
	if rr := env.do("POST", "/api/reconnect", nil, true); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("reconnect while stopped = %d", rr.Code)
	}
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, func(d *Deps, _ *Options) {
		d.Ready = func(context.Context) error { return errors.New("disk gone") }
	})
	if rr := env.do("GET", "/healthz", nil, false); rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rr.Code, rr.Body)
	}
	rr := env.do("GET", "/readyz", nil, false)
	var ready map[string]string
	decode(t, rr, &ready)
	if rr.Code != http.StatusServiceUnavailable || ready["failed_check"] != "store" {
		t.Errorf("readyz = %d %v", rr.Code, ready)
	}

	var status struct {
		Connection ingest.Status `json:"connection"`
		Results    int           `json:"results"`
	}
	decode(t, env.do("GET", "/status", nil, false), &status)
	if status.Connection.State != ingest.StateConnected {
		t.Errorf("status = %+v", status)
	}
	if rr := env.do("GET", "/api/packets/unknown", nil, false); rr.Code != http.StatusOK {
		t.Errorf("unknown packets = %d", rr.Code)
	}
	if rr := env.do("GET", "/metrics", nil, false); rr.Code != http.StatusOK {
		t.Errorf("metrics = %d", rr.Code)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Header().Get("X-Correlation-ID") != "corr-123" {
		t.Errorf("correlation id not echoed: %q", rr.Header().Get("X-Correlation-ID"))
	}

	rr = env.do("GET", "/healthz", nil, false)
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("correlation id not generated")
	}
}

func TestAuthIsRateLimited(t *testing.T) {
	env := newTestEnv(t, func(_ *Deps, o *Options) { o.RateLimitRequests = 2 })
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do("POST", "/api/auth", map[string]string{"password": "nope"}, false).Code)
	}
	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusUnauthorized || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}
