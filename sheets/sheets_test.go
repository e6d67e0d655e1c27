package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/onnwee/mission-tender/donation"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/testutil"
)

var (
	quiet   = slog.New(slog.NewTextHandler(io.Discard, nil))
	fixedAt = time.Date(2025, 3, 7, 21, 5, 0, 0, time.UTC)
)

func strp(s string) *string { return &s }

func sample() []results.Result {
	return []results.Result{
		{
			ID: 2, TemplateName: "노래", DonorID: "foo", DisplayName: "Foo", Amount: 500,
			Kind: donation.KindBalloon, Category: "노래", Completed: true, CreatedAt: fixedAt,
			ChannelURL: strp("https://ch.sooplive.co.kr/foo"), Message: strp("신청곡"),
		},
		{
			ID: 1, TemplateName: "1500개 자동등록", DonorID: "bar", DisplayName: "Bar", Amount: 1500,
			Kind: donation.KindAdBalloon, CreatedAt: fixedAt,
		},
	}
}

func newTestExporter(srv *testutil.MockGoogleServer) *Exporter {
	return NewExporter(
		WithEndpoints(srv.URL+"/", srv.URL+"/drive/v3/", srv.Client()),
		WithClock(func() time.Time { return fixedAt }),
		WithLocation(time.UTC),
		WithLogger(quiet),
	)
}

func TestTitle(t *testing.T) {
	tests := []struct {
		category string
		want     string
	}{
		{"", "MK미션_2025.03.07 21:05"},
		{results.AllCategories, "MK미션_2025.03.07 21:05"},
		{"노래", "MK미션_노래_2025.03.07 21:05"},
	}
	for _, tt := range tests {
		if got := Title(tt.category, fixedAt); got != tt.want {
			t.Errorf("Title(%q) = %q, want %q", tt.category, got, tt.want)
		}
	}
}

func TestRows(t *testing.T) {
	rows := Rows(sample(), time.UTC)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if len(rows[0]) != len(Header) {
		t.Fatalf("row width %d, header width %d", len(rows[0]), len(Header))
	}
	first := rows[0]
	if first[0] != "노래" || first[2] != "별풍선" || first[6] != "https://ch.sooplive.co.kr/foo" ||
		first[7] != "신청곡" || first[8] != "완료" || first[9] != "2025-03-07 21:05:00" || first[10] != true {
		t.Errorf("first row = %v", first)
	}
	second := rows[1]
	if second[0] != "일반" || second[2] != "애드벌룬" || second[6] != "" || second[7] != "" || second[8] != "진행중" {
		t.Errorf("second row = %v", second)
	}
}

func TestFormatRequests(t *testing.T) {
	rows := Rows(sample(), time.UTC)
	reqs := FormatRequests(0, rows)
	// header, checkbox, resize, one per row, link column
	if len(reqs) != 3+len(rows)+1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].RepeatCell.Cell.UserEnteredFormat.HorizontalAlignment != "CENTER" {
		t.Error("header not centered")
	}
	if reqs[1].RepeatCell.Range.EndRowIndex != 3 || reqs[1].RepeatCell.Range.StartColumnIndex != 10 {
		t.Errorf("checkbox range = %+v", reqs[1].RepeatCell.Range)
	}
	if reqs[2].AutoResizeDimensions.Dimensions.EndIndex != 11 {
		t.Error("resize does not cover every column")
	}
	if c := reqs[3].RepeatCell.Cell.UserEnteredFormat.TextFormat.ForegroundColor; c != doneColor {
		t.Error("completed row not red")
	}
	if c := reqs[4].RepeatCell.Cell.UserEnteredFormat.TextFormat.ForegroundColor; c != headerColor {
		t.Error("pending row not green")
	}
}

func TestExport(t *testing.T) {
	srv := testutil.NewMockGoogleServer(t)
	srv.MockSpreadsheet("sheet-1", 0)
	srv.MockPermission("sheet-1")

	out, err := newTestExporter(srv).Export(context.Background(), sample(), "노래")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if out.URL != "https://docs.google.com/spreadsheets/d/sheet-1/edit" || out.Rows != 2 {
		t.Errorf("export = %+v", out)
	}

	created := srv.RequestsTo("POST /v4/spreadsheets")
	if len(created) == 0 {
		t.Fatal("spreadsheet not created")
	}
	var ss struct {
		Properties struct{ Title string }
		Sheets     []struct {
			Properties struct {
				Title          string
				GridProperties struct{ FrozenRowCount int }
			}
		}
	}
	if err := json.Unmarshal(created[0], &ss); err != nil {
		t.Fatal(err)
	}
	if ss.Properties.Title != "MK미션_노래_2025.03.07 21:05" {
		t.Errorf("title = %q", ss.Properties.Title)
	}
	if len(ss.Sheets) != 1 || ss.Sheets[0].Properties.Title != SheetTitle || ss.Sheets[0].Properties.GridProperties.FrozenRowCount != 1 {
		t.Errorf("sheets = %+v", ss.Sheets)
	}

	written := srv.RequestsTo("PUT /v4/spreadsheets/sheet-1/values/")
	if len(written) != 1 {
		t.Fatalf("value writes = %d", len(written))
	}
	var vr struct{ Values [][]any }
	if err := json.Unmarshal(written[0], &vr); err != nil {
		t.Fatal(err)
	}
	if len(vr.Values) != 3 || vr.Values[0][0] != "카테고리" || vr.Values[1][4] != "Foo" {
		t.Errorf("values = %v", vr.Values)
	}

	if n := len(srv.RequestsTo("POST /drive/v3/files/sheet-1/permissions")); n != 1 {
		t.Errorf("permission requests = %d", n)
	}
	if n := len(srv.RequestsTo("POST /v4/spreadsheets/sheet-1:batchUpdate")); n != 1 {
		t.Errorf("batch updates = %d", n)
	}
}

func TestExportNoData(t *testing.T) {
	srv := testutil.NewMockGoogleServer(t)
	if _, err := newTestExporter(srv).Export(context.Background(), nil, ""); !errors.Is(err, ErrNoData) {
		t.Errorf("err = %v, want ErrNoData", err)
	}
	if len(srv.Requests()) != 0 {
		t.Error("empty export reached the API")
	}
}

func TestExportAuthFailure(t *testing.T) {
	srv := testutil.NewMockGoogleServer(t)
	srv.MockError("POST /v4/spreadsheets", http.StatusForbidden)

	_, err := newTestExporter(srv).Export(context.Background(), sample(), "")
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("err = %v, want ErrAuthRequired", err)
	}
}

func TestExportFormattingFailureIsNotFatal(t *testing.T) {
	srv := testutil.NewMockGoogleServer(t)
	srv.MockSpreadsheet("sheet-2", 0)
	srv.MockPermission("sheet-2")
	srv.MockError("POST /v4/spreadsheets/sheet-2:batchUpdate", http.StatusBadRequest)

	if _, err := newTestExporter(srv).Export(context.Background(), sample(), ""); err != nil {
		t.Errorf("Export: %v", err)
	}
}
