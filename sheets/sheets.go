// Package sheets exports mission results to a new Google spreadsheet that is
// shared with anyone holding the link.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/telemetry"
)

const (
	// SheetTitle is the title of the only sheet in an export.
	SheetTitle = "미션 결과"
	// TitlePrefix starts every spreadsheet title.
	TitlePrefix = "MK미션"

	statusDone    = "완료"
	statusPending = "진행중"

	statusColumn  = 8
	linkColumn    = 6
	checkColumn   = 10
	columnCount   = 11
	timeLayout    = "2006-01-02 15:04:05"
	titleTimeForm = "2006.01.02 15:04"
)

var (
	// Scopes are the OAuth scopes the export needs.
	Scopes = []string{sheetsapi.SpreadsheetsScope, drive.DriveScope}

	// ErrNoData is returned when there is nothing to export.
	ErrNoData = errors.New("추출할 데이터가 없습니다")
	// ErrAuthRequired is returned when Google rejects the credentials.
	ErrAuthRequired = errors.New("인증 갱신 필요: gcloud auth application-default login --scopes=https://www.googleapis.com/auth/spreadsheets,https://www.googleapis.com/auth/drive")

	// Header is the first row of every export.
	Header = []any{"카테고리", "미션명", "타입", "개수", "닉네임", "유저ID", "방송국링크", "메시지", "상태", "시간", "확인"}

	headerColor = &sheetsapi.Color{Red: .18, Green: .49, Blue: .2}
	doneColor   = &sheetsapi.Color{Red: .83, Green: .18, Blue: .18}
	linkColor   = &sheetsapi.Color{Red: .1, Green: .45, Blue: .91}
	white       = &sheetsapi.Color{Red: 1, Green: 1, Blue: 1}
)

// Export describes a created spreadsheet.
type Export struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Rows  int    `json:"rows"`
}

// Exporter creates spreadsheets with Application Default Credentials.
type Exporter struct {
	sheetsOpts []option.ClientOption
	driveOpts  []option.ClientOption
	now        func() time.Time
	loc        *time.Location
	logger     *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithEndpoints points the clients at other base URLs and disables
// authentication (for testing).
func WithEndpoints(sheetsURL, driveURL string, client *http.Client) Option {
	return func(e *Exporter) {
		e.sheetsOpts = []option.ClientOption{option.WithEndpoint(sheetsURL), option.WithHTTPClient(client)}
		e.driveOpts = []option.ClientOption{option.WithEndpoint(driveURL), option.WithHTTPClient(client)}
	}
}

// WithClock sets the time source used for titles.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// WithLocation sets the time zone used for titles and the time column.
func WithLocation(loc *time.Location) Option {
	return func(e *Exporter) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExporter returns an exporter.
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{now: time.Now, loc: time.Local, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "sheets"))
	return e
}

func (e *Exporter) clientOptions(ctx context.Context) (sheetsOpts, driveOpts []option.ClientOption, err error) {
	if e.sheetsOpts != nil {
		return e.sheetsOpts, e.driveOpts, nil
	}
	client, err := google.DefaultClient(ctx, Scopes...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	return opts, opts, nil
}

// Title builds the spreadsheet title for category at t.
func Title(category string, t time.Time) string {
	suffix := ""
	if category != "" && category != results.AllCategories {
		suffix = "_" + category
	}
	return TitlePrefix + suffix + "_" + t.Format(titleTimeForm)
}

// Rows converts results into sheet rows, without the header.
func Rows(rs []results.Result, loc *time.Location) [][]any {
	out := make([][]any, 0, len(rs))
	for _, r := range rs {
		category := r.Category
		if category == "" {
			category = mission.DefaultCategory
		}
		status := statusPending
		if r.Completed {
			status = statusDone
		}
		out = append(out, []any{
			category,
			r.TemplateName,
			r.Kind.Label(),
			r.Amount,
			r.DisplayName,
			r.DonorID,
			deref(r.ChannelURL),
			deref(r.Message),
			status,
			r.CreatedAt.In(loc).Format(timeLayout),
			r.Completed,
		})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FormatRequests returns the formatting applied after the values are written:
// header colours, the checkbox column, column widths, status colours and the
// link colour.
func FormatRequests(sheetID int64, rows [][]any) []*sheetsapi.Request {
	n := int64(len(rows))
	reqs := []*sheetsapi.Request{
		{RepeatCell: &sheetsapi.RepeatCellRequest{
			Range: gridRange(sheetID, 0, 1, -1, -1),
			Cell: &sheetsapi.CellData{UserEnteredFormat: &sheetsapi.CellFormat{
				BackgroundColor:     headerColor,
				TextFormat:          &sheetsapi.TextFormat{Bold: true, ForegroundColor: white},
				HorizontalAlignment: "CENTER",
			}},
			Fields: "userEnteredFormat",
		}},
		{RepeatCell: &sheetsapi.RepeatCellRequest{
			Range: gridRange(sheetID, 1, n+1, checkColumn, checkColumn+1),
			Cell: &sheetsapi.CellData{DataValidation: &sheetsapi.DataValidationRule{
				Condition: &sheetsapi.BooleanCondition{Type: "BOOLEAN"},
			}},
			Fields: "dataValidation",
		}},
		{AutoResizeDimensions: &sheetsapi.AutoResizeDimensionsRequest{
			Dimensions: &sheetsapi.DimensionRange{
				SheetId:         sheetID,
				Dimension:       "COLUMNS",
				StartIndex:      0,
				EndIndex:        columnCount,
				ForceSendFields: []string{"SheetId", "StartIndex"},
			},
		}},
	}
	for i, row := range rows {
		color := headerColor
		if row[statusColumn] == statusDone {
			color = doneColor
		}
		r := int64(i + 1)
		reqs = append(reqs, &sheetsapi.Request{RepeatCell: &sheetsapi.RepeatCellRequest{
			Range: gridRange(sheetID, r, r+1, statusColumn, statusColumn+1),
			Cell: &sheetsapi.CellData{UserEnteredFormat: &sheetsapi.CellFormat{
				TextFormat: &sheetsapi.TextFormat{Bold: true, ForegroundColor: color},
			}},
			Fields: "userEnteredFormat.textFormat",
		}})
	}
	if n > 0 {
		reqs = append(reqs, &sheetsapi.Request{RepeatCell: &sheetsapi.RepeatCellRequest{
			Range: gridRange(sheetID, 1, n+1, linkColumn, linkColumn+1),
			Cell: &sheetsapi.CellData{UserEnteredFormat: &sheetsapi.CellFormat{
				TextFormat: &sheetsapi.TextFormat{ForegroundColor: linkColor},
			}},
			Fields: "userEnteredFormat.textFormat.foregroundColor",
		}})
	}
	return reqs
}

// gridRange builds a range; negative column bounds leave the columns open.
func gridRange(sheetID, startRow, endRow, startCol, endCol int64) *sheetsapi.GridRange {
	g := &sheetsapi.GridRange{
		SheetId:         sheetID,
		StartRowIndex:   startRow,
		EndRowIndex:     endRow,
		ForceSendFields: []string{"SheetId", "StartRowIndex"},
	}
	if startCol >= 0 {
		g.StartColumnIndex = startCol
		g.EndColumnIndex = endCol
		g.ForceSendFields = append(g.ForceSendFields, "StartColumnIndex")
	}
	return g
}

// Export writes rs to a new spreadsheet titled for category.
func (e *Exporter) Export(ctx context.Context, rs []results.Result, category string) (Export, error) {
	if len(rs) == 0 {
		return Export{}, ErrNoData
	}
	ctx, span := telemetry.StartSpan(ctx, "sheets", "export", telemetry.ResultCountAttr(len(rs)))
	out, err := e.export(ctx, rs, category)
	telemetry.EndSpan(span, err)
	return out, err
}

func (e *Exporter) export(ctx context.Context, rs []results.Result, category string) (Export, error) {
	sheetsOpts, driveOpts, err := e.clientOptions(ctx)
	if err != nil {
		return Export{}, err
	}
	svc, err := sheetsapi.NewService(ctx, sheetsOpts...)
	if err != nil {
		return Export{}, fmt.Errorf("sheets client: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, driveOpts...)
	if err != nil {
		return Export{}, fmt.Errorf("drive client: %w", err)
	}

	title := Title(category, e.now().In(e.loc))
	ss, err := svc.Spreadsheets.Create(&sheetsapi.Spreadsheet{
		Properties: &sheetsapi.SpreadsheetProperties{Title: title},
		Sheets: []*sheetsapi.Sheet{{
			Properties: &sheetsapi.SheetProperties{
				SheetId:         0,
				Title:           SheetTitle,
				GridProperties:  &sheetsapi.GridProperties{FrozenRowCount: 1},
				ForceSendFields: []string{"SheetId"},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return Export{}, classify("create spreadsheet", err)
	}
	var sheetID int64
	if len(ss.Sheets) > 0 && ss.Sheets[0].Properties != nil {
		sheetID = ss.Sheets[0].Properties.SheetId
	}
	e.logger.Info("spreadsheet created", slog.String("title", title), slog.String("url", ss.SpreadsheetUrl))

	rows := Rows(rs, e.loc)
	values := append([][]any{Header}, rows...)
	if _, err := svc.Spreadsheets.Values.Update(ss.SpreadsheetId, "'"+SheetTitle+"'!A1", &sheetsapi.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
		return Export{}, classify("write values", err)
	}

	if _, err := driveSvc.Permissions.Create(ss.SpreadsheetId, &drive.Permission{Role: "writer", Type: "anyone"}).
		Context(ctx).Do(); err != nil {
		return Export{}, classify("share spreadsheet", err)
	}

	if _, err := svc.Spreadsheets.BatchUpdate(ss.SpreadsheetId, &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: FormatRequests(sheetID, rows),
	}).Context(ctx).Do(); err != nil {
		// formatting is cosmetic; the data is already there
		e.logger.Warn("format spreadsheet", slog.Any("err", err))
	}

	return Export{ID: ss.SpreadsheetId, URL: ss.SpreadsheetUrl, Title: title, Rows: len(rows)}, nil
}

func classify(step string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return fmt.Errorf("%s: %w: %v", step, ErrAuthRequired, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}
