package writeq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetClient is the narrow slice of a spreadsheet values API the tabular
// backend needs. Ranges are A1 notation relative to one worksheet.
type SheetClient interface {
	GetValues(ctx context.Context, a1 string) ([][]string, error)
	// AppendValues appends one row after the last non-empty row and returns
	// the A1 range that was written.
	AppendValues(ctx context.Context, values []string, opt ValueInputOption) (string, error)
	UpdateValue(ctx context.Context, a1 string, value string) error
}

// GoogleSheetClient talks to one worksheet through the Sheets v4 API.
type GoogleSheetClient struct {
	svc           *sheets.Service
	spreadsheetID string
	tab           string
}

// NewGoogleSheetClient authenticates with a service-account credentials
// file. opts are passed through to the API client, e.g. option.WithEndpoint
// in tests.
func NewGoogleSheetClient(ctx context.Context, spreadsheetID, tab, credentialsFile string, opts ...option.ClientOption) (*GoogleSheetClient, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("sheets client: empty spreadsheet id")
	}
	if tab == "" {
		tab = "Sheet1"
	}
	if credentialsFile != "" {
		opts = append([]option.ClientOption{
			option.WithCredentialsFile(credentialsFile),
			option.WithScopes(sheets.SpreadsheetsScope),
		}, opts...)
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &GoogleSheetClient{svc: svc, spreadsheetID: spreadsheetID, tab: tab}, nil
}

func (c *GoogleSheetClient) qualify(a1 string) string {
	name := "'" + strings.ReplaceAll(c.tab, "'", "''") + "'"
	if a1 == "" {
		return name
	}
	return name + "!" + a1
}

func (c *GoogleSheetClient) GetValues(ctx context.Context, a1 string) ([][]string, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, c.qualify(a1)).Context(ctx).Do()
	if err != nil {
		return nil, classifySheetsError(err)
	}
	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		out[i] = cells
	}
	return out, nil
}

func (c *GoogleSheetClient) AppendValues(ctx context.Context, values []string, opt ValueInputOption) (string, error) {
	if opt == "" {
		opt = InputUserEntered
	}
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	vr := &sheets.ValueRange{Values: [][]interface{}{row}}
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, c.qualify("A1"), vr).
		ValueInputOption(string(opt)).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return "", classifySheetsError(err)
	}
	if resp.Updates == nil {
		return "", nil
	}
	return resp.Updates.UpdatedRange, nil
}

func (c *GoogleSheetClient) UpdateValue(ctx context.Context, a1 string, value string) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{{value}}}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, c.qualify(a1), vr).
		ValueInputOption(string(InputUserEntered)).
		Context(ctx).
		Do()
	if err != nil {
		return classifySheetsError(err)
	}
	return nil
}

// classifySheetsError marks client errors other than rate limiting as
// permanent; everything else is left retryable.
func classifySheetsError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return fmt.Errorf("%w: sheets api %d: %s", ErrTransient, gerr.Code, gerr.Message)
		}
		if gerr.Code >= 400 {
			return Permanent(fmt.Errorf("sheets api %d: %s", gerr.Code, gerr.Message))
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
