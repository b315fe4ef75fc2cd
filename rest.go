package writeq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
)

const (
	restAttempts     = 3
	restInitialDelay = 500 * time.Millisecond
	restFirstRow     = 2

	defaultInvoiceNumber = "UNNUMBERED"
	defaultClientName    = "Unknown client"
	// Invoices with no usable gross amount are stored with this placeholder
	// because the API rejects non-positive totals.
	placeholderGross = 0.01
)

// RESTConfig holds connection settings for RestBackend.
type RESTConfig struct {
	BaseURL  string
	Email    string
	Password string
}

// RestBackend maps the row-oriented contract onto the clients and invoices
// resources of the invoicing API. Row numbers are synthetic per user and
// kept in a KVStore.
type RestBackend struct {
	baseURL      string
	http         *http.Client
	kv           KVStore
	tokens       *restTokens
	metrics      *Metrics
	logger       *slog.Logger
	initialDelay time.Duration

	// mu serializes row-map read-modify-write cycles.
	mu sync.Mutex
}

// RESTOption configures a RestBackend.
type RESTOption func(*RestBackend)

func WithRESTHTTPClient(c *http.Client) RESTOption {
	return func(b *RestBackend) {
		b.http = c
		b.tokens.http = c
	}
}

func WithRESTMetrics(m *Metrics) RESTOption {
	return func(b *RestBackend) {
		b.metrics = m
	}
}

func WithRESTLogger(logger *slog.Logger) RESTOption {
	return func(b *RestBackend) {
		b.logger = logger
	}
}

// WithRESTRetryDelay sets the first transport retry delay.
func WithRESTRetryDelay(d time.Duration) RESTOption {
	return func(b *RestBackend) {
		b.initialDelay = d
	}
}

// WithRESTClock sets the time source used for token expiry.
func WithRESTClock(now func() time.Time) RESTOption {
	return func(b *RestBackend) {
		b.tokens.now = now
	}
}

func NewRestBackend(cfg RESTConfig, kv KVStore, opts ...RESTOption) *RestBackend {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:8000"
	}
	client := &http.Client{Timeout: 30 * time.Second}
	b := &RestBackend{
		baseURL:      base,
		http:         client,
		kv:           kv,
		logger:       slog.Default(),
		initialDelay: restInitialDelay,
		tokens: &restTokens{
			cfg: oauth2.Config{
				Endpoint: oauth2.Endpoint{
					TokenURL:  base + "/api/v1/auth/login",
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			email:    cfg.Email,
			password: cfg.Password,
			http:     client,
			now:      time.Now,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RestBackend) Kind() BackendKind { return BackendREST }

type rowMap struct {
	NextRow       int                    `json:"next_row"`
	RowToInvoice  map[string]int64       `json:"row_to_invoice"`
	MetaByInvoice map[string]invoiceMeta `json:"meta_by_invoice"`
}

type invoiceMeta struct {
	Company  string `json:"company"`
	Date     string `json:"date"`
	Type     string `json:"type"`
	VAT      string `json:"vat"`
	Net      string `json:"net"`
	Category string `json:"cat"`
	User     string `json:"user"`
	File     string `json:"file"`
}

type apiClient struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type apiInvoice struct {
	ID         int64       `json:"id"`
	Number     string      `json:"number"`
	TotalGross json.Number `json:"total_gross"`
	Status     string      `json:"status"`
}

func rowMapKey(userID int64) string {
	return "rowmap/" + strconv.FormatInt(userID, 10)
}

func (b *RestBackend) loadMap(ctx context.Context, userID int64) (*rowMap, error) {
	m := &rowMap{}
	raw, ok, err := b.kv.Get(ctx, rowMapKey(userID))
	if err != nil {
		return nil, fmt.Errorf("load row map: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, m); err != nil {
			b.logger.Warn("writeq rest: unreadable row map, starting fresh", "user_id", userID, "error", err)
			m = &rowMap{}
		}
	}
	if m.NextRow < restFirstRow {
		m.NextRow = restFirstRow
	}
	if m.RowToInvoice == nil {
		m.RowToInvoice = map[string]int64{}
	}
	if m.MetaByInvoice == nil {
		m.MetaByInvoice = map[string]invoiceMeta{}
	}
	return m, nil
}

func (b *RestBackend) saveMap(ctx context.Context, userID int64, m *rowMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode row map: %w", err)
	}
	if err := b.kv.Set(ctx, rowMapKey(userID), data); err != nil {
		return fmt.Errorf("save row map: %w", err)
	}
	return nil
}

func (b *RestBackend) AppendRow(ctx context.Context, userID int64, values []string, _ ValueInputOption) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.loadMap(ctx, userID)
	if err != nil {
		return 0, err
	}
	rowNo := m.NextRow
	vals := padRow(values)

	number := strings.TrimSpace(vals[ColNumber-1])
	if number == "" {
		number = defaultInvoiceNumber
	}
	company := strings.TrimSpace(vals[ColCompany-1])
	if company == "" {
		company = defaultClientName
	}
	status := strings.TrimSpace(vals[ColStatus-1])
	if status == "" {
		status = StatusNew
	}
	gross := parseAmount(vals[ColGross-1])
	if gross <= 0 {
		gross = placeholderGross
		status = StatusToCheck
	}

	clientID, err := b.findOrCreateClient(ctx, company)
	if err != nil {
		return 0, err
	}
	var inv apiInvoice
	err = b.do(ctx, http.MethodPost, "/api/v1/invoices", nil, map[string]any{
		"client_id":   clientID,
		"number":      number,
		"total_gross": gross,
		"status":      botStatusToAPI(status),
	}, &inv)
	if err != nil {
		return 0, err
	}

	invKey := strconv.FormatInt(inv.ID, 10)
	m.NextRow = rowNo + 1
	m.RowToInvoice[strconv.Itoa(rowNo)] = inv.ID
	m.MetaByInvoice[invKey] = invoiceMeta{
		Company:  company,
		Date:     vals[ColDate-1],
		Type:     vals[ColType-1],
		VAT:      vals[ColVAT-1],
		Net:      vals[ColNet-1],
		Category: vals[ColCategory-1],
		User:     vals[ColUser-1],
		File:     vals[ColFile-1],
	}
	if err := b.saveMap(ctx, userID, m); err != nil {
		return 0, err
	}
	return rowNo, nil
}

// UpdateCell patches the invoice for GROSS, NO and STATUS; every other
// column only lives in the local metadata cache. Rows that were never
// mapped are ignored.
func (b *RestBackend) UpdateCell(ctx context.Context, userID int64, rowNo, col int, value string) error {
	if err := validateCell(rowNo, col); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.loadMap(ctx, userID)
	if err != nil {
		return err
	}
	invID, ok := m.RowToInvoice[strconv.Itoa(rowNo)]
	if !ok {
		return nil
	}
	path := "/api/v1/invoices/" + strconv.FormatInt(invID, 10)

	switch col {
	case ColGross:
		if gross := parseAmount(value); gross > 0 {
			if err := b.do(ctx, http.MethodPatch, path, nil, map[string]any{"total_gross": gross}, nil); err != nil {
				return err
			}
		}
	case ColNumber:
		if v := strings.TrimSpace(value); v != "" {
			if err := b.do(ctx, http.MethodPatch, path, nil, map[string]any{"number": v}, nil); err != nil {
				return err
			}
		}
	case ColStatus:
		if err := b.do(ctx, http.MethodPatch, path, nil, map[string]any{"status": botStatusToAPI(value)}, nil); err != nil {
			return err
		}
	}

	invKey := strconv.FormatInt(invID, 10)
	meta := m.MetaByInvoice[invKey]
	switch col {
	case ColDate:
		meta.Date = value
	case ColCompany:
		meta.Company = value
	case ColType:
		meta.Type = value
	case ColVAT:
		meta.VAT = value
	case ColNet:
		meta.Net = value
	case ColCategory:
		meta.Category = value
	case ColUser:
		meta.User = value
	case ColFile:
		meta.File = value
	}
	m.MetaByInvoice[invKey] = meta
	return b.saveMap(ctx, userID, m)
}

// GetAllValues rebuilds the user's rows from the API, with an empty header
// row first so row numbers line up with the tabular backend.
func (b *RestBackend) GetAllValues(ctx context.Context, userID int64) ([][]string, error) {
	m, err := b.loadMap(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows := make([]int, 0, len(m.RowToInvoice))
	for k := range m.RowToInvoice {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		rows = append(rows, n)
	}
	sort.Ints(rows)

	out := [][]string{make([]string, columnCount)}
	for _, rowNo := range rows {
		invID := m.RowToInvoice[strconv.Itoa(rowNo)]
		var inv apiInvoice
		if err := b.do(ctx, http.MethodGet, "/api/v1/invoices/"+strconv.FormatInt(invID, 10), nil, nil, &inv); err != nil {
			return nil, err
		}
		meta := m.MetaByInvoice[strconv.FormatInt(invID, 10)]
		r := make([]string, columnCount)
		r[ColDate-1] = meta.Date
		r[ColNumber-1] = inv.Number
		r[ColCompany-1] = meta.Company
		r[ColGross-1] = inv.TotalGross.String()
		r[ColType-1] = meta.Type
		r[ColVAT-1] = meta.VAT
		r[ColNet-1] = meta.Net
		r[ColCategory-1] = meta.Category
		r[ColUser-1] = meta.User
		r[ColStatus-1] = apiStatusToBot(inv.Status)
		r[ColFile-1] = meta.File
		out = append(out, r)
	}
	return out, nil
}

func (b *RestBackend) GetRow(ctx context.Context, userID int64, rowNo int) ([]string, error) {
	all, err := b.GetAllValues(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rowNo < 1 || rowNo > len(all) {
		return []string{}, nil
	}
	return all[rowNo-1], nil
}

func (b *RestBackend) NextRow(ctx context.Context, userID int64) (int, error) {
	m, err := b.loadMap(ctx, userID)
	if err != nil {
		return 0, err
	}
	return m.NextRow, nil
}

func (b *RestBackend) findOrCreateClient(ctx context.Context, name string) (int64, error) {
	q := url.Values{}
	q.Set("q", name)
	q.Set("skip", "0")
	q.Set("limit", "20")
	var found []apiClient
	if err := b.do(ctx, http.MethodGet, "/api/v1/clients", q, nil, &found); err != nil {
		return 0, err
	}
	for _, c := range found {
		if strings.EqualFold(strings.TrimSpace(c.Name), name) {
			return c.ID, nil
		}
	}
	var created apiClient
	if err := b.do(ctx, http.MethodPost, "/api/v1/clients", nil, map[string]any{"name": name}, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// do sends an authenticated request. A 401 invalidates the token and the
// request is retried once with a fresh login.
func (b *RestBackend) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return Permanent(fmt.Errorf("encode %s %s: %w", method, path, err))
		}
	}

	for try := 0; try < 2; try++ {
		token, err := b.tokens.get(ctx)
		if err != nil {
			return err
		}
		status, data, err := b.send(ctx, method, path, query, payload, token)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusUnauthorized:
			b.logger.Info("writeq rest: token rejected, logging in again", "path", path)
			b.tokens.invalidate(token)
			continue
		case status >= 400:
			return Permanent(fmt.Errorf("api %s %s: status %d: %s", method, path, status, truncate(data, 200)))
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s %s rejected a fresh token", ErrAuth, method, path)
}

type restResponse struct {
	status int
	body   []byte
}

// send performs one logical request, retrying transport errors, 429 and
// 5xx responses with exponential backoff.
func (b *RestBackend) send(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (int, []byte, error) {
	target := b.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	if _, err := url.Parse(target); err != nil {
		return 0, nil, Permanent(fmt.Errorf("build %s %s: %w", method, path, err))
	}
	operation := func() (restResponse, error) {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return restResponse{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := b.http.Do(req)
		if err != nil {
			b.metrics.ObserveCall(MetricAPIRequest, method+" "+path, BackendREST, false, time.Since(start))
			return restResponse{}, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		b.metrics.ObserveCall(MetricAPIRequest, method+" "+path, BackendREST, err == nil && resp.StatusCode < 500, time.Since(start))
		if err != nil {
			return restResponse{}, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return restResponse{}, fmt.Errorf("status %d", resp.StatusCode)
		}
		return restResponse{status: resp.StatusCode, body: data}, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.initialDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(restAttempts),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	return res.status, res.body, nil
}

func botStatusToAPI(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusSent, StatusChecked:
		return "sent"
	default:
		return "draft"
	}
}

func apiStatusToBot(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "sent":
		return StatusSent
	case "paid":
		return StatusChecked
	default:
		return StatusToCheck
	}
}

// parseAmount reads "1 234,56" style amounts; anything unparsable is 0.
func parseAmount(s string) float64 {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' {
			return -1
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
