// Package yield fetches the pool's externally reported gross yield for a
// period. The figure is a cross-check only: rewards accrue from rates and
// never depend on it.
package yield

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrSourceUnavailable is returned when the external yield figure cannot be
// obtained. Callers log it and carry on.
var ErrSourceUnavailable = errors.New("yield: source unavailable")

// Source reports the gross yield earned by the pool in one period.
type Source interface {
	FetchGrossYield(ctx context.Context, period string) (decimal.Decimal, error)
}

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// HTTPSource reads the yield figure from a JSON endpoint. The URL may
// contain a {period} placeholder; otherwise the period is sent as a query
// parameter. Field is a gjson path to the figure, e.g. "data.gross_yield".
type HTTPSource struct {
	url    string
	field  string
	client *http.Client
}

// NewHTTPSource creates a source with the given request timeout.
func NewHTTPSource(rawURL, field string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if field == "" {
		field = "gross_yield"
	}
	return &HTTPSource{
		url:    rawURL,
		field:  field,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) requestURL(period string) (string, error) {
	if strings.Contains(s.url, "{period}") {
		return strings.ReplaceAll(s.url, "{period}", url.PathEscape(period)), nil
	}
	u, err := url.Parse(s.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("period", period)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchGrossYield implements Source.
func (s *HTTPSource) FetchGrossYield(ctx context.Context, period string) (decimal.Decimal, error) {
	target, err := s.requestURL(period)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad url: %v", ErrSourceUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: unexpected status code %d", ErrSourceUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read body: %v", ErrSourceUnavailable, err)
	}
	if !gjson.ValidBytes(body) {
		return decimal.Zero, fmt.Errorf("%w: invalid JSON", ErrSourceUnavailable)
	}

	res := gjson.GetBytes(body, s.field)
	if !res.Exists() {
		return decimal.Zero, fmt.Errorf("%w: field %q missing", ErrSourceUnavailable, s.field)
	}
	// Raw keeps full precision for numbers; Str covers quoted figures.
	raw := res.Str
	if res.Type == gjson.Number {
		raw = res.Raw
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: field %q is not a number: %v", ErrSourceUnavailable, s.field, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative yield %s", ErrSourceUnavailable, v)
	}
	return v, nil
}

// StaticSource returns fixed figures keyed by period. Missing periods are
// unavailable.
type StaticSource map[string]decimal.Decimal

// FetchGrossYield implements Source.
func (s StaticSource) FetchGrossYield(_ context.Context, period string) (decimal.Decimal, error) {
	v, ok := s[period]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no figure for %s", ErrSourceUnavailable, period)
	}
	return v, nil
}
