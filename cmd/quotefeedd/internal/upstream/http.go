package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marketfan/quotefeed/pkg/models"
)

// HTTPAdapter polls a JSON REST provider. Transport failures map to
// ErrUnavailable, 4xx and malformed bodies to ErrRejected, and 429 to
// ErrRateLimited.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Adapter = (*HTTPAdapter)(nil)

// NewHTTPAdapter builds an adapter with its own transport; the timeout
// bounds the whole request so a slow provider cannot stall a poll batch.
func NewHTTPAdapter(baseURL, apiKey string, timeout time.Duration) *HTTPAdapter {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   2 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 2 * time.Second,
	}
	return &HTTPAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout, Transport: t},
	}
}

type quoteResponse struct {
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	Volume        string `json:"volume"`
	High          string `json:"high"`
	Low           string `json:"low"`
	Open          string `json:"open"`
	PreviousClose string `json:"previous_close"`
	Datetime      int64  `json:"datetime"` // unix milli
}

func (a *HTTPAdapter) FetchLatest(ctx context.Context, symbol string) (models.Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)

	var body quoteResponse
	if err := a.getJSON(ctx, "/quote", q, &body); err != nil {
		return models.Quote{}, err
	}

	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: parse price %q: %v", ErrRejected, body.Price, err)
	}
	quote := models.Quote{
		Symbol:    symbol,
		Price:     price,
		Timestamp: body.Datetime,
		Source:    models.SourceLive,
	}
	if quote.Timestamp == 0 {
		quote.Timestamp = time.Now().UnixMilli()
	}
	// Secondary fields are best effort; providers omit them for some classes
	quote.Volume, _ = strconv.ParseInt(body.Volume, 10, 64)
	quote.High, _ = strconv.ParseFloat(body.High, 64)
	quote.Low, _ = strconv.ParseFloat(body.Low, 64)
	quote.Open, _ = strconv.ParseFloat(body.Open, 64)
	quote.PreviousClose, _ = strconv.ParseFloat(body.PreviousClose, 64)
	return quote, nil
}

type barResponse struct {
	Close string `json:"close"`
}

func (a *HTTPAdapter) FetchComparisonPrice(ctx context.Context, symbol string, lookback time.Duration) (float64, bool, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("lookback", strconv.Itoa(int(lookback.Seconds())))
	q.Set("apikey", a.apiKey)

	var body barResponse
	if err := a.getJSON(ctx, "/bar", q, &body); err != nil {
		return 0, false, err
	}
	if body.Close == "" {
		return 0, false, nil
	}
	price, err := strconv.ParseFloat(body.Close, 64)
	if err != nil {
		return 0, false, nil
	}
	return price, true, nil
}

type searchResponse struct {
	Results []struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"instrument_name"`
		Exchange string `json:"exchange"`
		Type     string `json:"type"`
	} `json:"results"`
}

func (a *HTTPAdapter) SearchSymbols(ctx context.Context, query string) ([]models.SymbolInfo, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("apikey", a.apiKey)

	var body searchResponse
	if err := a.getJSON(ctx, "/search", q, &body); err != nil {
		return nil, err
	}

	out := make([]models.SymbolInfo, 0, len(body.Results))
	for _, r := range body.Results {
		info := models.SymbolInfo{
			Symbol:   r.Symbol,
			Name:     r.Name,
			Exchange: r.Exchange,
			Class:    models.InferClass(r.Symbol, nil),
		}
		if r.Type == "etf" || r.Type == "fund" {
			info.Class = models.ClassFund
		}
		out = append(out, info)
	}
	return out, nil
}

func (a *HTTPAdapter) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := fmt.Sprintf("%s%s?%s", a.baseURL, path, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http 429", ErrRateLimited)
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: http %d", ErrUnavailable, res.StatusCode)
	case res.StatusCode >= 400:
		return fmt.Errorf("%w: http %d", ErrRejected, res.StatusCode)
	}

	// A malformed body counts as a rejection, not an outage
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrRejected, err)
	}
	return nil
}
