package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAlphaVantageURL = "https://www.alphavantage.co/query"
	maxFinancialSymbols    = 5
	maxNewsSymbols         = 3
	maxNewsItems           = 5
	defaultAVPerMinute     = 5
	maxDescriptionLen      = 500
	maxNewsSummaryLen      = 300
)

// ErrFinancialRateLimited is returned when Alpha Vantage answers with its
// throttling note instead of data.
var ErrFinancialRateLimited = errors.New("alpha vantage rate limit reached")

// FinancialConfig configures the Alpha Vantage source.
type FinancialConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
}

// FinancialData fetches company fundamentals, quotes, income statements and
// news sentiment for ticker symbols.
type FinancialData struct {
	cfg     FinancialConfig
	http    Doer
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewFinancialData creates the financial source. Calls are paced to the
// configured per-minute quota.
func NewFinancialData(cfg FinancialConfig, client Doer, logger *zap.Logger) *FinancialData {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAlphaVantageURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultAVPerMinute
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return &FinancialData{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(limit, cfg.RequestsPerMinute),
		logger:  logger,
	}
}

func (f *FinancialData) Name() string { return SourceFinancial }

func (f *FinancialData) Fetch(ctx context.Context, q Query) (Result, error) {
	if f.cfg.APIKey == "" {
		return Result{}, fmt.Errorf("ALPHA_VANTAGE_API_KEY: %w", ErrNotConfigured)
	}
	symbols := limitStrings(q.Symbols, maxFinancialSymbols)
	if len(symbols) == 0 {
		return Result{}, errors.New("no ticker symbols to look up")
	}

	var records []Record
	withData := 0
	var lastErr error
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		fields := map[string]any{"symbol": symbol}
		got := false

		if ov, err := f.overview(ctx, symbol); err == nil && ov != nil {
			fields["overview"] = ov
			got = true
		} else if err != nil {
			lastErr = err
			if errors.Is(err, ErrFinancialRateLimited) || ctx.Err() != nil {
				break
			}
		}
		if quote, err := f.quote(ctx, symbol); err == nil && quote != nil {
			fields["quote"] = quote
			got = true
		} else if err != nil {
			lastErr = err
		}
		if inc, err := f.incomeStatement(ctx, symbol); err == nil && inc != nil {
			fields["income_statement"] = inc
		} else if err != nil {
			lastErr = err
		}

		if got {
			withData++
		}
		if len(fields) > 1 {
			records = append(records, Record{Source: SourceFinancial, Entity: symbol, Title: symbol, Fields: fields})
		}
	}

	if q.Text != "" {
		news, err := f.news(ctx, limitStrings(symbols, maxNewsSymbols))
		if err != nil {
			lastErr = err
		}
		records = append(records, news...)
	}

	if len(records) == 0 && lastErr != nil {
		return Result{}, lastErr
	}
	return Result{
		Records:    records,
		Confidence: math.Min(1, float64(withData)/float64(len(symbols))),
	}, nil
}

func (f *FinancialData) overview(ctx context.Context, symbol string) (map[string]any, error) {
	body, err := f.call(ctx, url.Values{"function": {"OVERVIEW"}, "symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	if _, ok := body["Symbol"]; !ok {
		return nil, nil
	}
	return map[string]any{
		"name":             str(body, "Name"),
		"description":      truncate(str(body, "Description"), maxDescriptionLen),
		"sector":           str(body, "Sector"),
		"industry":         str(body, "Industry"),
		"market_cap":       str(body, "MarketCapitalization"),
		"pe_ratio":         str(body, "PERatio"),
		"eps":              str(body, "EPS"),
		"dividend_yield":   str(body, "DividendYield"),
		"52_week_high":     str(body, "52WeekHigh"),
		"52_week_low":      str(body, "52WeekLow"),
		"profit_margin":    str(body, "ProfitMargin"),
		"revenue_ttm":      str(body, "RevenueTTM"),
		"gross_profit_ttm": str(body, "GrossProfitTTM"),
	}, nil
}

func (f *FinancialData) quote(ctx context.Context, symbol string) (map[string]any, error) {
	body, err := f.call(ctx, url.Values{"function": {"GLOBAL_QUOTE"}, "symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	gq, ok := body["Global Quote"].(map[string]any)
	if !ok || len(gq) == 0 {
		return nil, nil
	}
	return map[string]any{
		"price":              str(gq, "05. price"),
		"change":             str(gq, "09. change"),
		"change_percent":     str(gq, "10. change percent"),
		"volume":             str(gq, "06. volume"),
		"latest_trading_day": str(gq, "07. latest trading day"),
		"previous_close":     str(gq, "08. previous close"),
	}, nil
}

func (f *FinancialData) incomeStatement(ctx context.Context, symbol string) (map[string]any, error) {
	body, err := f.call(ctx, url.Values{"function": {"INCOME_STATEMENT"}, "symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	reports, ok := body["annualReports"].([]any)
	if !ok || len(reports) == 0 {
		return nil, nil
	}
	latest, ok := reports[0].(map[string]any)
	if !ok {
		return nil, nil
	}
	return map[string]any{
		"fiscal_year":      str(latest, "fiscalDateEnding"),
		"total_revenue":    str(latest, "totalRevenue"),
		"gross_profit":     str(latest, "grossProfit"),
		"operating_income": str(latest, "operatingIncome"),
		"net_income":       str(latest, "netIncome"),
		"ebitda":           str(latest, "ebitda"),
	}, nil
}

func (f *FinancialData) news(ctx context.Context, symbols []string) ([]Record, error) {
	body, err := f.call(ctx, url.Values{
		"function": {"NEWS_SENTIMENT"},
		"tickers":  {strings.Join(symbols, ",")},
		"limit":    {fmt.Sprint(maxNewsItems)},
	})
	if err != nil {
		return nil, err
	}
	feed, _ := body["feed"].([]any)
	var out []Record
	for i, item := range feed {
		if i >= maxNewsItems {
			break
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Record{
			Source:  SourceFinancial,
			Title:   str(m, "title"),
			URL:     str(m, "url"),
			Content: truncate(str(m, "summary"), maxNewsSummaryLen),
			Fields: map[string]any{
				"kind":            "news_sentiment",
				"publisher":       str(m, "source"),
				"sentiment":       str(m, "overall_sentiment_label"),
				"sentiment_score": m["overall_sentiment_score"],
			},
		})
	}
	return out, nil
}

func (f *FinancialData) call(ctx context.Context, params url.Values) (map[string]any, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params.Set("apikey", f.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpha vantage %s: %w", params.Get("function"), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alpha vantage %s: status %d", params.Get("function"), resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode alpha vantage %s: %w", params.Get("function"), err)
	}
	for _, k := range []string{"Note", "Information"} {
		if note, ok := body[k].(string); ok && note != "" {
			f.logger.Warn("Alpha Vantage throttled request", zap.String("function", params.Get("function")), zap.String("note", note))
			return nil, fmt.Errorf("%w: %s", ErrFinancialRateLimited, note)
		}
	}
	if msg, ok := body["Error Message"].(string); ok {
		return nil, fmt.Errorf("alpha vantage %s: %s", params.Get("function"), msg)
	}
	return body, nil
}

func str(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
