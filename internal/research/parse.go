package research

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var errNoJSON = errors.New("no JSON object in model output")

// decodeModelJSON decodes the first JSON object in a model answer. Models
// wrap JSON in code fences or add prose around it despite being told not to.
func decodeModelJSON(text string, v any) error {
	s := stripFences(text)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return errNoJSON
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line.
		s = s[nl+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

var tickerRe = regexp.MustCompile(`(?:^|[\s(,])\$?([A-Z]{2,5})\b`)

// Upper-case words that look like tickers but usually are not.
var tickerStopwords = map[string]bool{
	"AI": true, "API": true, "CEO": true, "CFO": true, "CTO": true, "EPS": true,
	"ETF": true, "EU": true, "GDP": true, "IPO": true, "LLM": true, "PE": true,
	"ROI": true, "SEC": true, "UK": true, "US": true, "USA": true, "USD": true,
	"VS": true, "YOY": true, "ESG": true, "TTM": true,
}

// extractTickers finds ticker-like tokens such as "MSFT" or "$AAPL".
func extractTickers(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range tickerRe.FindAllStringSubmatch(query, -1) {
		sym := m[1]
		if tickerStopwords[sym] || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

func isTickerLike(s string) bool {
	if len(s) < 1 || len(s) > 5 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return !tickerStopwords[s]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// flexFloat accepts numbers encoded as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	var v float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
