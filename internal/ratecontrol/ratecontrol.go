package ratecontrol

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		DefaultTPM        int `yaml:"default_tpm"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

type RateLimit struct {
	RPM int
	TPM int
}

// Unlimited reports whether neither dimension is bounded.
func (l RateLimit) Unlimited() bool { return l.RPM <= 0 && l.TPM <= 0 }

// Free-tier quotas for the hosted provider. Local inference is not paced.
var builtInProviderLimits = map[string]RateLimit{
	"groq":   {RPM: 30, TPM: 12000},
	"ollama": {},
}

// Table resolves the pacing limit of a provider.
type Table struct {
	defaults  RateLimit
	providers map[string]RateLimit
}

// Load reads a limit table from YAML. An empty path yields the built-in table.
func Load(path string, logger *zap.Logger) (*Table, error) {
	t := &Table{providers: make(map[string]RateLimit)}
	for name, l := range builtInProviderLimits {
		t.providers[name] = l
	}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limits: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rate limits %s: %w", path, err)
	}
	t.defaults = RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
	for name, o := range cfg.RateLimits.ProviderOverrides {
		t.providers[normalize(name)] = RateLimit{RPM: o.RPM, TPM: o.TPM}
	}
	if logger != nil {
		logger.Info("Loaded rate limit configuration", zap.String("path", path), zap.Int("providers", len(t.providers)))
	}
	return t, nil
}

// LimitForProvider combines the provider limit with the table default.
func (t *Table) LimitForProvider(provider string) RateLimit {
	l, ok := t.providers[normalize(provider)]
	if !ok {
		return t.defaults
	}
	return CombineLimits(l, t.defaults)
}

// CombineLimits takes the tighter positive bound of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{RPM: minPositive(a.RPM, b.RPM), TPM: minPositive(a.TPM, b.TPM)}
}

type limiters struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	burst    int
}

// Pacer spaces out model calls per provider so bursts from concurrent
// sessions stay under the provider quota instead of tripping its 429s.
type Pacer struct {
	table *Table

	mu  sync.Mutex
	per map[string]*limiters
}

func NewPacer(t *Table) *Pacer {
	if t == nil {
		t, _ = Load("", nil)
	}
	return &Pacer{table: t, per: make(map[string]*limiters)}
}

// Wait blocks until a call of roughly estimatedTokens may be sent to provider.
func (p *Pacer) Wait(ctx context.Context, provider string, estimatedTokens int) error {
	l := p.limitersFor(provider)
	if l == nil {
		return nil
	}
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if l.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > l.burst {
			n = l.burst
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pacer) limitersFor(provider string) *limiters {
	key := normalize(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.per[key]; ok {
		return l
	}
	limit := p.table.LimitForProvider(key)
	if limit.Unlimited() {
		p.per[key] = nil
		return nil
	}
	l := &limiters{}
	if limit.RPM > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), 1)
	}
	if limit.TPM > 0 {
		l.burst = limit.TPM
		l.tokens = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60.0), limit.TPM)
	}
	p.per[key] = l
	return l
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}
