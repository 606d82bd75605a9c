package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/metrics"
	"github.com/Kocoro-lab/research-copilot/internal/ratecontrol"
)

const (
	defaultCallTimeout = 60 * time.Second
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048
)

// ErrUnknownProvider is returned for a provider name that is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// AdapterConfig is read-only after construction.
type AdapterConfig struct {
	Primary     string
	Fallback    string
	CallTimeout time.Duration
	Temperature float64
	MaxTokens   int
}

// Fallback describes a switch from the primary to the fallback provider.
type Fallback struct {
	From          string        `json:"from"`
	To            string        `json:"to"`
	Kind          ErrorKind     `json:"kind"`
	Limit         LimitKind     `json:"limit,omitempty"`
	RetryAfter    time.Duration `json:"-"`
	RetryAfterRaw string        `json:"retry_after,omitempty"`
	Reason        string        `json:"reason"`
}

// Response is what the adapter returns for a successful call.
type Response struct {
	Completion
	Provider string
	// Fallback is set when the primary failed and the fallback answered.
	Fallback *Fallback
}

// Adapter gives stages one Complete call across providers. It holds no
// per-session state and is shared by all running sessions.
type Adapter struct {
	cfg       AdapterConfig
	providers map[string]Provider
	pacer     *ratecontrol.Pacer
	logger    *zap.Logger
}

// NewAdapter registers providers by name. The primary must be registered; an
// unregistered or identical fallback disables fallback.
func NewAdapter(cfg AdapterConfig, pacer *ratecontrol.Pacer, logger *zap.Logger, providers ...Provider) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	a := &Adapter{cfg: cfg, providers: make(map[string]Provider), pacer: pacer, logger: logger}
	for _, p := range providers {
		a.providers[p.Name()] = p
	}
	if _, ok := a.providers[cfg.Primary]; !ok {
		return nil, fmt.Errorf("primary %q: %w", cfg.Primary, ErrUnknownProvider)
	}
	if _, ok := a.providers[cfg.Fallback]; !ok || cfg.Fallback == cfg.Primary {
		if cfg.Fallback != "" {
			logger.Warn("Fallback provider disabled", zap.String("fallback", cfg.Fallback))
		}
		a.cfg.Fallback = ""
	}
	return a, nil
}

// Primary returns the configured default provider.
func (a *Adapter) Primary() string { return a.cfg.Primary }

// Provider returns a registered provider.
func (a *Adapter) Provider(name string) (Provider, bool) {
	p, ok := a.providers[name]
	return p, ok
}

// route resolves the provider pair for a call. A per-call override becomes
// the primary and the configured primary becomes its fallback.
func (a *Adapter) route(override string) (primary, fallback string, err error) {
	primary, fallback = a.cfg.Primary, a.cfg.Fallback
	if override == "" || override == primary {
		return primary, fallback, nil
	}
	if _, ok := a.providers[override]; !ok {
		return "", "", fmt.Errorf("%q: %w", override, ErrUnknownProvider)
	}
	return override, a.cfg.Primary, nil
}

type callState int

const (
	tryPrimary callState = iota
	tryFallback
	done
	failed
)

// ShouldFallback reports whether err from the primary moves the call to the
// fallback provider. Caller cancellation never does.
func ShouldFallback(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Recoverable()
}

// Complete runs TRY_PRIMARY, then TRY_FALLBACK on a recoverable failure.
// Without a fallback the primary's error is returned unchanged.
func (a *Adapter) Complete(ctx context.Context, req Request) (Response, error) {
	primary, fallback, err := a.route(req.Provider)
	if err != nil {
		return Response{}, err
	}
	if req.Temperature == 0 {
		req.Temperature = a.cfg.Temperature
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = a.cfg.MaxTokens
	}

	var (
		resp       Response
		primaryErr error
		lastErr    error
	)
	state := tryPrimary
	for state != done && state != failed {
		switch state {
		case tryPrimary:
			c, err := a.call(ctx, primary, req)
			if err == nil {
				resp = Response{Completion: c, Provider: primary}
				state = done
				continue
			}
			primaryErr, lastErr = err, err
			if fallback == "" || !ShouldFallback(err) {
				state = failed
				continue
			}
			state = tryFallback

		case tryFallback:
			fb := fallbackInfo(primary, fallback, primaryErr)
			metrics.RecordFallback(primary, fallback, string(fb.Kind))
			a.logger.Warn("Switching to fallback provider",
				zap.String("from", primary),
				zap.String("to", fallback),
				zap.String("kind", string(fb.Kind)),
				zap.String("limit", string(fb.Limit)),
				zap.String("retry_after", fb.RetryAfterRaw),
			)
			c, err := a.call(ctx, fallback, req)
			if err != nil {
				lastErr = fmt.Errorf("fallback %s after %s failed: %w", fallback, primary, err)
				state = failed
				continue
			}
			resp = Response{Completion: c, Provider: fallback, Fallback: fb}
			state = done
		}
	}
	if state == failed {
		return Response{}, lastErr
	}
	return resp, nil
}

// call performs one attempt against one provider under the per-call timeout.
func (a *Adapter) call(ctx context.Context, name string, req Request) (Completion, error) {
	p := a.providers[name]
	if a.pacer != nil {
		if err := a.pacer.Wait(ctx, name, estimateTokens(req)); err != nil {
			return Completion{}, classifyTransport(name, ctx, err)
		}
	}

	timeout := a.cfg.CallTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	c, err := p.Complete(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		if _, ok := AsProviderError(err); !ok {
			err = classifyTransport(name, ctx, err)
		} else if ctx.Err() != nil {
			err = ctx.Err()
		}
		result := "error"
		if pe, ok := AsProviderError(err); ok {
			result = string(pe.Kind)
		} else if ctx.Err() != nil {
			result = "cancelled"
		}
		metrics.RecordProviderCall(name, result, elapsed)
		return Completion{}, err
	}
	if c.Text == "" {
		metrics.RecordProviderCall(name, "empty", elapsed)
		return Completion{}, &ProviderError{Provider: name, Kind: KindUnavailable, Err: errors.New("empty completion")}
	}
	metrics.RecordProviderCall(name, "success", elapsed)
	a.logger.Debug("Provider call finished",
		zap.String("provider", name),
		zap.String("model", c.Model),
		zap.Duration("elapsed", elapsed),
		zap.Int("completion_tokens", c.CompletionTokens),
	)
	return c, nil
}

func fallbackInfo(from, to string, err error) *Fallback {
	fb := &Fallback{From: from, To: to, Reason: err.Error()}
	if pe, ok := AsProviderError(err); ok {
		fb.Kind = pe.Kind
		fb.Limit = pe.Limit
		fb.RetryAfter = pe.RetryAfter
		fb.RetryAfterRaw = pe.RetryAfterRaw
	}
	return fb
}

// estimateTokens uses the usual four characters per token approximation.
func estimateTokens(req Request) int {
	return (len(req.System)+len(req.Prompt))/4 + req.MaxTokens
}
