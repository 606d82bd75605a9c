package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/research-copilot/internal/metrics"
)

const (
	defaultMinGraphResults = 3
	sampleSize             = 3
)

// Request describes one retrieval pass.
type Request struct {
	Query    string
	Entities []string
	Symbols  []string
	Strategy Strategy
	// Hint and Focus are set on loop-back passes only.
	Hint      Hint
	Focus     string
	Iteration int
	// History lists the passes already executed for this session.
	History []Pass
}

// Pass records what a retrieval pass actually fetched.
type Pass struct {
	Iteration int      `json:"iteration"`
	Strategy  Strategy `json:"strategy,omitempty"`
	Hint      Hint     `json:"hint,omitempty"`
	Focus     string   `json:"focus,omitempty"`
	Depth     int      `json:"depth,omitempty"`
	Sources   []string `json:"sources"`
}

// SourceRun reports a single source call inside a pass.
type SourceRun struct {
	Source     string
	Query      string
	Count      int
	Confidence float64
	Sample     []Record
	Cached     bool
	Err        error
}

// Outcome is the merged result of a pass.
type Outcome struct {
	Records     map[string][]Record
	Confidences map[string]float64
	Runs        []SourceRun
	Gaps        []string
	Answer      string
	Pass        Pass
}

// Total counts records across all sources.
func (o Outcome) Total() int {
	n := 0
	for _, recs := range o.Records {
		n += len(recs)
	}
	return n
}

type call struct {
	source string
	query  Query
}

// phase is a group of calls executed together. when, if set, is consulted
// against the record counts gathered so far.
type phase struct {
	calls []call
	when  func(counts map[string]int) bool
}

// Coordinator turns a strategy or refinement hint into source calls.
type Coordinator struct {
	sources  map[string]Source
	cache    Cache
	cacheTTL time.Duration
	minGraph int
	logger   *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSource registers a source under its Name.
func WithSource(s Source) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sources[s.Name()] = s
		}
	}
}

// WithCache enables per-call result caching.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithMinGraphResults sets the GRAPH_THEN_WEB threshold.
func WithMinGraphResults(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.minGraph = n
		}
	}
}

// NewCoordinator creates a coordinator. The coordinator holds no session state
// and is shared across sessions.
func NewCoordinator(logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		sources:  make(map[string]Source),
		minGraph: defaultMinGraphResults,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Has reports whether a source is registered.
func (c *Coordinator) Has(name string) bool {
	_, ok := c.sources[name]
	return ok
}

// Retrieve executes one pass. Source failures become empty results plus a gap;
// Retrieve itself only fails when ctx is done.
func (c *Coordinator) Retrieve(ctx context.Context, req Request) (Outcome, error) {
	phases, pass := c.plan(req)
	out := Outcome{
		Records:     make(map[string][]Record),
		Confidences: make(map[string]float64),
		Pass:        pass,
	}
	counts := make(map[string]int)

	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if ph.when != nil && !ph.when(counts) {
			continue
		}
		runs := c.runPhase(ctx, ph.calls)
		for i, run := range runs {
			src := ph.calls[i].source
			out.Pass.Sources = append(out.Pass.Sources, src)
			out.Runs = append(out.Runs, run.SourceRun)
			if run.Err != nil {
				out.Gaps = append(out.Gaps, fmt.Sprintf("%s unavailable: %v", src, run.Err))
				continue
			}
			out.Records[src] = mergeRecords(out.Records[src], run.result.Records)
			counts[src] = len(out.Records[src])
			if run.result.Confidence > out.Confidences[src] {
				out.Confidences[src] = run.result.Confidence
			}
			if run.result.Answer != "" {
				out.Answer = run.result.Answer
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	c.logger.Debug("Retrieval pass finished",
		zap.Int("iteration", req.Iteration),
		zap.String("strategy", string(req.Strategy)),
		zap.String("hint", string(pass.Hint)),
		zap.Strings("sources", out.Pass.Sources),
		zap.Int("records", out.Total()),
		zap.Int("gaps", len(out.Gaps)),
	)
	return out, nil
}

type phaseRun struct {
	SourceRun
	result Result
}

func (c *Coordinator) runPhase(ctx context.Context, calls []call) []phaseRun {
	runs := make([]phaseRun, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, cl := range calls {
		i, cl := i, cl
		g.Go(func() error {
			runs[i] = c.fetch(gctx, cl)
			return nil
		})
	}
	_ = g.Wait()
	return runs
}

func (c *Coordinator) fetch(ctx context.Context, cl call) phaseRun {
	run := phaseRun{SourceRun: SourceRun{Source: cl.source, Query: cl.query.Text}}
	src, ok := c.sources[cl.source]
	if !ok {
		run.Err = &SourceError{Source: cl.source, Err: ErrNotConfigured}
		metrics.RecordRetrieval(cl.source, "unconfigured", 0, 0)
		return run
	}

	if c.cache != nil {
		if res, hit := c.cache.Get(ctx, cl.source, cl.query); hit {
			run.result = res
			run.fill(res)
			run.Cached = true
			metrics.RecordRetrieval(cl.source, "cache_hit", len(res.Records), 0)
			return run
		}
	}

	start := time.Now()
	res, err := src.Fetch(ctx, cl.query)
	elapsed := time.Since(start)
	if err != nil {
		var se *SourceError
		if !errors.As(err, &se) {
			err = &SourceError{Source: cl.source, Err: err}
		}
		run.Err = err
		metrics.RecordRetrieval(cl.source, "error", 0, elapsed)
		c.logger.Warn("Retrieval source failed",
			zap.String("source", cl.source),
			zap.String("query", cl.query.Text),
			zap.Error(err),
		)
		return run
	}
	res.Records = mergeRecords(nil, res.Records)
	run.result = res
	run.fill(res)
	metrics.RecordRetrieval(cl.source, "success", len(res.Records), elapsed)

	if c.cache != nil && len(res.Records) > 0 {
		c.cache.Set(ctx, cl.source, cl.query, res, c.cacheTTL)
	}
	return run
}

func (r *phaseRun) fill(res Result) {
	r.Count = len(res.Records)
	r.Confidence = res.Confidence
	n := len(res.Records)
	if n > sampleSize {
		n = sampleSize
	}
	r.Sample = append([]Record(nil), res.Records[:n]...)
}

// plan resolves a request into ordered phases. It is pure.
func (c *Coordinator) plan(req Request) ([]phase, Pass) {
	pass := Pass{Iteration: req.Iteration, Strategy: req.Strategy}
	base := Query{Text: req.Query, Entities: req.Entities, Symbols: req.Symbols, Depth: 1}

	if req.Hint == HintNone {
		return c.strategyPhases(req.Strategy, base), pass
	}

	hint, depth := c.resolveHint(req)
	pass.Hint = hint
	pass.Focus = req.Focus
	pass.Depth = depth

	focused := base
	if req.Focus != "" {
		focused.Text = req.Focus
	}

	switch hint {
	case HintNeedWeb:
		return []phase{{calls: []call{{SourceWeb, focused}}}}, pass
	case HintNeedVector:
		return []phase{{calls: []call{{SourceVector, focused}}}}, pass
	case HintNeedFinancial:
		q := base
		q.Symbols = mergeSymbols(req.Symbols, ParseSymbols(req.Focus))
		return []phase{{calls: []call{{SourceFinancial, q}}}}, pass
	default:
		q := base
		if req.Focus != "" {
			q.Entities = appendUnique(append([]string(nil), req.Entities...), req.Focus)
		}
		q.Depth = depth
		return []phase{{calls: []call{{SourceGraph, q}}}}, pass
	}
}

func (c *Coordinator) strategyPhases(s Strategy, q Query) []phase {
	graph := call{SourceGraph, q}
	web := call{SourceWeb, q}
	belowMin := func(counts map[string]int) bool { return counts[SourceGraph] < c.minGraph }

	switch s {
	case StrategyGraphOnly:
		return []phase{{calls: []call{graph}}}
	case StrategyGraphThenWeb:
		return []phase{{calls: []call{graph}}, {calls: []call{web}, when: belowMin}}
	case StrategyWebOnly:
		return []phase{{calls: []call{web}}}
	case StrategyFinancialFirst:
		if len(q.Symbols) == 0 {
			return []phase{{calls: []call{graph}}, {calls: []call{web}, when: belowMin}}
		}
		return []phase{
			{calls: []call{{SourceFinancial, q}}},
			{calls: []call{graph}},
			{calls: []call{web}, when: func(counts map[string]int) bool { return counts[SourceFinancial] == 0 }},
		}
	default:
		return []phase{{calls: []call{graph, web}}}
	}
}

var escalation = []Hint{HintNeedWeb, HintNeedVector, HintNeedDeeperGraph, HintNeedFinancial}

// resolveHint picks the hint to execute. A hint already executed with the
// same focus escalates to the next one that has not been, so two passes never
// issue the same fetch. Exhausting every hint deepens the graph walk instead.
func (c *Coordinator) resolveHint(req Request) (Hint, int) {
	used := func(h Hint) bool {
		for _, p := range req.History {
			if p.Hint == h && p.Focus == req.Focus {
				return true
			}
		}
		return false
	}
	usable := func(h Hint) bool {
		switch h {
		case HintNeedVector:
			return c.Has(SourceVector)
		case HintNeedFinancial:
			return len(req.Symbols) > 0 || len(ParseSymbols(req.Focus)) > 0
		}
		return true
	}

	hint := req.Hint
	if !usable(hint) || used(hint) {
		hint = HintNone
		for _, h := range escalation {
			if usable(h) && !used(h) {
				hint = h
				break
			}
		}
	}
	if hint != HintNone && hint != HintNeedDeeperGraph {
		return hint, 1
	}

	depth := 2
	for _, p := range req.History {
		if p.Hint == HintNeedDeeperGraph && p.Depth >= depth {
			depth = p.Depth + 1
		}
	}
	return HintNeedDeeperGraph, depth
}

func mergeRecords(dst, src []Record) []Record {
	seen := make(map[string]struct{}, len(dst)+len(src))
	for _, r := range dst {
		seen[r.Key()] = struct{}{}
	}
	for _, r := range src {
		k := r.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, r)
	}
	return dst
}

// ParseSymbols extracts ticker symbols from a comma separated list such as
// "MSFT,$AAPL". Only upper-case or $-prefixed pieces of two to five letters
// count; lower-case words and pieces containing spaces are free text.
func ParseSymbols(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if strings.HasPrefix(f, "$") {
			f = strings.ToUpper(f[1:])
		}
		if isTicker(f) {
			out = appendUnique(out, f)
		}
	}
	return out
}

func isTicker(s string) bool {
	if len(s) < 2 || len(s) > 5 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func mergeSymbols(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		out = appendUnique(out, s)
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
