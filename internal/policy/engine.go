package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/metrics"
)

// DecisionQuery is the rule every admission policy must define.
const DecisionQuery = "data.research.admission.decision"

//go:embed admission.rego
var defaultPolicy string

// Input is what a policy sees for one submission.
type Input struct {
	Query         string `json:"query"`
	Provider      string `json:"provider"`
	MaxIterations int    `json:"max_iterations"`
	Subject       string `json:"subject"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// OPAEngine evaluates admission policies with OPA rego.
type OPAEngine struct {
	config   Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	cache    *decisionCache
}

// NewOPAEngine compiles the configured policies. In fail-closed mode a policy
// that cannot be loaded is an error; otherwise the engine admits everything.
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &OPAEngine{config: config, logger: logger, cache: newDecisionCache(1000, 5*time.Minute)}
	if !config.Enabled {
		return e, nil
	}
	if err := e.LoadPolicies(); err != nil {
		if config.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
	}
	return e, nil
}

// LoadPolicies loads and compiles the policy modules.
func (e *OPAEngine) LoadPolicies() error {
	policies := map[string]string{"admission": defaultPolicy}
	if e.config.Path != "" {
		loaded, err := readPolicies(e.config.Path)
		if err != nil {
			return err
		}
		if len(loaded) == 0 {
			return fmt.Errorf("no policy files found in %s", e.config.Path)
		}
		policies = loaded
	}

	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}
	e.compiled = &compiled
	e.cache.Clear()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", DecisionQuery),
	)
	return nil
}

func readPolicies(dir string) (map[string]string, error) {
	policies := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		policies[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	return policies, nil
}

// Enabled reports whether submissions are evaluated.
func (e *OPAEngine) Enabled() bool { return e.config.Enabled }

// Evaluate decides whether a submission is admitted. Evaluation errors
// follow the fail mode: fail-open admits, fail-closed denies and returns
// the error.
func (e *OPAEngine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if !e.config.Enabled {
		return Decision{Allow: true, Reason: "policy disabled"}, nil
	}
	if e.compiled == nil {
		return e.failure(fmt.Errorf("no policies loaded"))
	}
	if d, ok := e.cache.Get(input); ok {
		return d, nil
	}

	start := time.Now()
	inputMap, err := toMap(input)
	if err != nil {
		return e.failure(err)
	}
	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return e.failure(fmt.Errorf("policy evaluation: %w", err))
	}
	d := parseResults(results)
	e.cache.Set(input, d)

	label := "allow"
	if !d.Allow {
		label = "deny"
	}
	metrics.PolicyDecisions.WithLabelValues(label).Inc()
	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", d.Allow),
		zap.String("reason", d.Reason),
		zap.String("subject", input.Subject),
		zap.Duration("duration", time.Since(start)),
	)
	return d, nil
}

func (e *OPAEngine) failure(err error) (Decision, error) {
	metrics.PolicyDecisions.WithLabelValues("error").Inc()
	if e.config.FailClosed {
		return Decision{Allow: false, Reason: "policy evaluation error"}, err
	}
	e.logger.Warn("Policy evaluation failed, admitting", zap.Error(err))
	return Decision{Allow: true, Reason: "policy unavailable"}, nil
}

func toMap(input Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseResults accepts either a {allow, reason} object or a bare boolean.
func parseResults(results rego.ResultSet) Decision {
	d := Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
	case bool:
		d.Allow = v
		d.Reason = "denied by policy"
		if v {
			d.Reason = "allowed by policy"
		}
	}
	return d
}
