// Package policy evaluates Rego policies that tune provisioning limits per
// scope. Policies define data.conductor.throttle.limit; an undefined result
// means the caller keeps its static limit.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
)

// LimitQuery is the rule evaluated for throttle limits
const LimitQuery = "data.conductor.throttle.limit"

// LimitInput is the document policies see as input
type LimitInput struct {
	Kind       string            `json:"kind"`
	Scope      string            `json:"scope"`
	ResourceID string            `json:"resource_id"`
	ProjectID  string            `json:"project_id,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Engine holds compiled limit policies
type Engine struct {
	logger *telemetry.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	modules map[string]string
	query   *rego.PreparedEvalQuery
}

// NewEngine creates an engine with no policies loaded
func NewEngine(logger *telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Engine{
		logger:  logger.Component("policy"),
		tracer:  otel.Tracer("conductor/policy"),
		modules: make(map[string]string),
	}
}

// LoadPolicy compiles a Rego module under name, replacing any module with
// the same name. A module that fails to compile leaves the engine unchanged.
func (e *Engine) LoadPolicy(ctx context.Context, name, code string) error {
	ctx, span := e.tracer.Start(ctx, "policy.load",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	modules := make(map[string]string, len(e.modules)+1)
	for n, c := range e.modules {
		modules[n] = c
	}
	modules[name] = code

	prepared, err := prepare(ctx, modules)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}
	e.modules = modules
	e.query = prepared

	e.logger.WithContext(ctx).Info().Str("policy_name", name).Msg("policy loaded")
	return nil
}

// LoadFile loads one .rego file, named after its base name
func (e *Engine) LoadFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return e.LoadPolicy(ctx, filepath.Base(path), string(content))
}

// LoadPath loads a single file or every .rego file under a directory
func (e *Engine) LoadPath(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("policy path %s: %w", path, err)
	}
	if !info.IsDir() {
		return e.LoadFile(ctx, path)
	}
	return filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || !strings.HasSuffix(p, ".rego") {
			return nil
		}
		return e.LoadFile(ctx, p)
	})
}

// Policies returns the names of loaded modules
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EvaluateLimit returns the limit the policies assign to input. ok is false
// when no policy is loaded or the rule is undefined for input.
func (e *Engine) EvaluateLimit(ctx context.Context, input LimitInput) (limit int, ok bool, err error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()
	if query == nil {
		return 0, false, nil
	}

	ctx, span := e.tracer.Start(ctx, "policy.evaluate_limit",
		trace.WithAttributes(attribute.String("scope", input.Scope), attribute.String("kind", input.Kind)))
	defer span.End()

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return 0, false, fmt.Errorf("failed to evaluate %s: %w", LimitQuery, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return 0, false, nil
	}

	limit, err = toLimit(rs[0].Expressions[0].Value)
	if err != nil {
		return 0, false, err
	}

	e.logger.WithContext(ctx).Debug().
		Str("scope", input.Scope).
		Int("limit", limit).
		Msg("policy limit evaluated")
	return limit, true, nil
}

func prepare(ctx context.Context, modules map[string]string) (*rego.PreparedEvalQuery, error) {
	options := []func(*rego.Rego){rego.Query(LimitQuery)}
	for name, code := range modules {
		options = append(options, rego.Module(name, code))
	}
	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &prepared, nil
}

func toLimit(value any) (int, error) {
	var n int64
	switch v := value.(type) {
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, &types.ConfigurationError{Field: "throttle.policy", Reason: "limit must be an integer, got " + v.String()}
		}
		n = i
	case float64:
		if v != float64(int64(v)) {
			return 0, &types.ConfigurationError{Field: "throttle.policy", Reason: fmt.Sprintf("limit must be an integer, got %v", v)}
		}
		n = int64(v)
	case int:
		n = int64(v)
	case int64:
		n = v
	default:
		return 0, &types.ConfigurationError{Field: "throttle.policy", Reason: fmt.Sprintf("limit must be a number, got %T", value)}
	}
	if n < 1 {
		return 0, &types.ConfigurationError{Field: "throttle.policy", Reason: fmt.Sprintf("limit must be positive, got %d", n)}
	}
	return int(n), nil
}
