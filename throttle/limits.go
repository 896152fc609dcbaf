package throttle

import (
	"context"

	"github.com/yairfalse/conductor/policy"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
)

// DefaultLimit is the number of concurrent creations allowed per scope
const DefaultLimit = 4

// LimitResolver returns the creation limit that applies to a resource
type LimitResolver interface {
	Limit(ctx context.Context, resource types.Resource) (int, error)
}

// StaticLimits applies Default everywhere except the scopes listed in Scopes
type StaticLimits struct {
	Default int
	Scopes  map[string]int
}

func (s StaticLimits) Limit(_ context.Context, resource types.Resource) (int, error) {
	if limit, ok := s.Scopes[resource.ScopeID]; ok && limit > 0 {
		return limit, nil
	}
	if s.Default > 0 {
		return s.Default, nil
	}
	return DefaultLimit, nil
}

// PolicyLimits asks a policy engine first and falls back when the policy
// has no opinion or cannot be evaluated.
type PolicyLimits struct {
	Engine   *policy.Engine
	Fallback LimitResolver
	Logger   *telemetry.Logger
}

func (p PolicyLimits) Limit(ctx context.Context, resource types.Resource) (int, error) {
	fallback := p.Fallback
	if fallback == nil {
		fallback = StaticLimits{Default: DefaultLimit}
	}
	if p.Engine == nil {
		return fallback.Limit(ctx, resource)
	}

	limit, ok, err := p.Engine.EvaluateLimit(ctx, policy.LimitInput{
		Kind:       resource.Kind,
		Scope:      resource.ScopeID,
		ResourceID: resource.ID,
		ProjectID:  resource.ProjectID,
		Attrs:      resource.Attrs,
	})
	if err != nil {
		if p.Logger != nil {
			p.Logger.WithContext(ctx).Warn().Err(err).Str("scope", resource.ScopeID).Msg("limit policy failed, using static limit")
		}
		return fallback.Limit(ctx, resource)
	}
	if !ok {
		return fallback.Limit(ctx, resource)
	}
	return limit, nil
}
