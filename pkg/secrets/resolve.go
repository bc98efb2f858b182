package secrets

import (
	"context"
	"fmt"

	"github.com/stacklok/authbroker/pkg/logging"
)

// descriptorKey is the map key that marks a secret descriptor:
// {"$secret": "NAME"} anywhere in a decoded configuration tree.
const descriptorKey = "$secret"

// Auditor is the append sink every resolution (success and failure) is
// recorded through, with source "secret:resolution".
type Auditor interface {
	Append(ctx context.Context, entry map[string]any)
}

// Resolver walks a generic JSON-shaped tree (the output of unmarshaling
// configuration into map[string]any/[]any/scalars) and returns a copy of it
// in which every {"$secret": "NAME"} descriptor is replaced with the value a
// chain of Providers supplies for NAME.
type Resolver struct {
	providers []Provider
	lenient   bool
	auditor   Auditor
}

// New constructs a Resolver trying providers in order. lenient controls
// whether a name no provider can resolve is left as an error (fail-fast,
// the default posture) or left in place as its original {"$secret": "NAME"}
// descriptor for a later resolution pass or manual operator inspection.
// auditor may be nil, in which case resolutions go unrecorded.
func New(lenient bool, auditor Auditor, providers ...Provider) *Resolver {
	return &Resolver{providers: providers, lenient: lenient, auditor: auditor}
}

// Resolve walks tree depth-first and returns a new tree with every secret
// descriptor replaced. tree is not mutated in place since map/slice
// iteration order during a live rewrite is unsafe; a fresh tree is built
// and returned instead.
func (r *Resolver) Resolve(ctx context.Context, tree any) (any, error) {
	switch t := tree.(type) {
	case map[string]any:
		if name, ok := asDescriptor(t); ok {
			return r.resolveOne(ctx, name, t)
		}
		out := make(map[string]any, len(t))
		for k, v := range t {
			resolved, err := r.Resolve(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("secrets: key %q: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			resolved, err := r.Resolve(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("secrets: index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return tree, nil
	}
}

func asDescriptor(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	v, ok := m[descriptorKey]
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

func (r *Resolver) resolveOne(ctx context.Context, name string, descriptor map[string]any) (any, error) {
	var lastErr error
	for _, p := range r.providers {
		value, err := p.Resolve(ctx, name)
		if err == nil {
			r.audit(ctx, name, true, p.Name(), "")
			return value, nil
		}
		lastErr = err
		logging.Debugf("secrets: provider %s could not resolve %q: %v", p.Name(), name, err)
	}

	if r.lenient {
		logging.Warnf("secrets: %q unresolved by any provider, leaving descriptor intact (lenient mode)", name)
		r.audit(ctx, name, false, "", "unresolved by any provider (lenient)")
		// The original descriptor is returned unmodified rather than
		// blanked out, so a later resolution pass or an operator reading
		// the rendered config can still see what was expected here.
		return descriptor, nil
	}
	r.audit(ctx, name, false, "", lastErr.Error())
	return nil, fmt.Errorf("secrets: no provider could resolve %q: %w", name, lastErr)
}

func (r *Resolver) audit(ctx context.Context, name string, success bool, provider, reason string) {
	if r.auditor == nil {
		return
	}
	entry := map[string]any{
		"source":  "secret:resolution",
		"success": success,
		"target":  name,
	}
	if reason != "" {
		entry["reason"] = reason
	}
	if provider != "" {
		entry["provider"] = provider
	}
	r.auditor.Append(ctx, entry)
}
