// Package interpolate expands {{var}} and {{fn(arg)}} templates against
// layered variable scopes, with resolver callbacks plugins can register for
// the function form. There is no direct teacher analogue for a templating
// layer; the registry-of-named-callbacks shape follows the general pattern
// internal/plugins/registry.go uses for plugin capability lookup.
package interpolate

import (
	"fmt"
	"regexp"
	"strings"
)

// Resolver is a named callback invoked for {{fn(arg)}} forms. arg is the
// text between the parens with surrounding quote characters trimmed and
// any templates inside it already expanded.
type Resolver func(arg string) (string, error)

// Registry holds named resolver callbacks, registered by plugins at
// startup.
type Registry struct {
	resolvers map[string]Resolver
}

// NewRegistry returns an empty resolver registry.
func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Register adds or replaces the resolver for name.
func (r *Registry) Register(name string, fn Resolver) {
	r.resolvers[name] = fn
}

// Scope is one layer of variables in the override chain; later scopes in a
// Scopes slice win over earlier ones.
type Scope map[string]any

// Scopes is an ordered list of variable layers, first to last meaning
// lowest to highest precedence — mirrors the engine's config-resolution
// order: project defaults → session variables → per-request variables.
type Scopes []Scope

// lookup returns the highest-precedence value bound to key.
func (s Scopes) lookup(key string) (any, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if v, ok := s[i][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// templatePattern matches {{ ... }} including either a bare identifier
// path or a call form name(args).
var templatePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

var callPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\((.*)\)$`)

// Interpolator expands templates using a Registry and a set of Scopes.
type Interpolator struct {
	registry *Registry
}

// New builds an Interpolator bound to registry.
func New(registry *Registry) *Interpolator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Interpolator{registry: registry}
}

// Registry returns the Interpolator's backing Registry, so callers can
// register additional resolvers (e.g. optional plugins gated on config)
// after construction.
func (in *Interpolator) Registry() *Registry {
	return in.registry
}

// Expand replaces every {{...}} occurrence in input. Variable references
// resolve against scopes; call-form references invoke the matching
// registered resolver. An unresolved plain variable reference is left
// untouched in the output (it's treated as a literal, not an error) so
// partially-configured templates remain legible; an unknown resolver name
// is an error since that's always a configuration mistake.
func (in *Interpolator) Expand(input string, scopes Scopes) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := templatePattern.FindStringSubmatch(match)[1]

		if call := callPattern.FindStringSubmatch(inner); call != nil {
			name, arg := call[1], call[2]
			resolver, ok := in.registry.resolvers[name]
			if !ok {
				firstErr = fmt.Errorf("interpolate: unknown resolver %q", name)
				return match
			}
			expandedArg, err := in.Expand(strings.Trim(arg, `"'`), scopes)
			if err != nil {
				firstErr = err
				return match
			}
			val, err := resolver(expandedArg)
			if err != nil {
				firstErr = fmt.Errorf("interpolate: resolver %q: %w", name, err)
				return match
			}
			return val
		}

		val, ok := scopes.lookup(inner)
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", val)
	})

	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ExpandMap applies Expand to every string value in m, in place semantics
// via a returned copy — used for header maps and similar string-valued
// structures built during request compilation.
func (in *Interpolator) ExpandMap(m map[string]string, scopes Scopes) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		expanded, err := in.Expand(v, scopes)
		if err != nil {
			return nil, err
		}
		out[k] = expanded
	}
	return out, nil
}
