// Package capability restricts which exported symbols a host lets each plugin
// have resolved.
//
// Grants are gobwas/glob patterns over symbol names with '_' as the segment
// separator:
//   - '*' matches within one segment: "on_*" matches "on_chat" but NOT "on_chat_edit"
//   - '**' matches across segments: "on_**" matches both
//   - "**" matches any symbol
//
// Policy is opt-in per plugin. A plugin that was never given grants is not
// restricted; see IsRegistered.
package capability

import (
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// CodeInvalidGrant is the error code for rejected grant patterns.
const CodeInvalidGrant = "INVALID_GRANT"

// Separator splits symbol names into glob segments.
const Separator = '_'

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds per-plugin symbol grants.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	grants map[string][]compiledGrant
	mu     sync.RWMutex
}

// NewEnforcer creates an enforcer with no grants.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants replaces the symbol patterns granted to plugin. Either every
// pattern compiles and the grants are replaced, or nothing changes.
// An empty pattern list registers the plugin with no symbols allowed.
func (e *Enforcer) SetGrants(plugin string, patterns []string) error {
	if plugin == "" {
		return oops.Code(CodeInvalidGrant).Errorf("plugin name cannot be empty")
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return oops.Code(CodeInvalidGrant).
				With("plugin", plugin).
				With("index", i).
				Errorf("empty symbol pattern")
		}
		g, err := glob.Compile(pattern, Separator)
		if err != nil {
			return oops.Code(CodeInvalidGrant).
				With("plugin", plugin).
				With("pattern", pattern).
				Wrapf(err, "invalid symbol pattern")
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[plugin] = compiled
	return nil
}

// IsRegistered reports whether plugin has grants, and is therefore
// restricted to them.
func (e *Enforcer) IsRegistered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.grants[plugin]
	return ok
}

// RemoveGrants lifts all restrictions on plugin.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.grants, plugin)
}

// Grants returns a copy of the patterns granted to plugin, or nil if it is
// not registered.
func (e *Enforcer) Grants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Plugins returns the registered plugin names in sorted order.
func (e *Enforcer) Plugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	plugins := make([]string, 0, len(e.grants))
	for name := range e.grants {
		plugins = append(plugins, name)
	}
	sort.Strings(plugins)
	return plugins
}

// Check reports whether plugin may resolve symbol. It is false for an empty
// symbol and for plugins that are not registered; callers that treat
// unregistered plugins as unrestricted must consult IsRegistered first.
func (e *Enforcer) Check(plugin, symbol string) bool {
	if symbol == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[plugin] {
		if grant.glob.Match(symbol) {
			return true
		}
	}
	return false
}
