// Package scope holds the read-only table of configured MAX servers.
package scope

import "sort"

// Prefix is prepended to an inbound server_id to find its scope.
const Prefix = "max_"

// Scope is one configured directory backend and the service account used to call it.
type Scope struct {
	Name          string
	ServerURL     string
	AuthServerURL string
	Username      string
	Token         string
}

// Table maps scope names to their configuration. It is built once at
// startup and never mutated afterwards.
type Table struct {
	scopes map[string]Scope
}

// NewTable copies the given scopes into a new table.
func NewTable(scopes ...Scope) *Table {
	m := make(map[string]Scope, len(scopes))
	for _, s := range scopes {
		m[s.Name] = s
	}
	return &Table{scopes: m}
}

// Get returns the scope registered under its full name (e.g. "max_a").
func (t *Table) Get(name string) (Scope, bool) {
	s, ok := t.scopes[name]
	return s, ok
}

// ForServer resolves the scope for a server_id carried by a queue message.
func (t *Table) ForServer(serverID string) (Scope, bool) {
	return t.Get(Prefix + serverID)
}

// Names returns the scope names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.scopes))
	for n := range t.scopes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len reports how many scopes are loaded.
func (t *Table) Len() int {
	return len(t.scopes)
}
