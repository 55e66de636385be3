// Package routing maps bank codes to peer node endpoints. The table is
// configuration-sourced and read-only to the settlement engine.
package routing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned when no endpoint is configured for a bank
// code.
var ErrNotConfigured = errors.New("routing: bank not configured")

// Table resolves outbound destinations for forwarded requests.
type Table struct {
	self    string
	entries map[string]string
}

// NewTable builds a routing table. self is this node's own bank code;
// entries maps peer bank codes to their base endpoints.
func NewTable(self string, entries map[string]string) *Table {
	normalized := make(map[string]string, len(entries))
	for code, endpoint := range entries {
		normalized[code] = strings.TrimRight(endpoint, "/")
	}
	return &Table{self: self, entries: normalized}
}

// Self returns this node's bank code.
func (t *Table) Self() string {
	return t.self
}

// IsLocal reports whether the bank code is this node's own.
func (t *Table) IsLocal(bankCode string) bool {
	return bankCode == t.self
}

// Resolve returns the base endpoint of a peer bank.
func (t *Table) Resolve(bankCode string) (string, error) {
	endpoint, ok := t.entries[bankCode]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, bankCode)
	}
	return endpoint, nil
}

// Peers returns the configured peer bank codes.
func (t *Table) Peers() []string {
	codes := make([]string, 0, len(t.entries))
	for code := range t.entries {
		codes = append(codes, code)
	}
	return codes
}
