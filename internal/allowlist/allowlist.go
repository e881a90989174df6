// Package allowlist provides static recipient address screening.
//
// The list operates in exactly one mode: allowlist (only listed addresses
// may receive payments) or blocklist (everyone may, except listed
// addresses). The mode is configuration, not per-entry.
package allowlist

import (
	"fmt"
	"sort"
	"strings"
)

// Mode selects how the configured set is interpreted.
type Mode string

const (
	ModeDisabled  Mode = "disabled"
	ModeAllowlist Mode = "allowlist"
	ModeBlocklist Mode = "blocklist"
)

// BlockedError reports a recipient rejected by the configured list.
// Non-recoverable for that address: the caller must pick another recipient
// or change configuration.
type BlockedError struct {
	Address string
	Mode    Mode
}

func (e *BlockedError) Error() string {
	if e.Mode == ModeAllowlist {
		return fmt.Sprintf("allowlist: address %s is not on the allowlist", e.Address)
	}
	return fmt.Sprintf("allowlist: address %s is blocked", e.Address)
}

// Entry is one configured address with an optional operator label.
type Entry struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

// List is an immutable address screen. Construct once from config.
type List struct {
	mode    Mode
	entries map[string]string // lowercased address -> label
}

// New builds a List. Addresses are case-folded; an unknown mode behaves as
// disabled.
func New(mode Mode, entries []Entry) *List {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[strings.ToLower(strings.TrimSpace(e.Address))] = e.Label
	}
	return &List{mode: mode, entries: m}
}

// Mode returns the configured mode.
func (l *List) Mode() Mode {
	return l.mode
}

// Validate checks a recipient address against the list. No state is mutated.
func (l *List) Validate(address string) error {
	addr := strings.ToLower(strings.TrimSpace(address))
	_, listed := l.entries[addr]

	switch l.mode {
	case ModeAllowlist:
		if !listed {
			return &BlockedError{Address: address, Mode: l.mode}
		}
	case ModeBlocklist:
		if listed {
			return &BlockedError{Address: address, Mode: l.mode}
		}
	}
	return nil
}

// Entries returns the configured set sorted by address, for the
// introspection tools.
func (l *List) Entries() []Entry {
	out := make([]Entry, 0, len(l.entries))
	for addr, label := range l.entries {
		out = append(out, Entry{Address: addr, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
