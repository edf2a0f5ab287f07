// Package manifest parses the opaque manifest bytes a master advertises in
// RELAY_NOTIFY into the structured capability list the switch routes on.
// Everything about a manifest besides its capability list is opaque to the
// relay core; Name/Version/Description are kept only for display and are
// never consulted by routing.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/filegrind/relaycore/urn"
)

// Cap is one advertised capability: its URN plus human-readable metadata.
type Cap struct {
	Urn     urn.CapUrn
	Title   string
	Command string
	// Schema is an optional JSON Schema (Draft-7) describing the shape of
	// this cap's REQ payload. Nil when the manifest author did not supply
	// one; validated on demand via ValidateArgument, never by the switch.
	Schema json.RawMessage
}

// Manifest is the parsed view of a master's opaque advertisement.
type Manifest struct {
	raw         []byte
	Name        string
	Version     string
	Description string
	Caps        []Cap
}

// capDoc / manifestDoc mirror the preferred wire form:
// {"name":..,"version":..,"description":..,"caps":[{"urn":..,"title":..,"command":..}]}
type capDoc struct {
	Urn     string          `json:"urn"`
	Title   string          `json:"title"`
	Command string          `json:"command"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

type manifestDoc struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Caps        []capDoc `json:"caps"`
}

// legacyDoc is the flat fallback form: {"capabilities": ["cap:...", ...]}.
type legacyDoc struct {
	Capabilities []string `json:"capabilities"`
}

// Parse decodes manifest bytes into a Manifest. It accepts either the
// structured {"caps":[...]} form or the legacy {"capabilities":[...]} form;
// unparseable cap URNs are skipped rather than failing the whole manifest,
// since one bad entry should not blind the switch to the rest of a master's
// capabilities.
func Parse(raw []byte) (*Manifest, error) {
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err == nil && len(doc.Caps) > 0 {
		m := &Manifest{raw: raw, Name: doc.Name, Version: doc.Version, Description: doc.Description}
		for _, c := range doc.Caps {
			parsed, err := urn.Parse(c.Urn)
			if err != nil {
				continue
			}
			m.Caps = append(m.Caps, Cap{Urn: parsed, Title: c.Title, Command: c.Command, Schema: c.Schema})
		}
		return m, nil
	}

	var legacy legacyDoc
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	if legacy.Capabilities == nil {
		return nil, fmt.Errorf("manifest: missing both 'caps' and 'capabilities'")
	}
	m := &Manifest{raw: raw}
	for _, s := range legacy.Capabilities {
		parsed, err := urn.Parse(s)
		if err != nil {
			continue
		}
		m.Caps = append(m.Caps, Cap{Urn: parsed})
	}
	return m, nil
}

// Bytes returns the original opaque manifest bytes.
func (m *Manifest) Bytes() []byte { return m.raw }

// Capabilities returns the parsed capability list, deduplicated by
// canonical URN string.
func (m *Manifest) Capabilities() []urn.CapUrn {
	seen := make(map[string]bool, len(m.Caps))
	var out []urn.CapUrn
	for _, c := range m.Caps {
		key := c.Urn.CanonicalString()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c.Urn)
	}
	return out
}

// ErrMissingIdentity is returned by Validate when CAP_IDENTITY is absent.
type ErrMissingIdentity struct{}

func (ErrMissingIdentity) Error() string { return "manifest: missing CAP_IDENTITY" }

// Validate succeeds iff CAP_IDENTITY is present among the manifest's
// capabilities.
func (m *Manifest) Validate() error {
	for _, c := range m.Capabilities() {
		if c.Equals(urn.CapIdentity) {
			return nil
		}
	}
	return ErrMissingIdentity{}
}

// EnsureIdentity returns a manifest guaranteed to carry CAP_IDENTITY,
// adding it only if absent. It never mutates m and is idempotent:
// m.EnsureIdentity().EnsureIdentity() is structurally identical to
// m.EnsureIdentity().
func (m *Manifest) EnsureIdentity() *Manifest {
	if m.Validate() == nil {
		return m
	}
	out := &Manifest{raw: m.raw, Name: m.Name, Version: m.Version, Description: m.Description}
	out.Caps = make([]Cap, 0, len(m.Caps)+1)
	out.Caps = append(out.Caps, Cap{Urn: urn.CapIdentity, Title: "Identity", Command: "identity"})
	out.Caps = append(out.Caps, m.Caps...)
	return out
}

// aggregateDoc is the document shape RelaySwitch.Capabilities() renders:
// {"capabilities": [urnString, ...]}.
type aggregateDoc struct {
	Capabilities []string `json:"capabilities"`
}

// EncodeAggregate renders a deduplicated set of capability URNs as the
// aggregate capabilities JSON document.
func EncodeAggregate(caps []urn.CapUrn) []byte {
	doc := aggregateDoc{Capabilities: make([]string, 0, len(caps))}
	for _, c := range caps {
		doc.Capabilities = append(doc.Capabilities, c.CanonicalString())
	}
	data, _ := json.Marshal(doc)
	return data
}
