// Package urn implements the structural capability-URN matcher used by the
// relay core to decide which master serves which request.
//
// A cap URN has the textual form `cap:(op=X;)?in=Y;out=Z` where Y and Z are
// media-type specs (`media:...`). Fields are order-independent and values
// may be quoted when they themselves contain a semicolon (media specs
// frequently do, e.g. `in="media:text;utf8"`).
package urn

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies a CapUrn parse failure.
type ErrorCode int

const (
	ErrorInvalidFormat ErrorCode = iota
	ErrorMissingCapPrefix
	ErrorMissingInSpec
	ErrorMissingOutSpec
	ErrorUnterminatedQuote
	ErrorDuplicateKey
	ErrorInvalidMediaSpec
)

// ParseError is returned by Parse on malformed input.
type ParseError struct {
	Code    ErrorCode
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

// CapUrn is a parsed capability identifier: an optional named operation plus
// required input/output media specs.
type CapUrn struct {
	opSpec  string // meaningful only when hasOp is set
	hasOp   bool   // false means the op field is absent
	inSpec  string
	outSpec string
}

// Well-known capabilities.
var (
	// CapIdentity accepts any media type as input and output unchanged.
	CapIdentity = CapUrn{inSpec: "media:", outSpec: "media:"}
	// CapDiscard accepts any input and produces no output.
	CapDiscard = CapUrn{inSpec: "media:", outSpec: "media:void"}
)

// Parse parses a cap URN string into a CapUrn.
func Parse(text string) (CapUrn, error) {
	if len(text) < 4 || !strings.EqualFold(text[:4], "cap:") {
		return CapUrn{}, &ParseError{Code: ErrorMissingCapPrefix, Message: "cap URN must start with 'cap:'"}
	}

	fields, err := tokenize(text[4:])
	if err != nil {
		return CapUrn{}, err
	}

	u := CapUrn{}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		key := strings.ToLower(f.key)
		if seen[key] {
			return CapUrn{}, &ParseError{Code: ErrorDuplicateKey, Message: fmt.Sprintf("duplicate field %q", key)}
		}
		seen[key] = true

		switch key {
		case "op":
			u.opSpec = f.value
			u.hasOp = true
		case "in":
			u.inSpec = f.value
		case "out":
			u.outSpec = f.value
		default:
			return CapUrn{}, &ParseError{Code: ErrorInvalidFormat, Message: fmt.Sprintf("unknown cap URN field %q", key)}
		}
	}

	if !seen["in"] {
		return CapUrn{}, &ParseError{Code: ErrorMissingInSpec, Message: "cap URN missing required 'in' field"}
	}
	if !seen["out"] {
		return CapUrn{}, &ParseError{Code: ErrorMissingOutSpec, Message: "cap URN missing required 'out' field"}
	}
	if !isMediaSpec(u.inSpec) || !isMediaSpec(u.outSpec) {
		return CapUrn{}, &ParseError{Code: ErrorInvalidMediaSpec, Message: "'in'/'out' must be a media: spec"}
	}

	return u, nil
}

func isMediaSpec(s string) bool {
	return strings.HasPrefix(s, "media:")
}

// InSpec returns the input media spec.
func (u CapUrn) InSpec() string { return u.inSpec }

// OutSpec returns the output media spec.
func (u CapUrn) OutSpec() string { return u.outSpec }

// OpSpec returns the named operation and whether one is present.
func (u CapUrn) OpSpec() (string, bool) { return u.opSpec, u.hasOp }

// Accepts reports whether u, acting as a registered pattern, accepts other
// as a request. Subsumption is directional: a general pattern accepts a
// more specific request, never the reverse.
func (u CapUrn) Accepts(other CapUrn) bool {
	if u.hasOp != other.hasOp || (u.hasOp && u.opSpec != other.opSpec) {
		return false
	}
	return mediaAccepts(u.inSpec, other.inSpec) && mediaAccepts(u.outSpec, other.outSpec)
}

// mediaAccepts reports whether pattern subsumes request: pattern's
// semicolon-separated segments must be a prefix of request's segments.
// An empty "media:" pattern (no segments) matches any media.
func mediaAccepts(pattern, request string) bool {
	pSegs := mediaSegments(pattern)
	rSegs := mediaSegments(request)
	if len(pSegs) > len(rSegs) {
		return false
	}
	for i, seg := range pSegs {
		if rSegs[i] != seg {
			return false
		}
	}
	return true
}

func mediaSegments(spec string) []string {
	rest := strings.TrimPrefix(spec, "media:")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, ";")
}

// CanonicalString returns the field-sorted textual form, used for set
// membership and deduplication.
func (u CapUrn) CanonicalString() string {
	type kv struct{ k, v string }
	fields := []kv{{"in", u.inSpec}, {"out", u.outSpec}}
	if u.hasOp {
		fields = append(fields, kv{"op", u.opSpec})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].k < fields[j].k })

	var b strings.Builder
	b.WriteString("cap:")
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(f.k)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(f.v))
	}
	return b.String()
}

// Equals reports canonical-form equality.
func (u CapUrn) Equals(other CapUrn) bool {
	return u.CanonicalString() == other.CanonicalString()
}

type field struct{ key, value string }

// tokenize splits a cap URN's field-list (everything after "cap:") into
// key=value pairs, honoring double-quoted values that may themselves
// contain the ';' field separator.
func tokenize(s string) ([]field, error) {
	var fields []field
	for len(s) > 0 {
		s = strings.TrimPrefix(s, ";")
		if s == "" {
			break
		}
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, &ParseError{Code: ErrorInvalidFormat, Message: "expected key=value field"}
		}
		key := s[:eq]
		rest := s[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			v, remainder, err := readQuoted(rest[1:])
			if err != nil {
				return nil, err
			}
			value = v
			s = remainder
		} else {
			end := strings.IndexByte(rest, ';')
			if end < 0 {
				value = rest
				s = ""
			} else {
				value = rest[:end]
				s = rest[end:]
			}
		}
		fields = append(fields, field{key: key, value: value})
	}
	return fields, nil
}

// readQuoted reads a double-quoted value (with \" and \\ escapes) starting
// just after the opening quote. Returns the unescaped value and whatever of
// the input remains after the closing quote (including a leading ';' if any).
func readQuoted(s string) (string, string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", "", &ParseError{Code: ErrorUnterminatedQuote, Message: "invalid escape at end of value"}
			}
			b.WriteByte(s[i+1])
			i++
		case '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", &ParseError{Code: ErrorUnterminatedQuote, Message: "unterminated quoted value"}
}

func quoteIfNeeded(v string) string {
	if !strings.ContainsAny(v, ";\"") {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
