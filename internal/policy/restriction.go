package policy

import (
	"encoding/json"

	"mcpgate/pkg/logging"
)

// Wildcard is the canonical "everything allowed" marker. Access lists
// and restriction lists containing it grant all items.
const Wildcard = "*"

// Kind selects one of the three catalog kinds a restriction can apply to.
type Kind string

const (
	KindTools     Kind = "tools"
	KindPrompts   Kind = "prompts"
	KindResources Kind = "resources"
)

// Restriction is the tagged variant describing what a role may use on
// one upstream. The zero value is All (no restriction).
type Restriction struct {
	kind  restrictionKind
	names map[string]struct{}
	// triple holds per-kind restrictions; only set for triple form.
	triple map[Kind]*Restriction
}

type restrictionKind int

const (
	restrictAll restrictionKind = iota
	restrictNone
	restrictNames
	restrictTriple
)

// AllowAll returns the unrestricted restriction.
func AllowAll() Restriction { return Restriction{kind: restrictAll} }

// AllowNone returns the fully restricted restriction.
func AllowNone() Restriction { return Restriction{kind: restrictNone} }

// AllowNames returns a restriction admitting exactly the given names.
// An empty list means nothing is allowed; a list containing the
// wildcard means everything is.
func AllowNames(names []string) Restriction {
	if len(names) == 0 {
		return AllowNone()
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == Wildcard {
			return AllowAll()
		}
		set[n] = struct{}{}
	}
	return Restriction{kind: restrictNames, names: set}
}

// AllowTriple returns a restriction with independent per-kind rules.
func AllowTriple(tools, prompts, resources Restriction) Restriction {
	return Restriction{
		kind: restrictTriple,
		triple: map[Kind]*Restriction{
			KindTools:     &tools,
			KindPrompts:   &prompts,
			KindResources: &resources,
		},
	}
}

// ForKind resolves the effective restriction for one catalog kind. The
// flat list form applies to tools only; prompts and resources are
// unrestricted under it.
func (r Restriction) ForKind(kind Kind) Restriction {
	switch r.kind {
	case restrictTriple:
		sub, ok := r.triple[kind]
		if !ok || sub == nil {
			return AllowAll()
		}
		return *sub
	case restrictNames, restrictNone:
		if kind == KindTools {
			return r
		}
		return AllowAll()
	default:
		return AllowAll()
	}
}

// Allows reports whether the restriction admits the given item name.
func (r Restriction) Allows(name string) bool {
	switch r.kind {
	case restrictAll:
		return true
	case restrictNone:
		return false
	case restrictNames:
		_, ok := r.names[name]
		return ok
	default:
		// A triple must be narrowed with ForKind before membership
		// checks; treat a direct check as the tools rule.
		return r.ForKind(KindTools).Allows(name)
	}
}

// IsAll reports whether the restriction admits everything.
func (r Restriction) IsAll() bool { return r.kind == restrictAll }

// ParseRestriction decodes one restriction value. Accepted shapes:
//
//   - nil                      -> All
//   - ["*"]                    -> All
//   - []                       -> None
//   - ["a","b"]                -> Names (tools only)
//   - {"tools":[...],"prompts":[...],"resources":[...]} -> Triple
//   - a JSON-encoded string of any of the above
//
// Undecodable input is treated as All: a malformed policy row must
// never lock a role out of everything by accident, and must never
// crash the dispatcher.
func ParseRestriction(raw interface{}) Restriction {
	switch v := raw.(type) {
	case nil:
		return AllowAll()
	case string:
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			logging.Warn("Policy", "Undecodable restriction value, treating as unrestricted: %.60q", v)
			return AllowAll()
		}
		return ParseRestriction(decoded)
	case []string:
		return AllowNames(v)
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				logging.Warn("Policy", "Non-string entry in restriction list, treating as unrestricted")
				return AllowAll()
			}
			names = append(names, s)
		}
		return AllowNames(names)
	case map[string]interface{}:
		tools := AllowAll()
		prompts := AllowAll()
		resources := AllowAll()
		if tv, ok := v["tools"]; ok {
			tools = ParseRestriction(tv)
		}
		if pv, ok := v["prompts"]; ok {
			prompts = ParseRestriction(pv)
		}
		if rv, ok := v["resources"]; ok {
			resources = ParseRestriction(rv)
		}
		return AllowTriple(tools, prompts, resources)
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			logging.Warn("Policy", "Undecodable restriction JSON, treating as unrestricted")
			return AllowAll()
		}
		return ParseRestriction(decoded)
	default:
		logging.Warn("Policy", "Unsupported restriction shape %T, treating as unrestricted", raw)
		return AllowAll()
	}
}

// ParseRestrictions decodes a full upstream-name -> restriction map.
// A JSON-encoded string of the whole map is accepted as well; decode
// failures yield an empty map (no restrictions).
func ParseRestrictions(raw interface{}) map[string]Restriction {
	switch v := raw.(type) {
	case nil:
		return map[string]Restriction{}
	case string:
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			logging.Warn("Policy", "Undecodable restrictions map, treating as unrestricted")
			return map[string]Restriction{}
		}
		return parseRestrictionMap(decoded)
	case map[string]interface{}:
		return parseRestrictionMap(v)
	case json.RawMessage:
		var decoded map[string]interface{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			logging.Warn("Policy", "Undecodable restrictions JSON, treating as unrestricted")
			return map[string]Restriction{}
		}
		return parseRestrictionMap(decoded)
	default:
		logging.Warn("Policy", "Unsupported restrictions shape %T, treating as unrestricted", raw)
		return map[string]Restriction{}
	}
}

func parseRestrictionMap(m map[string]interface{}) map[string]Restriction {
	out := make(map[string]Restriction, len(m))
	for name, value := range m {
		out[name] = ParseRestriction(value)
	}
	return out
}

// NormalizeAccess converts the two historical "all upstreams"
// representations (the bare "*" string and the ["*"] list) into the
// canonical list-containing-wildcard form.
func NormalizeAccess(access []string) []string {
	for _, a := range access {
		if a == Wildcard {
			return []string{Wildcard}
		}
	}
	return access
}
