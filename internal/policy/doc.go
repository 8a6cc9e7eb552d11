// Package policy implements the role-based permission filter that
// decides which upstream MCP servers, tools, prompts, and resources a
// caller may see and invoke.
//
// Restrictions are modelled as a tagged variant (All, None, Names,
// Triple) rather than sentinel strings, and are parsed once when a
// user context is materialized. The filter functions are pure: given
// the same restrictions and catalog they always produce the same
// result, and applying a filter twice yields the same set.
//
// Policy data frequently arrives in loosely-typed shapes (a flat name
// list, a per-kind triple, or a JSON-stringified column value); the
// parser accepts all of them and treats undecodable input as
// unrestricted, which matches the behaviour callers rely on.
package policy
