package policy

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// UserContext is the snapshot of a caller's effective policy, as
// returned by the auth service and cached by the gateway.
type UserContext struct {
	UserID           string
	RoleName         string
	MCPAccess        []string
	ToolRestrictions map[string]Restriction
	ServiceGrants    map[string]struct{}
}

// HasGrant reports whether the user holds the given service grant
// (e.g. "mcp", "chat").
func (u *UserContext) HasGrant(service string) bool {
	_, ok := u.ServiceGrants[service]
	return ok
}

// restrictionFor returns the restriction configured for an upstream,
// or All when none is present.
func (u *UserContext) restrictionFor(upstream string) Restriction {
	if u.ToolRestrictions == nil {
		return AllowAll()
	}
	r, ok := u.ToolRestrictions[upstream]
	if !ok {
		return AllowAll()
	}
	return r
}

// VisibleUpstreams intersects the user's mcp_access with the set of
// active upstream names. The wildcard grants all active upstreams.
// The result is sorted for stable catalog ordering.
func VisibleUpstreams(access []string, active []string) []string {
	access = NormalizeAccess(access)

	var visible []string
	if len(access) == 1 && access[0] == Wildcard {
		visible = append(visible, active...)
	} else {
		allowed := make(map[string]struct{}, len(access))
		for _, a := range access {
			allowed[a] = struct{}{}
		}
		for _, name := range active {
			if _, ok := allowed[name]; ok {
				visible = append(visible, name)
			}
		}
	}

	sort.Strings(visible)
	return visible
}

// FilterTools returns the tools of one upstream that the user may see.
func (u *UserContext) FilterTools(upstream string, tools []mcp.Tool) []mcp.Tool {
	r := u.restrictionFor(upstream).ForKind(KindTools)
	if r.IsAll() {
		return tools
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if r.Allows(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// FilterPrompts returns the prompts of one upstream that the user may see.
func (u *UserContext) FilterPrompts(upstream string, prompts []mcp.Prompt) []mcp.Prompt {
	r := u.restrictionFor(upstream).ForKind(KindPrompts)
	if r.IsAll() {
		return prompts
	}
	out := make([]mcp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		if r.Allows(p.Name) {
			out = append(out, p)
		}
	}
	return out
}

// FilterResources returns the resources of one upstream that the user
// may see. Resources are matched by URI.
func (u *UserContext) FilterResources(upstream string, resources []mcp.Resource) []mcp.Resource {
	r := u.restrictionFor(upstream).ForKind(KindResources)
	if r.IsAll() {
		return resources
	}
	out := make([]mcp.Resource, 0, len(resources))
	for _, res := range resources {
		if r.Allows(res.URI) {
			out = append(out, res)
		}
	}
	return out
}

// CanCallTool reports whether the user may invoke the named tool on
// the named upstream. It follows the same semantics as FilterTools.
func (u *UserContext) CanCallTool(upstream, tool string) bool {
	return u.restrictionFor(upstream).ForKind(KindTools).Allows(tool)
}

// CanGetPrompt reports whether the user may fetch the named prompt.
func (u *UserContext) CanGetPrompt(upstream, prompt string) bool {
	return u.restrictionFor(upstream).ForKind(KindPrompts).Allows(prompt)
}

// CanReadResource reports whether the user may read the resource URI.
func (u *UserContext) CanReadResource(upstream, uri string) bool {
	return u.restrictionFor(upstream).ForKind(KindResources).Allows(uri)
}
