// Package skills defines the static, non-persisted bundles of tools, MCP
// servers, sub-agents, and prompt fragments that a conversation can opt
// into by name, and the merge algorithm that composes several of them into
// one configuration.
package skills

// MCPServerSpec is the launch descriptor for an out-of-process tool
// provider contributed by a skill.
type MCPServerSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// SubAgentSpec describes a named sub-agent a skill makes available.
type SubAgentSpec struct {
	Description string
	Prompt      string
	Tools       []string
	Model       string
}

// Skill is a named, composable bundle of configuration.
type Skill struct {
	Name        string
	Description string
	Prompt      string
	Tools       []string
	MCPServers  map[string]MCPServerSpec
	SubAgents   map[string]SubAgentSpec
}

// Merged is the result of composing zero or more skills.
type Merged struct {
	Tools      []string
	MCPServers map[string]MCPServerSpec
	SubAgents  map[string]SubAgentSpec
	Prompt     string
}

// Merge composes skills by: tool-set union (deduplicated, first-occurrence
// order preserved), last-writer-wins for MCP servers and sub-agents by
// name, and prompt concatenation with a blank-line separator. The input
// order is the precedence order for the last-writer-wins maps.
func Merge(list []Skill) Merged {
	out := Merged{
		MCPServers: make(map[string]MCPServerSpec),
		SubAgents:  make(map[string]SubAgentSpec),
	}

	seenTool := make(map[string]bool)
	var prompts []string

	for _, s := range list {
		for _, t := range s.Tools {
			if seenTool[t] {
				continue
			}
			seenTool[t] = true
			out.Tools = append(out.Tools, t)
		}
		for name, spec := range s.MCPServers {
			out.MCPServers[name] = spec
		}
		for name, spec := range s.SubAgents {
			out.SubAgents[name] = spec
		}
		if s.Prompt != "" {
			prompts = append(prompts, s.Prompt)
		}
	}

	out.Prompt = joinNonEmpty(prompts, "\n\n")
	return out
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// Registry resolves skill names to their definitions. Implementations are
// pluggable static configuration, not a persisted store (see spec's Skill
// data model: "Static configuration (not persisted)").
type Registry interface {
	// Resolve returns the skills matching the given names, silently
	// ignoring names that are not registered.
	Resolve(names []string) []Skill
}

// StaticRegistry is the simplest Registry: an in-memory name -> Skill map,
// the shape a caller loading skills from YAML/SKILL.md files would produce.
type StaticRegistry struct {
	skills map[string]Skill
}

// NewStaticRegistry builds a StaticRegistry from the given skills, indexed
// by name. Later entries with a duplicate name overwrite earlier ones.
func NewStaticRegistry(list []Skill) *StaticRegistry {
	m := make(map[string]Skill, len(list))
	for _, s := range list {
		m[s.Name] = s
	}
	return &StaticRegistry{skills: m}
}

func (r *StaticRegistry) Resolve(names []string) []Skill {
	var out []Skill
	for _, n := range names {
		if s, ok := r.skills[n]; ok {
			out = append(out, s)
		}
	}
	return out
}
