package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const skillFileName = "SKILL.md"

// frontmatter is the YAML header of a SKILL.md file. The body after the
// closing "---" is the skill's prompt fragment.
type frontmatter struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Tools       []string                 `yaml:"tools"`
	MCPServers  map[string]mcpServerYAML `yaml:"mcpServers"`
	SubAgents   map[string]subAgentYAML  `yaml:"subAgents"`
}

type mcpServerYAML struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

type subAgentYAML struct {
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	Tools       []string `yaml:"tools"`
	Model       string   `yaml:"model"`
}

// LoadDir walks dir for SKILL.md files (one skill per immediate
// subdirectory, mirroring the teacher's ".skills/<name>/SKILL.md" layout)
// and parses each into a Skill. Parse failures for one file are collected,
// not fatal to the others.
func LoadDir(dir string) ([]Skill, []error) {
	var out []Skill
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("reading skills dir: %w", err)}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), skillFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sk, err := parseSkillFile(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		out = append(out, sk)
	}
	return out, errs
}

func parseSkillFile(data []byte) (Skill, error) {
	fm, body, err := extractFrontmatter(string(data))
	if err != nil {
		return Skill{}, err
	}
	if strings.TrimSpace(fm.Name) == "" {
		return Skill{}, fmt.Errorf("missing field `name`")
	}

	sk := Skill{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
		Prompt:      strings.TrimSpace(body),
		Tools:       fm.Tools,
	}
	if len(fm.MCPServers) > 0 {
		sk.MCPServers = make(map[string]MCPServerSpec, len(fm.MCPServers))
		for name, s := range fm.MCPServers {
			sk.MCPServers[name] = MCPServerSpec{Command: s.Command, Args: s.Args, Env: s.Env}
		}
	}
	if len(fm.SubAgents) > 0 {
		sk.SubAgents = make(map[string]SubAgentSpec, len(fm.SubAgents))
		for name, s := range fm.SubAgents {
			sk.SubAgents[name] = SubAgentSpec{Description: s.Description, Prompt: s.Prompt, Tools: s.Tools, Model: s.Model}
		}
	}
	return sk, nil
}

// extractFrontmatter splits a SKILL.md file into its YAML header and the
// markdown body that follows the closing delimiter.
func extractFrontmatter(contents string) (frontmatter, string, error) {
	const delim = "---"
	lines := strings.Split(contents, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != delim {
		return frontmatter{}, "", fmt.Errorf("missing YAML frontmatter delimited by ---")
	}
	var header []string
	bodyStart := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delim {
			bodyStart = i + 1
			break
		}
		header = append(header, lines[i])
	}
	if bodyStart == -1 {
		return frontmatter{}, "", fmt.Errorf("missing closing --- delimiter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(header, "\n")), &fm); err != nil {
		return frontmatter{}, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[bodyStart:], "\n"), nil
}
