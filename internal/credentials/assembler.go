package credentials

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"agentloop/internal/domain"
	"agentloop/internal/mcp"
	"agentloop/internal/skills"
)

// DefaultAllowedTools is the fallback allowed-tool set when the caller
// supplies none.
var DefaultAllowedTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}

// PermissionMode enumerates how much autonomy a QueryPlan invocation has.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
)

// InvocationPolicy bounds one LLM invocation.
type InvocationPolicy struct {
	Timeout        time.Duration
	PermissionMode PermissionMode
	MaxTurns       int
}

// QueryPlan is the fully assembled input to an LLM client invocation.
type QueryPlan struct {
	Prompt       string
	SystemPrompt string
	SessionID    string

	AllowedTools []string
	SubAgents    map[string]skills.SubAgentSpec
	MCPServers   map[string]mcp.ServerConfig

	Policy InvocationPolicy
}

// Request is the assembler's input.
type Request struct {
	Prompt       string
	CallerPrompt string
	SessionID    string
	AllowedTools []string
	SkillNames   []string

	Integrations []domain.Integration
	// EncryptionKey unwraps each integration's ciphertext tokens.
	EncryptionKey []byte

	Policy InvocationPolicy
}

// Assembler builds QueryPlans from integrations and skills.
type Assembler struct {
	decryptor Decryptor
	skills    skills.Registry
	log       zerolog.Logger
}

// New constructs an Assembler.
func New(decryptor Decryptor, registry skills.Registry, log zerolog.Logger) *Assembler {
	return &Assembler{decryptor: decryptor, skills: registry, log: log}
}

// Assemble implements spec.md §4.3's process: decrypt integration tokens,
// build per-provider MCP server configs, resolve and merge skills, and
// combine everything with the caller's explicit allowed-tools/system
// prompt.
func (a *Assembler) Assemble(req Request) QueryPlan {
	userMCP := make(map[string]mcp.ServerConfig)
	for _, integ := range req.Integrations {
		if !integ.Active {
			continue
		}
		cfg, ok := a.buildServerConfig(integ, req.EncryptionKey)
		if !ok {
			continue
		}
		userMCP[integ.Provider] = cfg
	}

	resolved := a.skills.Resolve(req.SkillNames)
	merged := skills.Merge(resolved)

	allowed := req.AllowedTools
	if len(allowed) == 0 {
		allowed = DefaultAllowedTools
	}
	allTools := unionPreserveOrder(allowed, merged.Tools)

	finalMCP := make(map[string]mcp.ServerConfig, len(userMCP)+len(merged.MCPServers))
	for name, cfg := range userMCP {
		finalMCP[name] = cfg
	}
	for name, spec := range merged.MCPServers {
		finalMCP[name] = mcp.ServerConfig{Command: spec.Command, Args: spec.Args, Env: spec.Env}
	}

	return QueryPlan{
		Prompt:       req.Prompt,
		SystemPrompt: composeSystemPrompt(req.CallerPrompt, merged.Prompt),
		SessionID:    req.SessionID,
		AllowedTools: allTools,
		SubAgents:    merged.SubAgents,
		MCPServers:   finalMCP,
		Policy:       req.Policy,
	}
}

// buildServerConfig decrypts an integration's tokens and builds its MCP
// server env per spec.md §4.3 step 2. Any decryption failure or unknown
// provider is logged and causes this integration to be skipped, not the
// whole assembly.
func (a *Assembler) buildServerConfig(integ domain.Integration, key []byte) (mcp.ServerConfig, bool) {
	descriptor, ok := mcp.Lookup(integ.Provider)
	if !ok {
		a.log.Warn().Str("provider", integ.Provider).Msg("credentials: unknown integration provider, skipping")
		return mcp.ServerConfig{}, false
	}

	token, err := a.decryptTokens(integ, key)
	if err != nil {
		a.log.Error().Err(err).Str("provider", integ.Provider).Str("integration_id", integ.ID).
			Msg("credentials: failed to decrypt integration tokens, skipping")
		return mcp.ServerConfig{}, false
	}

	env := map[string]string{"OAUTH_ACCESS_TOKEN": token.AccessToken}
	if token.RefreshToken != "" {
		env["OAUTH_REFRESH_TOKEN"] = token.RefreshToken
	}

	args := append([]string(nil), descriptor.Args...)

	switch integ.Provider {
	case "gmail":
		if v, ok := integ.Metadata["email"].(string); ok {
			env["GMAIL_USER_EMAIL"] = v
		}
	case "slack":
		if v, ok := integ.Metadata["teamId"].(string); ok {
			env["SLACK_TEAM_ID"] = v
		}
	case "filesystem":
		root := "/tmp"
		if v, ok := integ.Metadata["rootPath"].(string); ok && v != "" {
			root = v
		}
		args = append(args, "--root", root)
	}

	return mcp.ServerConfig{Command: descriptor.Command, Args: args, Env: env}, true
}

func (a *Assembler) decryptTokens(integ domain.Integration, key []byte) (*oauth2.Token, error) {
	access, err := a.decryptor.Decrypt(integ.AccessTokenCipher, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	tok := &oauth2.Token{AccessToken: string(access)}
	if integ.TokenExpiresAt != nil {
		tok.Expiry = *integ.TokenExpiresAt
	}
	if len(integ.RefreshTokenCipher) > 0 {
		refresh, err := a.decryptor.Decrypt(integ.RefreshTokenCipher, key)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		tok.RefreshToken = string(refresh)
	}
	return tok, nil
}

// composeSystemPrompt implements spec.md §4.3 step 4.
func composeSystemPrompt(caller, skill string) string {
	caller = strings.TrimSpace(caller)
	skill = strings.TrimSpace(skill)
	switch {
	case caller != "" && skill != "":
		return caller + "\n\n" + skill
	case caller != "":
		return caller
	default:
		return skill
	}
}

// unionPreserveOrder merges two tool lists, deduplicated, keeping each
// name's first occurrence order across the concatenation of both lists.
func unionPreserveOrder(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
