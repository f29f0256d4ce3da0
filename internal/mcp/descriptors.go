// Package mcp holds the hard-coded MCP server descriptor table (spec §6)
// and the stdio process manager that launches descriptor-named servers,
// grounded on the teacher's internal/mcpclient/mcpclient.go (the
// modelcontextprotocol/go-sdk-based manager — not internal/mcp/servers.go,
// which depends on an undeclared third-party MCP library).
package mcp

// Descriptor is the static launch shape of a known MCP server: the binary
// to run and which env vars / args it expects populated per-user.
type Descriptor struct {
	Command string
	Args    []string
}

// Descriptors is the hard-coded provider -> server mapping from spec §6.
var Descriptors = map[string]Descriptor{
	"gmail":         {Command: "@anthropic/mcp-server-gmail"},
	"google_photos": {Command: "@anthropic/mcp-server-google-photos"},
	"google_drive":  {Command: "@anthropic/mcp-server-google-drive"},
	"slack":         {Command: "@anthropic/mcp-server-slack"},
	"filesystem":    {Command: "@anthropic/mcp-server-filesystem"},
}

// ServerConfig is a fully materialized, per-user launch configuration for
// one MCP server: the descriptor's command plus the env/args built from a
// decrypted integration.
type ServerConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Lookup returns the descriptor for a provider and whether it is known.
func Lookup(provider string) (Descriptor, bool) {
	d, ok := Descriptors[provider]
	return d, ok
}
