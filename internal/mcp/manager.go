package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Manager launches and tracks the MCP server processes a QueryPlan
// requests, one session per conversation execution. Grounded on the
// teacher's internal/mcpclient.Manager, generalized from a process-wide
// tool registry to a per-execution set of named server sessions handed to
// the LLM client port as part of its QueryPlan.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*mcppkg.ClientSession
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: map[string]*mcppkg.ClientSession{}}
}

// Connect launches the named servers from the given configs and returns
// the set of live sessions keyed by server name. Callers must Close the
// returned sessions (or call m.CloseAll) once the invocation completes.
func (m *Manager) Connect(ctx context.Context, servers map[string]ServerConfig) (map[string]*mcppkg.ClientSession, error) {
	out := make(map[string]*mcppkg.ClientSession, len(servers))
	for name, cfg := range servers {
		session, err := m.connectOne(ctx, name, cfg)
		if err != nil {
			// One bad server must not abort the whole invocation; the LLM
			// simply runs without that server's tools.
			continue
		}
		out[name] = session
	}
	return out, nil
}

func (m *Manager) connectOne(ctx context.Context, name string, cfg ServerConfig) (*mcppkg.ClientSession, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %q: command required", name)
	}

	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "agentloop", Version: "0.1.0"}, nil)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	session, err := client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", name, err)
	}

	m.mu.Lock()
	m.sessions[name] = session
	m.mu.Unlock()

	return session, nil
}

// CloseAll closes every session this manager has opened.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.sessions {
		_ = s.Close()
		delete(m.sessions, name)
	}
}
