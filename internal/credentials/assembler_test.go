package credentials_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentloop/internal/credentials"
	"agentloop/internal/domain"
	"agentloop/internal/skills"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")[:32]

func TestAssemble_DecryptsAndBuildsMCPConfig(t *testing.T) {
	t.Parallel()

	cipher, err := credentials.Encrypt([]byte("access-tok"), testKey)
	require.NoError(t, err)

	integ := domain.Integration{
		ID:                "int-1",
		Provider:          "gmail",
		Active:            true,
		AccessTokenCipher: cipher,
		Metadata:          map[string]any{"email": "user@example.com"},
	}

	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())

	plan := asm.Assemble(credentials.Request{
		Prompt:        "hello",
		Integrations:  []domain.Integration{integ},
		EncryptionKey: testKey,
	})

	require.Contains(t, plan.MCPServers, "gmail")
	env := plan.MCPServers["gmail"].Env
	assert.Equal(t, "access-tok", env["OAUTH_ACCESS_TOKEN"])
	assert.Equal(t, "user@example.com", env["GMAIL_USER_EMAIL"])
	assert.Equal(t, credentials.DefaultAllowedTools, plan.AllowedTools)
}

func TestAssemble_SkipsUndecryptableIntegration(t *testing.T) {
	t.Parallel()

	integ := domain.Integration{
		ID:                "int-2",
		Provider:          "slack",
		Active:            true,
		AccessTokenCipher: []byte("not-valid-ciphertext"),
	}

	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())

	plan := asm.Assemble(credentials.Request{
		Integrations:  []domain.Integration{integ},
		EncryptionKey: testKey,
	})

	assert.NotContains(t, plan.MCPServers, "slack")
}

func TestAssemble_SkipsUnknownProvider(t *testing.T) {
	t.Parallel()

	cipher, err := credentials.Encrypt([]byte("tok"), testKey)
	require.NoError(t, err)

	integ := domain.Integration{Provider: "discord", Active: true, AccessTokenCipher: cipher}

	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())

	plan := asm.Assemble(credentials.Request{
		Integrations:  []domain.Integration{integ},
		EncryptionKey: testKey,
	})

	assert.Empty(t, plan.MCPServers)
}

func TestAssemble_MergesSkillToolsAndOverridesMCP(t *testing.T) {
	t.Parallel()

	skillWithMCP := skills.Skill{
		Name:   "research",
		Prompt: "Use citations.",
		Tools:  []string{"WebSearch"},
		MCPServers: map[string]skills.MCPServerSpec{
			"gmail": {Command: "override-gmail"},
		},
	}

	cipher, err := credentials.Encrypt([]byte("tok"), testKey)
	require.NoError(t, err)
	integ := domain.Integration{Provider: "gmail", Active: true, AccessTokenCipher: cipher}

	reg := skills.NewStaticRegistry([]skills.Skill{skillWithMCP})
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())

	plan := asm.Assemble(credentials.Request{
		CallerPrompt:  "You are an assistant.",
		Integrations:  []domain.Integration{integ},
		SkillNames:    []string{"research"},
		EncryptionKey: testKey,
	})

	assert.Contains(t, plan.AllowedTools, "WebSearch")
	assert.Contains(t, plan.AllowedTools, "Read")
	assert.Equal(t, "override-gmail", plan.MCPServers["gmail"].Command)
	assert.Equal(t, "You are an assistant.\n\nUse citations.", plan.SystemPrompt)
}
