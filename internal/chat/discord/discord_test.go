package discord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestBuildRoutes(t *testing.T) {
	agents := map[string]config.AgentConfig{
		"coder": {
			Chat: config.AgentChatConfig{
				Discord: &config.DiscordAgentConfig{Channels: []string{"100", "101"}},
			},
		},
		"triager": {
			Chat: config.AgentChatConfig{
				Discord: &config.DiscordAgentConfig{
					Channels:       []string{"200"},
					RequireMention: boolPtr(false),
				},
			},
		},
		"scheduled-only": {},
	}

	routes := buildRoutes(agents)
	require.Len(t, routes, 3)

	assert.Equal(t, "coder", routes["100"].agentName)
	assert.Equal(t, "coder", routes["101"].agentName)
	assert.True(t, routes["100"].requireMention, "mention gating defaults on")

	assert.Equal(t, "triager", routes["200"].agentName)
	assert.False(t, routes["200"].requireMention)

	_, mapped := routes["999"]
	assert.False(t, mapped)
}
