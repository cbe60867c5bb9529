package persona

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin(t *testing.T) {
	c := Builtin()

	assert.Equal(t, "thankan", c.Default().ID)
	assert.Equal(t, []string{"thani", "thankan"}, c.IDs())

	for _, p := range c.Modes() {
		assert.NotEmpty(t, p.Name, p.ID)
		assert.NotEmpty(t, p.SystemPrompt, p.ID)
		assert.NotEmpty(t, p.FollowupPrompt, p.ID)
		assert.NotEmpty(t, p.Messages(ToneExhausted), p.ID)
		assert.NotEmpty(t, p.Messages(ToneGeneric), p.ID)
		assert.NotEmpty(t, p.Messages(ToneServer), p.ID)
	}
}

func TestResolve(t *testing.T) {
	c := Builtin()

	p, err := c.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "thankan", p.ID)

	p, err = c.Resolve("thani")
	require.NoError(t, err)
	assert.Equal(t, "Thani Thankan", p.Name)

	_, err = c.Resolve("nobody")
	assert.True(t, errors.Is(err, ErrUnknownMode))
}

func TestPrompt(t *testing.T) {
	p := &Persona{SystemPrompt: "full", FollowupPrompt: "short"}
	assert.Equal(t, "full", p.Prompt(true))
	assert.Equal(t, "short", p.Prompt(false))

	p.FollowupPrompt = ""
	assert.Equal(t, "full", p.Prompt(false))
}

func TestLookup(t *testing.T) {
	c := Builtin()

	thani := c.Lookup("thani", ToneExhausted)
	thankan := c.Lookup("thankan", ToneExhausted)
	assert.NotEqual(t, thani, thankan)

	// Unknown modes fall back to the default persona.
	assert.Equal(t, thankan, c.Lookup("nobody", ToneExhausted))
}

func TestMessages_ServerFallsBackToGeneric(t *testing.T) {
	p := &Persona{Failures: map[Tone][]string{
		ToneExhausted: {"later"},
		ToneGeneric:   {"broken"},
	}}
	assert.Equal(t, []string{"broken"}, p.Messages(ToneServer))
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "personas: []"},
		{"missing id", "personas:\n  - system_prompt: x\n"},
		{"missing prompt", "personas:\n  - id: a\n    failures: {exhausted: [x], generic: [y]}\n"},
		{"missing failures", "personas:\n  - id: a\n    system_prompt: x\n"},
		{"duplicate", "personas:\n  - {id: a, system_prompt: x, failures: {exhausted: [x], generic: [y]}}\n  - {id: a, system_prompt: x, failures: {exhausted: [x], generic: [y]}}\n"},
		{"bad default", "default: b\npersonas:\n  - {id: a, system_prompt: x, failures: {exhausted: [x], generic: [y]}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	data := "personas:\n  - {id: bot, system_prompt: be nice, failures: {exhausted: [later], generic: [oops]}}\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bot", c.Default().ID)
	assert.Equal(t, "bot", c.Default().Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	c, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "thankan", c.Default().ID)
}
