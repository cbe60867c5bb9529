// Package persona holds the chat personas: their system prompts and the
// canned messages shown when a request cannot be answered.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var builtin []byte

// ErrUnknownMode is returned when a request names a persona that does not
// exist.
var ErrUnknownMode = errors.New("unknown chat mode")

// Tone selects which failure table a message is drawn from.
type Tone string

const (
	// ToneExhausted is used when the whole credential pool is out of quota.
	ToneExhausted Tone = "exhausted"
	// ToneGeneric is used for any other failed dispatch.
	ToneGeneric Tone = "generic"
	// ToneServer is used when the server itself failed outside dispatch.
	ToneServer Tone = "server"
)

// Persona is one chat mode.
type Persona struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	SystemPrompt   string            `yaml:"system_prompt" json:"-"`
	FollowupPrompt string            `yaml:"followup_prompt" json:"-"`
	Failures       map[Tone][]string `yaml:"failures" json:"-"`
}

// Prompt returns the full system prompt for the first turn and the shorter
// follow-up prompt afterwards, falling back to the full one if no follow-up
// prompt is configured.
func (p *Persona) Prompt(firstTurn bool) string {
	if firstTurn || p.FollowupPrompt == "" {
		return p.SystemPrompt
	}
	return p.FollowupPrompt
}

// Messages returns the failure messages for tone. ToneServer falls back to
// the generic table.
func (p *Persona) Messages(tone Tone) []string {
	if msgs := p.Failures[tone]; len(msgs) > 0 {
		return msgs
	}
	return p.Failures[ToneGeneric]
}

type catalogFile struct {
	Default  string     `yaml:"default"`
	Personas []*Persona `yaml:"personas"`
}

// Catalog is an immutable set of personas keyed by mode id.
type Catalog struct {
	defaultID string
	byID      map[string]*Persona
	order     []string
}

// Builtin returns the catalog compiled into the binary.
func Builtin() *Catalog {
	c, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("persona: invalid builtin catalog: %v", err))
	}
	return c
}

// Load reads a catalog from path, or returns the builtin catalog when path
// is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse persona file %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Personas) == 0 {
		return nil, errors.New("no personas defined")
	}

	c := &Catalog{byID: make(map[string]*Persona, len(f.Personas))}
	for i, p := range f.Personas {
		if p == nil || strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("persona %d has no id", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona %q", p.ID)
		}
		if strings.TrimSpace(p.SystemPrompt) == "" {
			return nil, fmt.Errorf("persona %q has no system prompt", p.ID)
		}
		if len(p.Failures[ToneExhausted]) == 0 || len(p.Failures[ToneGeneric]) == 0 {
			return nil, fmt.Errorf("persona %q needs exhausted and generic failure messages", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
		p.FollowupPrompt = strings.TrimSpace(p.FollowupPrompt)
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}

	c.defaultID = f.Default
	if c.defaultID == "" {
		c.defaultID = c.order[0]
	}
	if _, ok := c.byID[c.defaultID]; !ok {
		return nil, fmt.Errorf("default persona %q is not defined", c.defaultID)
	}
	return c, nil
}

// Default returns the persona used when a request names no mode.
func (c *Catalog) Default() *Persona {
	return c.byID[c.defaultID]
}

// Resolve returns the persona for mode. An empty mode selects the default.
func (c *Catalog) Resolve(mode string) (*Persona, error) {
	if mode == "" {
		return c.Default(), nil
	}
	p, ok := c.byID[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return p, nil
}

// Lookup returns the failure messages for (mode, tone). Unknown modes use
// the default persona's table.
func (c *Catalog) Lookup(mode string, tone Tone) []string {
	p, err := c.Resolve(mode)
	if err != nil {
		p = c.Default()
	}
	return p.Messages(tone)
}

// Modes returns every persona in catalog order.
func (c *Catalog) Modes() []*Persona {
	out := make([]*Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs returns the sorted persona ids.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}
