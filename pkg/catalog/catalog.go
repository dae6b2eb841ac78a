// Package catalog holds the models and personas users can pick from.
package catalog

import (
	_ "embed"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

//go:embed default.yaml
var defaultYAML []byte

type Model struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type Persona struct {
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description" json:"description"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
}

type Catalog struct {
	DefaultModel   string    `yaml:"default_model" json:"default_model"`
	DefaultPersona string    `yaml:"default_persona" json:"default_persona"`
	Models         []Model   `yaml:"models" json:"models"`
	Personas       []Persona `yaml:"personas" json:"personas"`

	models   map[string]Model
	personas map[string]Persona
}

var _ relay.PersonaResolver = &Catalog{}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog file; an empty path yields the embedded default.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: read file")
	}
	c, err := Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: %s", path)
	}
	return c, nil
}

func Parse(b []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "catalog: parse yaml")
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	if len(c.Models) == 0 {
		return errors.New("catalog: no models")
	}
	if len(c.Personas) == 0 {
		return errors.New("catalog: no personas")
	}
	c.models = make(map[string]Model, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return errors.New("catalog: model without id")
		}
		if _, dup := c.models[m.ID]; dup {
			return errors.Errorf("catalog: duplicate model %q", m.ID)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		c.models[m.ID] = m
	}
	c.personas = make(map[string]Persona, len(c.Personas))
	for _, p := range c.Personas {
		if p.Name == "" {
			return errors.New("catalog: persona without name")
		}
		if strings.TrimSpace(p.SystemPrompt) == "" {
			return errors.Errorf("catalog: persona %q has an empty system prompt", p.Name)
		}
		if _, dup := c.personas[p.Name]; dup {
			return errors.Errorf("catalog: duplicate persona %q", p.Name)
		}
		c.personas[p.Name] = p
	}
	if c.DefaultModel == "" {
		c.DefaultModel = c.Models[0].ID
	}
	if c.DefaultPersona == "" {
		c.DefaultPersona = c.Personas[0].Name
	}
	if _, ok := c.models[c.DefaultModel]; !ok {
		return errors.Errorf("catalog: default model %q is not listed", c.DefaultModel)
	}
	if _, ok := c.personas[c.DefaultPersona]; !ok {
		return errors.Errorf("catalog: default persona %q is not listed", c.DefaultPersona)
	}
	return nil
}

func (c *Catalog) HasModel(id string) bool {
	_, ok := c.models[id]
	return ok
}

func (c *Catalog) Model(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

func (c *Catalog) SystemPrompt(persona string) (string, bool) {
	p, ok := c.personas[persona]
	if !ok {
		return "", false
	}
	return p.SystemPrompt, true
}

func (c *Catalog) Persona(name string) (Persona, bool) {
	p, ok := c.personas[name]
	return p, ok
}

// Defaults is the model and persona new sessions start with.
func (c *Catalog) Defaults() relay.SessionDefaults {
	return relay.SessionDefaults{Model: c.DefaultModel, Persona: c.DefaultPersona}
}
