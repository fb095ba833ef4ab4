package templates

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTable []byte

// Table is the versioned set of localized templates.
type Table struct {
	Version         string           `yaml:"version"`
	DefaultEvent    string           `yaml:"default_event"`
	DefaultLanguage string           `yaml:"default_language"`
	Languages       []string         `yaml:"languages"`
	Events          map[string]Event `yaml:"events"`
}

// Event holds the subject and body templates of one event type, keyed by
// language code.
type Event struct {
	Subject map[string]string `yaml:"subject"`
	Body    map[string]string `yaml:"body"`
}

// DefaultTable returns the table compiled into the binary.
func DefaultTable() (*Table, error) {
	return Parse(bytes.NewReader(defaultTable))
}

// LoadFile reads a table from a YAML file.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open templates: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a table.
func Parse(r io.Reader) (*Table, error) {
	var t Table
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	if t.DefaultLanguage == "" {
		t.DefaultLanguage = "en"
	}
	if len(t.Languages) == 0 {
		return errors.New("templates: no languages declared")
	}
	if !slices.Contains(t.Languages, t.DefaultLanguage) {
		return fmt.Errorf("templates: default language %q not in languages", t.DefaultLanguage)
	}
	def, ok := t.Events[t.DefaultEvent]
	if !ok {
		return fmt.Errorf("templates: default event %q not defined", t.DefaultEvent)
	}
	if _, ok := def.Subject[t.DefaultLanguage]; !ok {
		return fmt.Errorf("templates: default event has no %q subject", t.DefaultLanguage)
	}
	if _, ok := def.Body[t.DefaultLanguage]; !ok {
		return fmt.Errorf("templates: default event has no %q body", t.DefaultLanguage)
	}
	for name, ev := range t.Events {
		if _, ok := ev.Subject[t.DefaultLanguage]; !ok {
			return fmt.Errorf("templates: event %q has no %q subject", name, t.DefaultLanguage)
		}
		if _, ok := ev.Body[t.DefaultLanguage]; !ok {
			return fmt.Errorf("templates: event %q has no %q body", name, t.DefaultLanguage)
		}
	}
	return nil
}

func (t *Table) supports(lang string) bool {
	return slices.Contains(t.Languages, lang)
}
