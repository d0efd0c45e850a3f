// Package knowledge loads the static knowledge file: intent labels, flow
// definitions, step instructions, data entries and live table declarations.
package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pinecone-agent/internal/domain"
)

// Label is an intent label offered to the classifier.
type Label struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Entry is a static data row a step may reference.
type Entry struct {
	Topic   string `yaml:"topic"`
	Content string `yaml:"content"`
}

type flowDef struct {
	Topic       string   `yaml:"topic"`
	Description string   `yaml:"description"`
	Steps       []string `yaml:"steps"`
}

type stepDef struct {
	Topic   string          `yaml:"topic"`
	Content string          `yaml:"content"`
	Data    *domain.DataRef `yaml:"data"`
}

type file struct {
	Labels  []Label             `yaml:"labels"`
	Aliases map[string]string   `yaml:"aliases"`
	Flows   []flowDef           `yaml:"flows"`
	Steps   []stepDef           `yaml:"steps"`
	Data    []Entry             `yaml:"data"`
	Tables  map[string][]string `yaml:"tables"`
}

// Base is an immutable, indexed knowledge file.
type Base struct {
	labels  []Label
	aliases map[string]string
	flows   []flowDef
	flowBy  map[string]flowDef
	steps   map[string]stepDef
	data    map[string][]Entry
	tables  map[string][]string
}

// Load reads and parses the knowledge file at path.
func Load(path string) (*Base, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a knowledge document. Unknown keys are rejected.
func Parse(raw []byte) (*Base, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("knowledge: decode: %w", err)
	}

	b := &Base{
		labels:  f.Labels,
		aliases: make(map[string]string, len(f.Aliases)),
		flowBy:  make(map[string]flowDef, len(f.Flows)),
		steps:   make(map[string]stepDef, len(f.Steps)),
		data:    make(map[string][]Entry),
		tables:  make(map[string][]string, len(f.Tables)),
	}
	for k, v := range f.Aliases {
		b.aliases[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	for _, fl := range f.Flows {
		fl.Topic = strings.TrimSpace(fl.Topic)
		if fl.Topic == "" {
			return nil, errors.New("knowledge: flow topic must not be empty")
		}
		if _, dup := b.flowBy[fl.Topic]; dup {
			return nil, fmt.Errorf("knowledge: duplicate flow %q", fl.Topic)
		}
		b.flowBy[fl.Topic] = fl
		b.flows = append(b.flows, fl)
	}
	for _, s := range f.Steps {
		s.Topic = strings.TrimSpace(s.Topic)
		if s.Topic == "" {
			return nil, errors.New("knowledge: step topic must not be empty")
		}
		if s.Data != nil {
			switch s.Data.Source {
			case domain.DataSourceKnowledge:
			case domain.DataSourceTable:
				for _, t := range s.Data.Keys {
					if _, ok := f.Tables[t]; !ok {
						return nil, fmt.Errorf("knowledge: step %q references undeclared table %q", s.Topic, t)
					}
				}
			default:
				return nil, fmt.Errorf("knowledge: step %q: unknown data source %q", s.Topic, s.Data.Source)
			}
		}
		b.steps[s.Topic] = s
	}
	for _, e := range f.Data {
		e.Topic = strings.TrimSpace(e.Topic)
		b.data[e.Topic] = append(b.data[e.Topic], e)
	}
	for t, cols := range f.Tables {
		if len(cols) == 0 {
			return nil, fmt.Errorf("knowledge: table %q declares no columns", t)
		}
		b.tables[t] = cols
	}
	return b, nil
}

// FlowTopic maps an intent label to the flow topic it starts.
func (b *Base) FlowTopic(intent string) string {
	intent = strings.TrimSpace(intent)
	if topic, ok := b.aliases[intent]; ok {
		return topic
	}
	return intent
}

// StepsFor returns the ordered steps of a flow. Step topics without a step
// definition are skipped; an unknown flow yields nil.
func (b *Base) StepsFor(topic string) []domain.Step {
	fl, ok := b.flowBy[strings.TrimSpace(topic)]
	if !ok {
		return nil
	}
	var out []domain.Step
	for _, name := range fl.Steps {
		s, ok := b.steps[strings.TrimSpace(name)]
		if !ok {
			continue
		}
		step := domain.Step{Name: s.Topic, Content: s.Content}
		if s.Data != nil {
			ref := domain.DataRef{Source: s.Data.Source, Keys: append([]string(nil), s.Data.Keys...)}
			step.Data = &ref
		}
		out = append(out, step)
	}
	return out
}

// DataFor returns the data entries for the given topics in key order.
func (b *Base) DataFor(keys []string) []Entry {
	var out []Entry
	for _, k := range keys {
		out = append(out, b.data[strings.TrimSpace(k)]...)
	}
	return out
}

// Columns returns the declared columns of a live table.
func (b *Base) Columns(table string) ([]string, bool) {
	cols, ok := b.tables[table]
	if !ok {
		return nil, false
	}
	return append([]string(nil), cols...), true
}

// Tables returns every declared live table with its columns.
func (b *Base) Tables() map[string][]string {
	out := make(map[string][]string, len(b.tables))
	for t, cols := range b.tables {
		out[t] = append([]string(nil), cols...)
	}
	return out
}

// Labels returns the configured labels followed by one label per flow. A flow
// label uses the alias that points at it when one exists.
func (b *Base) Labels() []Label {
	out := append([]Label(nil), b.labels...)
	seen := make(map[string]bool, len(out))
	for _, l := range out {
		seen[l.Name] = true
	}
	for _, fl := range b.flows {
		name := b.intentFor(fl.Topic)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Label{Name: name, Description: fl.Description})
	}
	return out
}

func (b *Base) intentFor(topic string) string {
	var best string
	for intent, t := range b.aliases {
		if t == topic && (best == "" || intent < best) {
			best = intent
		}
	}
	if best != "" {
		return best
	}
	return topic
}
