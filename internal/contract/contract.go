// Package contract holds the per-stage prompt/response contracts. The table is
// closed: every Stage constant has exactly one entry, and unknown tags resolve
// to StageLegacy.
package contract

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Stage is a pipeline stage tag.
type Stage string

const (
	StageActionSelection   Stage = "action_selection"
	StageEntityExtraction  Stage = "entity_extraction"
	StageFieldMapping      Stage = "field_mapping"
	StageFieldMappingBatch Stage = "field_mapping_batch"
	StageMathValidation    Stage = "math_validation"
	StageLegacy            Stage = "legacy"
)

// All lists every stage in table order.
func All() []Stage {
	return []Stage{
		StageActionSelection,
		StageEntityExtraction,
		StageFieldMapping,
		StageFieldMappingBatch,
		StageMathValidation,
		StageLegacy,
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, k := range All() {
		if s == k {
			return true
		}
	}
	return false
}

// Type is the JSON type a field must have.
type Type string

const (
	TypeAny    Type = "any"
	TypeBool   Type = "bool"
	TypeString Type = "string"
	TypeNumber Type = "number"
	TypeObject Type = "object"
	TypeArray  Type = "array"
)

// Field describes one key of a response object.
type Field struct {
	Name     string   `yaml:"name" json:"name"`
	Type     Type     `yaml:"type" json:"type"`
	Nullable bool     `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Default  any      `yaml:"default,omitempty" json:"default,omitempty"`
	Enum     []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// ListRule constrains the items of an array field.
type ListRule struct {
	Field        string  `yaml:"field" json:"field"`
	NonEmpty     bool    `yaml:"non_empty,omitempty" json:"non_empty,omitempty"`
	ItemRequired []Field `yaml:"item_required,omitempty" json:"item_required,omitempty"`
	ItemOptional []Field `yaml:"item_optional,omitempty" json:"item_optional,omitempty"`
}

// Singleton selects exactly one primary item of a list.
type Singleton struct {
	List     string `yaml:"list" json:"list"`
	Field    string `yaml:"field" json:"field"`
	Primary  string `yaml:"primary" json:"primary"`
	DemoteTo string `yaml:"demote_to" json:"demote_to"`
	Score    string `yaml:"score" json:"score"`
}

// Naming is a naming convention checked on list item values. Mismatches are
// warnings only.
type Naming struct {
	List       string `yaml:"list" json:"list"`
	Field      string `yaml:"field" json:"field"`
	Convention string `yaml:"convention" json:"convention"`
}

// Relaxed skips downstream checks when Flag is false.
type Relaxed struct {
	Flag       string         `yaml:"flag" json:"flag"`
	Downstream []string       `yaml:"downstream" json:"downstream"`
	Resets     map[string]any `yaml:"resets,omitempty" json:"resets,omitempty"`
}

// Contract is the prompt/response contract of one stage.
type Contract struct {
	Stage             Stage      `yaml:"stage" json:"stage"`
	MaxNewTokens      int        `yaml:"max_new_tokens" json:"max_new_tokens"`
	Temperature       float64    `yaml:"temperature" json:"temperature"`
	TopP              float64    `yaml:"top_p,omitempty" json:"top_p"`
	TopK              int        `yaml:"top_k,omitempty" json:"top_k"`
	RepetitionPenalty float64    `yaml:"repetition_penalty,omitempty" json:"repetition_penalty"`
	Permissive        bool       `yaml:"permissive,omitempty" json:"permissive,omitempty"`
	IncludeContext    bool       `yaml:"include_context,omitempty" json:"include_context,omitempty"`
	Required          []Field    `yaml:"required,omitempty" json:"required,omitempty"`
	Optional          []Field    `yaml:"optional,omitempty" json:"optional,omitempty"`
	Lists             []ListRule `yaml:"lists,omitempty" json:"lists,omitempty"`
	Singleton         *Singleton `yaml:"singleton,omitempty" json:"singleton,omitempty"`
	Naming            []Naming   `yaml:"naming,omitempty" json:"naming,omitempty"`
	Relaxed           *Relaxed   `yaml:"relaxed,omitempty" json:"relaxed,omitempty"`
}

// Sampling defaults for fields a contract leaves unset.
const (
	defaultTopP              = 0.95
	defaultTopK              = 50
	defaultRepetitionPenalty = 1.1
)

// Downstream reports whether field is skipped in relaxed mode.
func (c Contract) Downstream(field string) bool {
	if c.Relaxed == nil {
		return false
	}
	for _, f := range c.Relaxed.Downstream {
		if f == field {
			return true
		}
	}
	return false
}

// Table maps every Stage to its contract.
type Table struct {
	byStage map[Stage]Contract
}

// Lookup resolves tag. Unknown or empty tags return the legacy contract and false.
func (t *Table) Lookup(tag string) (Contract, bool) {
	if c, ok := t.byStage[Stage(tag)]; ok {
		return c, true
	}
	return t.byStage[StageLegacy], false
}

// Contracts returns all contracts in table order.
func (t *Table) Contracts() []Contract {
	out := make([]Contract, 0, len(t.byStage))
	for _, s := range All() {
		out = append(out, t.byStage[s])
	}
	return out
}

//go:embed contracts.yaml
var embedded []byte

var defaultTable = sync.OnceValues(func() (*Table, error) { return Parse(embedded) })

// Default returns the built-in table, parsed once.
func Default() (*Table, error) { return defaultTable() }

// Parse decodes a YAML contract list and checks it covers every stage exactly once.
func Parse(data []byte) (*Table, error) {
	var list []Contract
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse contracts: %w", err)
	}
	t := &Table{byStage: make(map[Stage]Contract, len(list))}
	for i, c := range list {
		if !c.Stage.Valid() {
			return nil, fmt.Errorf("contract %d: unknown stage %q", i, c.Stage)
		}
		if _, dup := t.byStage[c.Stage]; dup {
			return nil, fmt.Errorf("contract %d: duplicate stage %q", i, c.Stage)
		}
		if c.MaxNewTokens <= 0 {
			return nil, fmt.Errorf("contract %s: max_new_tokens must be positive", c.Stage)
		}
		if err := normalize(&c); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.Stage, err)
		}
		t.byStage[c.Stage] = c
	}
	var missing []string
	for _, s := range All() {
		if _, ok := t.byStage[s]; !ok {
			missing = append(missing, string(s))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("contracts missing stages: %v", missing)
	}
	return t, nil
}

// normalize fills sampling defaults and converts YAML defaults into the shapes
// encoding/json produces (float64 numbers, map[string]any objects).
func normalize(c *Contract) error {
	if c.TopP == 0 {
		c.TopP = defaultTopP
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	}
	if c.RepetitionPenalty == 0 {
		c.RepetitionPenalty = defaultRepetitionPenalty
	}
	fields := [][]Field{c.Required, c.Optional}
	for _, l := range c.Lists {
		fields = append(fields, l.ItemRequired, l.ItemOptional)
	}
	for _, fs := range fields {
		for i := range fs {
			if fs[i].Type == "" {
				fs[i].Type = TypeAny
			}
			v, err := jsonShape(fs[i].Default)
			if err != nil {
				return fmt.Errorf("field %s default: %w", fs[i].Name, err)
			}
			fs[i].Default = v
		}
	}
	if c.Relaxed != nil {
		for k, v := range c.Relaxed.Resets {
			nv, err := jsonShape(v)
			if err != nil {
				return fmt.Errorf("reset %s: %w", k, err)
			}
			c.Relaxed.Resets[k] = nv
		}
	}
	return nil
}

func jsonShape(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
