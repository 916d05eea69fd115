package experiment

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"agent-chaos/internal/faults"
	"agent-chaos/internal/logging"
)

//go:embed schema.json
var schemaJSON string

// document is the on-disk shape. Both the flat baseline_turns/chaos_turns/fault_params
// layout and the nested turns/faults layout are accepted.
type document struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Type               string             `json:"type"`
	Description        string             `json:"description"`
	BaselineTurns      int                `json:"baseline_turns"`
	ChaosTurns         int                `json:"chaos_turns"`
	MaxRecoveryTurns   int                `json:"max_recovery_turns"`
	Turns              *turnsBlock        `json:"turns"`
	FaultParams        map[string]float64 `json:"fault_params"`
	Faults             map[string]float64 `json:"faults"`
	SuccessCriteria    map[string]float64 `json:"success_criteria"`
	ConversationScript []string           `json:"conversation_script"`
}

type turnsBlock struct {
	Baseline int `json:"baseline"`
	Chaos    int `json:"chaos"`
	Recovery int `json:"recovery"`
}

// Loader parses and validates experiment documents.
type Loader struct {
	schema *jsonschema.Schema
	logger *logging.Logger
}

func NewLoader(logger *logging.Logger) (*Loader, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	schema, err := jsonschema.CompileString("experiment.schema.json", schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile experiment schema: %w", err)
	}
	return &Loader{
		schema: schema,
		logger: logger.WithField("component", "experiment_loader"),
	}, nil
}

// Parse validates one YAML document. No Spec is returned unless every check passes.
func (l *Loader) Parse(source string, data []byte) (*Spec, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Source: source, Reason: "malformed YAML: " + err.Error(), Err: err}
	}
	if raw == nil {
		return nil, &ValidationError{Source: source, Reason: "empty document"}
	}

	// round-trip through JSON so the schema sees plain JSON types
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, &ValidationError{Source: source, Reason: "document is not JSON-compatible: " + err.Error(), Err: err}
	}
	var payload interface{}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, &ValidationError{Source: source, Reason: err.Error(), Err: err}
	}
	if err := l.schema.Validate(payload); err != nil {
		return nil, schemaError(source, err)
	}

	var doc document
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, &ValidationError{Source: source, Reason: err.Error(), Err: err}
	}
	return buildSpec(source, doc)
}

func schemaError(source string, err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Source: source, Reason: err.Error(), Err: err}
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.ReplaceAll(strings.TrimPrefix(leaf.InstanceLocation, "/"), "/", ".")
	return &ValidationError{Source: source, Field: field, Reason: leaf.Message, Err: err}
}

func buildSpec(source string, doc document) (*Spec, error) {
	invalid := func(field, reason string, err error) error {
		return &ValidationError{Source: source, Field: field, Reason: reason, Err: err}
	}

	spec := &Spec{
		ID:                 strings.TrimSpace(doc.ID),
		Name:               doc.Name,
		Type:               doc.Type,
		Description:        doc.Description,
		BaselineTurns:      doc.BaselineTurns,
		ChaosTurns:         doc.ChaosTurns,
		MaxRecoveryTurns:   doc.MaxRecoveryTurns,
		ConversationScript: doc.ConversationScript,
		Source:             source,
	}
	if spec.ID == "" {
		return nil, invalid("id", "is required", nil)
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.Type == "" {
		spec.Type = spec.ID
	}

	if doc.Turns != nil {
		if spec.BaselineTurns == 0 {
			spec.BaselineTurns = doc.Turns.Baseline
		}
		if spec.ChaosTurns == 0 {
			spec.ChaosTurns = doc.Turns.Chaos
		}
		if spec.MaxRecoveryTurns == 0 {
			spec.MaxRecoveryTurns = doc.Turns.Recovery
		}
	}
	if spec.BaselineTurns <= 0 {
		return nil, invalid("baseline_turns", "must be greater than 0", nil)
	}
	if spec.ChaosTurns <= 0 {
		return nil, invalid("chaos_turns", "must be greater than 0", nil)
	}

	params := doc.FaultParams
	field := "fault_params"
	if len(params) == 0 {
		params, field = doc.Faults, "faults"
	}
	if len(params) == 0 {
		return nil, invalid("fault_params", "at least one fault parameter is required", nil)
	}
	spec.FaultParams = make(map[faults.Kind]float64, len(params))
	for _, name := range sortedKeys(params) {
		kind, err := faults.ParseKind(name)
		if err != nil {
			return nil, invalid(field+"."+name, err.Error(), err)
		}
		if err := kind.Validate(params[name]); err != nil {
			return nil, invalid(field+"."+name, err.Error(), err)
		}
		spec.FaultParams[kind] = params[name]
	}

	if len(doc.SuccessCriteria) == 0 {
		return nil, invalid("success_criteria", "must not be empty", nil)
	}
	for _, key := range sortedKeys(doc.SuccessCriteria) {
		c, err := ParseCriterion(key, doc.SuccessCriteria[key])
		if err != nil {
			return nil, invalid("success_criteria."+key, err.Error(), err)
		}
		spec.SuccessCriteria = append(spec.SuccessCriteria, c)
	}

	if len(spec.ConversationScript) == 0 {
		spec.ConversationScript = []string{defaultPrompt}
	}
	return spec, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadFile reads and parses a single document.
func (l *Loader) LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment %s: %w", path, err)
	}
	return l.Parse(filepath.Base(path), data)
}

// LoadDir parses every *.yaml / *.yml file in dir in lexical order. The first
// invalid document fails the whole load.
func (l *Loader) LoadDir(dir string) ([]*Spec, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("experiments directory not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("experiments path %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read experiments directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	specs := make([]*Spec, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, name := range files {
		spec, err := l.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if other, dup := seen[spec.ID]; dup {
			return nil, &ValidationError{Source: name, Field: "id", Reason: fmt.Sprintf("duplicate id %q (also in %s)", spec.ID, other)}
		}
		seen[spec.ID] = name
		specs = append(specs, spec)
		l.logger.Debug("Loaded experiment", "experiment_id", spec.ID, "source", name)
	}

	l.logger.Info("Loaded experiments", "count", len(specs), "dir", dir)
	return specs, nil
}
