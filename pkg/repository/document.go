package repository

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/director/pkg/metadata"
)

//go:embed schema/repository.schema.json
var documentSchema string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func repositorySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("repository.schema.json", documentSchema)
	})
	return compiledSchema, schemaErr
}

// Document is the YAML form of a repository.
type Document struct {
	Name        string    `yaml:"name,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Units       []UnitDoc `yaml:"units"`
}

// UnitDoc is the YAML form of an installable unit.
type UnitDoc struct {
	ID           string                      `yaml:"id"`
	Version      string                      `yaml:"version"`
	Singleton    bool                        `yaml:"singleton,omitempty"`
	Touchpoint   string                      `yaml:"touchpoint,omitempty"`
	Properties   map[string]string           `yaml:"properties,omitempty"`
	Provides     []CapabilityDoc             `yaml:"provides,omitempty"`
	Requires     []RequirementDoc            `yaml:"requires,omitempty"`
	Instructions map[string][]InstructionDoc `yaml:"instructions,omitempty"`
}

// CapabilityDoc is the YAML form of a provided capability.
type CapabilityDoc struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version,omitempty"`
}

// RequirementDoc is the YAML form of a requirement. ID is shorthand for a
// requirement on another unit's self capability. Greedy defaults to true.
type RequirementDoc struct {
	ID        string `yaml:"id,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	Name      string `yaml:"name,omitempty"`
	Range     string `yaml:"range,omitempty"`
	Filter    string `yaml:"filter,omitempty"`
	Optional  bool   `yaml:"optional,omitempty"`
	Greedy    *bool  `yaml:"greedy,omitempty"`
}

// InstructionDoc is the YAML form of an instruction.
type InstructionDoc struct {
	Action string            `yaml:"action"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Repository is a decoded repository document.
type Repository struct {
	Location string
	Name     string
	Units    []*metadata.InstallableUnit
}

// Decode validates data against the repository schema and decodes it.
func Decode(location string, data []byte) (*Repository, error) {
	if err := validateDocument(data); err != nil {
		return nil, fmt.Errorf("repository %s: %w", location, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse repository %s: %w", location, err)
	}

	repo := &Repository{Location: location, Name: doc.Name}
	seen := make(map[metadata.UnitKey]bool, len(doc.Units))
	for i, ud := range doc.Units {
		u, err := ud.toUnit()
		if err != nil {
			return nil, fmt.Errorf("repository %s: unit %d: %w", location, i, err)
		}
		if seen[u.Key()] {
			return nil, fmt.Errorf("repository %s: duplicate unit %s", location, u)
		}
		seen[u.Key()] = true
		repo.Units = append(repo.Units, u)
	}
	metadata.SortUnits(repo.Units)
	return repo, nil
}

// validateDocument runs the schema over the generic form of data. YAML is
// re-encoded as JSON so numbers reach the validator as json.Number.
func validateDocument(data []byte) error {
	schema, err := repositorySchema()
	if err != nil {
		return fmt.Errorf("failed to compile repository schema: %w", err)
	}

	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	if generic == nil {
		return fmt.Errorf("document is empty")
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("failed to convert document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to convert document: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func (d UnitDoc) toUnit() (*metadata.InstallableUnit, error) {
	v, err := metadata.ParseVersion(d.Version)
	if err != nil {
		return nil, err
	}
	u := &metadata.InstallableUnit{
		ID:         d.ID,
		Version:    v,
		Singleton:  d.Singleton,
		Touchpoint: d.Touchpoint,
		Properties: d.Properties,
	}
	for _, c := range d.Provides {
		cv, err := metadata.ParseVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("capability %s/%s: %w", c.Namespace, c.Name, err)
		}
		u.Provides = append(u.Provides, metadata.Capability{Namespace: c.Namespace, Name: c.Name, Version: cv})
	}
	for _, r := range d.Requires {
		req, err := r.toRequirement()
		if err != nil {
			return nil, err
		}
		u.Requires = append(u.Requires, req)
	}
	if len(d.Instructions) > 0 {
		u.Instructions = make(map[string][]metadata.Instruction, len(d.Instructions))
		for phase, list := range d.Instructions {
			for _, in := range list {
				u.Instructions[phase] = append(u.Instructions[phase], metadata.Instruction{Action: in.Action, Params: in.Params})
			}
		}
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

func (r RequirementDoc) toRequirement() (metadata.Requirement, error) {
	namespace, name := r.Namespace, r.Name
	if r.ID != "" {
		namespace, name = metadata.NamespaceIU, r.ID
	}
	rng, err := metadata.ParseVersionRange(r.Range)
	if err != nil {
		return metadata.Requirement{}, fmt.Errorf("requirement %s/%s: %w", namespace, name, err)
	}
	req := metadata.NewRequirement(namespace, name, rng)
	req.Optional = r.Optional
	if r.Greedy != nil {
		req.Greedy = *r.Greedy
	}
	if r.Filter != "" {
		f, err := metadata.ParseFilter(r.Filter)
		if err != nil {
			return metadata.Requirement{}, fmt.Errorf("requirement %s/%s: %w", namespace, name, err)
		}
		req.Filter = f
	}
	return req, nil
}

// Encode renders repo as a repository document.
func Encode(repo *Repository) ([]byte, error) {
	doc := Document{Name: repo.Name}
	for _, u := range repo.Units {
		ud := UnitDoc{
			ID:         u.ID,
			Version:    u.Version.String(),
			Singleton:  u.Singleton,
			Touchpoint: u.Touchpoint,
			Properties: u.Properties,
		}
		for _, c := range u.Provides {
			ud.Provides = append(ud.Provides, CapabilityDoc{Namespace: c.Namespace, Name: c.Name, Version: c.Version.String()})
		}
		for _, r := range u.Requires {
			rd := RequirementDoc{Filter: r.Filter.String(), Optional: r.Optional}
			if !r.Range.IsEmpty() {
				rd.Range = r.Range.String()
			}
			if r.Namespace == metadata.NamespaceIU {
				rd.ID = r.Name
			} else {
				rd.Namespace, rd.Name = r.Namespace, r.Name
			}
			if !r.Greedy {
				greedy := false
				rd.Greedy = &greedy
			}
			ud.Requires = append(ud.Requires, rd)
		}
		for phase, list := range u.Instructions {
			if ud.Instructions == nil {
				ud.Instructions = make(map[string][]InstructionDoc)
			}
			for _, in := range list {
				ud.Instructions[phase] = append(ud.Instructions[phase], InstructionDoc{Action: in.Action, Params: in.Params})
			}
		}
		doc.Units = append(doc.Units, ud)
	}
	return yaml.Marshal(doc)
}
