package mods

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/version"
)

// ManifestFile is the name of the metadata file every mod directory carries.
const ManifestFile = "mod.yaml"

var modIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Manifest is the on-disk form of a mod's metadata.
type Manifest struct {
	ID           string           `yaml:"id" validate:"required,modid"`
	Name         string           `yaml:"name"`
	Version      string           `yaml:"version" validate:"required"`
	Entrypoint   string           `yaml:"entrypoint" validate:"required"`
	Description  string           `yaml:"description"`
	LoadPriority string           `yaml:"load_priority" validate:"omitempty,oneof=high normal low"`
	Authors      []string         `yaml:"authors"`
	Dependencies []DependencySpec `yaml:"dependencies" validate:"dive"`
}

// DependencySpec is the on-disk form of a ModDependency.
type DependencySpec struct {
	ID       string `yaml:"id" validate:"required,modid"`
	Version  string `yaml:"version"`
	Optional bool   `yaml:"optional"`
}

// manifestSchema closes the manifest shape so unknown keys are rejected.
const manifestSchema = `
#ModID: string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

#Dependency: {
	id:        #ModID
	version?:  string & !=""
	optional?: bool
}

#Manifest: {
	id:             #ModID
	name?:          string
	version:        string & =~"^[0-9]+\\.[0-9]+\\.[0-9]+"
	entrypoint:     string & !=""
	description?:   string
	load_priority?: "high" | "normal" | "low"
	authors?: [...string]
	dependencies?: [...#Dependency]
}
`

// ManifestLoader reads and validates mod manifests.
type ManifestLoader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader() (*ManifestLoader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(manifestSchema, cue.Filename("mod.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("modid", func(fl validator.FieldLevel) bool {
		return modIDPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register mod id validation: %w", err)
	}

	return &ManifestLoader{
		ctx:      ctx,
		schema:   schema.LookupPath(cue.ParsePath("#Manifest")),
		validate: v,
	}, nil
}

// LoadFromDir loads the manifest of the mod installed in dir.
func (l *ManifestLoader) LoadFromDir(dir string) (Mod, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Mod{}, fmt.Errorf("failed to read manifest file: %w", err)
	}

	meta, err := l.LoadFromBytes(data)
	if err != nil {
		return Mod{}, fmt.Errorf("%s: %w", path, err)
	}

	return Mod{Metadata: meta, Path: dir}, nil
}

// LoadFromBytes parses, validates and converts a manifest.
func (l *ManifestLoader) LoadFromBytes(data []byte) (*ModMetadata, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewParseError("failed to parse manifest YAML", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := l.checkSchema(doc); err != nil {
		return nil, err
	}

	var raw Manifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, engine.NewParseError("failed to decode manifest", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := l.validate.Struct(raw); err != nil {
		return nil, engine.NewParseError("invalid manifest", err).
			WithCode(engine.ErrCodeValidation).
			WithMod(raw.ID)
	}

	return raw.toMetadata()
}

// checkSchema unifies the decoded document with the closed #Manifest definition.
func (l *ManifestLoader) checkSchema(doc map[string]interface{}) error {
	if doc == nil {
		return engine.NewParseError("manifest is empty", nil).WithCode(engine.ErrCodeValidation)
	}

	val := l.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return engine.NewParseError("failed to encode manifest", err).WithCode(engine.ErrCodeValidation)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		id, _ := doc["id"].(string)
		return engine.NewParseError(
			fmt.Sprintf("manifest does not match schema: %s", cueerrors.Details(err, nil)),
			nil,
		).WithCode(engine.ErrCodeValidation).WithMod(id)
	}
	return nil
}

func (m Manifest) toMetadata() (*ModMetadata, error) {
	v, err := version.Parse(m.Version)
	if err != nil {
		return nil, engine.NewParseError("invalid mod version", err).
			WithCode(engine.ErrCodeInvalidVersion).
			WithMod(m.ID)
	}

	priority, err := ParseLoadPriority(m.LoadPriority)
	if err != nil {
		return nil, engine.NewParseError("invalid load priority", err).
			WithCode(engine.ErrCodeValidation).
			WithMod(m.ID)
	}

	deps := make([]ModDependency, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		expr := d.Version
		if expr == "" {
			expr = "*"
		}
		c, err := version.ParseConstraint(expr)
		if err != nil {
			return nil, engine.NewParseError(fmt.Sprintf("invalid constraint for dependency %s", d.ID), err).
				WithCode(engine.ErrCodeInvalidConstraint).
				WithMod(m.ID)
		}
		deps = append(deps, ModDependency{ModID: d.ID, Constraint: c, Optional: d.Optional})
	}

	name := m.Name
	if name == "" {
		name = m.ID
	}

	return &ModMetadata{
		ID:           m.ID,
		Name:         name,
		Version:      v,
		Entrypoint:   m.Entrypoint,
		Description:  m.Description,
		Dependencies: deps,
		LoadPriority: priority,
		Authors:      append([]string(nil), m.Authors...),
	}, nil
}
