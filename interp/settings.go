package interp

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/embed-runtime/errors"
)

// Settings is the file form of the configuration.
//
//	coordinator:
//	  policy: isolated
//	  preimport: [json]
//	interpreter:
//	  interactive: true
//	  include_paths: [./lib]
//	  shared_modules: [numbers]
type Settings struct {
	Coordinator CoordinatorConfig `yaml:"coordinator,omitempty" json:"coordinator,omitempty"`
	Interpreter Config            `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`
}

// Validate checks both sections and the policy constraints between them.
func (s Settings) Validate() error {
	if err := s.Coordinator.Validate(); err != nil {
		return err
	}
	if err := s.Interpreter.Validate(); err != nil {
		return err
	}
	p, err := ParsePolicy(string(s.Coordinator.Policy))
	if err != nil {
		return err
	}
	return checkPolicy(p, s.Interpreter)
}

// ParseSettings decodes YAML settings and validates them. Unknown keys are
// rejected.
func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return Settings{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadSettings reads and parses a settings file.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read settings")
	}
	return ParseSettings(data)
}

// SettingsSchema returns the JSON Schema of the settings file.
func SettingsSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := r.Reflect(&Settings{})
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "marshal schema")
	}
	return out, nil
}
