package interp

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

var moduleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// validate is shared; building a validator is expensive.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("module", func(fl validator.FieldLevel) bool {
		return moduleName.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Config configures one interpreter.
type Config struct {
	// Name labels the interpreter in logs.
	Name string `yaml:"name,omitempty" json:"name,omitempty" validate:"omitempty,max=128"`

	// Interactive turns on incremental evaluation in Eval.
	Interactive bool `yaml:"interactive,omitempty" json:"interactive,omitempty"`

	// IncludePaths are appended to the engine's module search path.
	IncludePaths []string `yaml:"include_paths,omitempty" json:"include_paths,omitempty" validate:"dive,required"`

	// SharedModules are imported once on the coordinator and shared by
	// reference with this interpreter, along with their submodules.
	SharedModules []string `yaml:"shared_modules,omitempty" json:"shared_modules,omitempty" validate:"unique,dive,module"`

	// Loader is searched for modules after the engine's own search path.
	Loader fs.FS `yaml:"-" json:"-" validate:"-"`

	// Enquirer makes host packages importable. Nil installs no import hook.
	Enquirer embedruntime.Enquirer `yaml:"-" json:"-" validate:"-"`

	// Stdout and Stderr redirect engine output when non-nil.
	Stdout io.Writer `yaml:"-" json:"-" validate:"-"`
	Stderr io.Writer `yaml:"-" json:"-" validate:"-"`
}

// Validate checks c.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return configError("interpreter", err)
	}
	return nil
}

// CoordinatorConfig configures the process-wide coordinator of an engine.
type CoordinatorConfig struct {
	// Policy applies to every interpreter of the engine. Empty means
	// isolated.
	Policy Policy `yaml:"policy,omitempty" json:"policy,omitempty" validate:"omitempty,oneof=isolated shared none" jsonschema:"enum=isolated,enum=shared,enum=none"`

	// Preimport lists modules imported into the primary context right after
	// the engine comes up.
	Preimport []string `yaml:"preimport,omitempty" json:"preimport,omitempty" validate:"unique,dive,module"`
}

// Validate checks c.
func (c CoordinatorConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return configError("coordinator", err)
	}
	return nil
}

// checkPolicy rejects interpreter settings that policy cannot honor.
func checkPolicy(p Policy, c Config) error {
	if p != PolicyNone {
		return nil
	}
	if len(c.IncludePaths) > 0 || len(c.SharedModules) > 0 {
		return errors.InvalidInput(errors.PhaseConfig,
			"policy none does not allow include paths or shared modules")
	}
	return nil
}

// configError turns validator output into one invalid input error.
func configError(section string, err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "invalid "+section+" config")
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
	}
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Cause(err).
		Detail("invalid %s config: %s", section, strings.Join(fields, "; ")).
		Build()
}
