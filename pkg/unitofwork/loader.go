package unitofwork

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/OpenGATE/IDEAL-sub000/internal/assets/schemas"
)

// ErrValidationFailed indicates the manifest failed schema validation.
var ErrValidationFailed = errors.New("unit of work validation failed")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every schema violation of one document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "unit of work validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Load reads, validates and decodes a unit-of-work manifest.
//
// The format follows the extension (.json, otherwise YAML). When the manifest
// does not name a settings path, the manifest file itself is used.
func Load(path string) (*UnitOfWork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("unit of work file not found: %s", path)
		}
		return nil, fmt.Errorf("read unit of work: %w", err)
	}
	u, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if u.SettingsPath == "" {
		if abs, err := filepath.Abs(path); err == nil {
			u.SettingsPath = abs
		}
	}
	return u, nil
}

// LoadFromBytes validates raw data against the embedded schema before
// decoding, so unknown fields are rejected rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*UnitOfWork, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("unit of work file is empty")
	}

	isJSON := strings.EqualFold(filepath.Ext(path), ".json")

	jsonData := data
	if !isJSON {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML in unit of work: %w", err)
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("convert unit of work to JSON: %w", err)
		}
		jsonData = b
	}

	if err := validateRaw(jsonData); err != nil {
		return nil, err
	}

	var u UnitOfWork
	if isJSON {
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("invalid JSON in unit of work: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("invalid YAML in unit of work: %w", err)
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

// Save writes the unit as YAML to path.
func Save(u *UnitOfWork, path string) error {
	b, err := yaml.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal unit of work: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	return os.WriteFile(path, b, 0644)
}

func validateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.UnitOfWorkSchema) == 0 {
			validatorErr = errors.New("embedded unit-of-work schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.UnitOfWorkSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile unit-of-work schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
