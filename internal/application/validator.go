package application

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"slices"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/ericfisherdev/credvault/internal/domain/model"
)

// ValidationResult is the outcome of checking one credential payload.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Err returns nil for a valid result and a *model.ValidationError otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &model.ValidationError{Errors: r.Errors}
}

// Validator checks the shape of credential payloads before they are
// encrypted. It compiles one JSON Schema per service type at construction
// and is safe for concurrent use afterwards. Error messages name fields and
// rules but never echo submitted values, since those are secrets.
type Validator struct {
	schemas map[model.ServiceType]*jsonschema.Schema
}

// NewValidator compiles the payload schemas for every service type.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()

	schemas := make(map[model.ServiceType]*jsonschema.Schema, len(payloadSchemas))
	for serviceType, src := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", serviceType, err)
		}
		url := schemaURL(serviceType)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", serviceType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", serviceType, err)
		}
		schemas[serviceType] = compiled
	}

	return &Validator{schemas: schemas}, nil
}

// Validate checks payload against the rules for serviceType. It performs no
// I/O.
func (v *Validator) Validate(serviceType model.ServiceType, payload json.RawMessage) ValidationResult {
	schema, ok := v.schemas[serviceType]
	if !ok {
		return invalid(fmt.Sprintf("service_type: unsupported value %q", serviceType))
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return invalid("payload: required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return invalid("payload: not valid JSON")
	}

	var problems []string
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return invalid("payload: " + err.Error())
		}
		problems = collectViolations(verr)
	}

	// Structural checks JSON Schema cannot express. Only run once the
	// fields are known to be strings.
	if len(problems) == 0 {
		problems = append(problems, checkPrivateKeys(serviceType, doc)...)
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return ValidationResult{Errors: slices.Compact(problems)}
	}
	return ValidationResult{Valid: true}
}

func invalid(problem string) ValidationResult {
	return ValidationResult{Errors: []string{problem}}
}

// collectViolations walks a ValidationError tree and renders each leaf as
// "field: rule".
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		return []string{describeViolation(verr)}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

func describeViolation(verr *jsonschema.ValidationError) string {
	field := "payload"
	if len(verr.InstanceLocation) > 0 {
		field = strings.Join(verr.InstanceLocation, ".")
	}

	switch k := verr.ErrorKind.(type) {
	case *kind.Required:
		missing := slices.Clone(k.Missing)
		slices.Sort(missing)
		return strings.Join(missing, ", ") + ": required"
	case *kind.AdditionalProperties:
		props := slices.Clone(k.Properties)
		slices.Sort(props)
		return strings.Join(props, ", ") + ": not allowed"
	case *kind.Type:
		return fmt.Sprintf("%s: must be %s", field, strings.Join(k.Want, " or "))
	case *kind.MinLength:
		if k.Want <= 1 {
			return field + ": must not be empty"
		}
		return fmt.Sprintf("%s: must be at least %d characters", field, k.Want)
	case *kind.Pattern:
		return field + ": has an invalid format"
	case *kind.Format:
		return fmt.Sprintf("%s: must be a valid %s", field, k.Want)
	case *kind.Const, *kind.Enum:
		return field + ": has an unsupported value"
	default:
		return fmt.Sprintf("%s: violates %s", field, strings.Join(verr.ErrorKind.KeywordPath(), "/"))
	}
}

// checkPrivateKeys requires private_key fields to hold a PEM encoded private
// key block.
func checkPrivateKeys(serviceType model.ServiceType, doc any) []string {
	if serviceType != model.ServiceGoogleSheets && serviceType != model.ServiceGA4 {
		return nil
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	key, ok := obj["private_key"].(string)
	if !ok {
		return nil
	}

	block, rest := pem.Decode([]byte(key))
	if block == nil {
		return []string{"private_key: must be a PEM encoded private key"}
	}
	if !strings.HasSuffix(block.Type, "PRIVATE KEY") {
		return []string{"private_key: PEM block is not a private key"}
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return []string{"private_key: unexpected data after PEM block"}
	}
	return nil
}
