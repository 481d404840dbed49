// Package parser turns raw workflow documents (YAML or JSON) into
// validated schema.WorkflowFile values. Validation runs in stages; each
// stage collects every error it can find before failing, and a later
// stage does not run when an earlier stage reported errors.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/pkg/schema"
)

// Mode selects how component references are resolved during parsing.
type Mode string

const (
	// ModeStrict requires every referenced component to exist in the registry.
	ModeStrict Mode = "strict"
	// ModeLenient downgrades unresolved references to warnings.
	ModeLenient Mode = "lenient"
	// ModeValidateOnly skips reference resolution entirely. Used for
	// syntax-only checks such as listing a document's steps.
	ModeValidateOnly Mode = "validate_only"
)

// Parser validates and decodes workflow documents against a component
// registry. Safe for concurrent use.
type Parser struct {
	registry       *registry.Registry
	workflowSchema *jsonschema.Schema
}

func New(reg *registry.Registry) (*Parser, error) {
	if reg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "registry is nil")
	}
	compiled, err := compileWorkflowSchema()
	if err != nil {
		return nil, err
	}
	return &Parser{registry: reg, workflowSchema: compiled}, nil
}

// Parse runs the full validation pipeline over a raw document. The
// returned ValidationResult always carries every issue found, including
// warnings; when the document is invalid the error wraps the same issues.
func (p *Parser) Parse(raw []byte, mode Mode) (*schema.WorkflowFile, *schema.ValidationResult, error) {
	result := &schema.ValidationResult{}

	// Stage 1: untyped document tree.
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		result.AddError("/", "document", fmt.Sprintf("parsing document: %v", err))
		return nil, result, result.ToError()
	}
	if doc == nil {
		result.AddError("/", "document", "document is empty")
		return nil, result, result.ToError()
	}

	// Stage 2: structural validation against the workflow schema.
	jsonDoc, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", "document", fmt.Sprintf("serializing document: %v", err))
		return nil, result, result.ToError()
	}
	if err := p.workflowSchema.Validate(jsonDoc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			result.Merge(&schema.ValidationResult{Errors: collectViolations(verr)})
		} else {
			result.AddError("/", "schema", err.Error())
		}
		return nil, result, result.ToError()
	}

	wf, err := decodeWorkflow(doc)
	if err != nil {
		result.AddError("/", "decode", err.Error())
		return nil, result, result.ToError()
	}

	// Stage 3: version gate.
	if !schema.SupportedVersions[wf.Version] {
		result.AddError("/version", "unsupported_version",
			fmt.Sprintf("unsupported workflow version %q (supported: 1.0)", wf.Version))
	}
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	// Stage 4: static checks across the step tree. Duplicate sibling
	// names, expression syntax, and earlier-step reference visibility.
	validateStatic(wf, result)
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	// Stage 5: reference resolution against the registry.
	if mode != ModeValidateOnly {
		resolveReferences(wf, p.registry, mode, result)
	}
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	return wf, result, nil
}

// decodeWorkflow converts the untyped document tree into the typed form.
// The tree already passed structural validation, so decode failures here
// indicate a type mismatch the schema could not express.
func decodeWorkflow(doc any) (*schema.WorkflowFile, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serializing document: %w", err)
	}
	var wf schema.WorkflowFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return &wf, nil
}
