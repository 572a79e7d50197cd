package workflow

import (
	"strings"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/xeipuuv/gojsonschema"
)

// validateInput checks a substituted step input against the capability's
// declared input schema. A nil schema accepts anything.
func validateInput(stepID string, schema map[string]any, input map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(input)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return choreoerr.Newf("validate input", stepID, choreoerr.ErrInvalidInput, "schema: %v", err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return choreoerr.Newf("validate input", stepID, choreoerr.ErrInvalidInput, "%s", strings.Join(errors, "; "))
	}

	return nil
}
