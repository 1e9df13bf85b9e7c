package definition

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	stepflow "github.com/stepflow-dev/stepflow"
)

// defaultValidator is the shared validator instance used for all
// definition documents
var defaultValidator = validator.New()

// validateDocument runs struct-level validation over the parsed wire
// document before the graph is built.
func validateDocument(doc *document) error {
	if err := defaultValidator.Struct(doc); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return stepflow.NewDefinitionError(formatValidationErrors(validationErrors), err)
		}
		return stepflow.NewDefinitionError("definition validation failed", err)
	}
	return nil
}

func formatValidationErrors(errs validator.ValidationErrors) string {
	msg := "definition validation failed:"
	for _, err := range errs {
		msg += fmt.Sprintf(" field '%s' failed on '%s' tag;", err.Field(), err.Tag())
	}
	return msg
}

// validateGraph checks referential integrity of the built state graph:
// startAt exists and every transition targets an existing state.
func validateGraph(def *Definition) error {
	if _, ok := def.States[def.StartAt]; !ok {
		return stepflow.NewDefinitionError(fmt.Sprintf("startAt %q does not name a state", def.StartAt), nil)
	}

	for name, state := range def.States {
		switch s := state.(type) {
		case TaskState:
			if err := checkTarget(def, name, "next", s.Next); err != nil {
				return err
			}
		case WaitState:
			if err := checkTarget(def, name, "next", s.Next); err != nil {
				return err
			}
		case ChoiceState:
			for _, rule := range s.Choices {
				if err := checkTarget(def, name, "choice next", rule.Next); err != nil {
					return err
				}
			}
			if s.DefaultChoice != "" {
				if err := checkTarget(def, name, "defaultChoice", s.DefaultChoice); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkTarget(def *Definition, from, field, target string) error {
	if _, ok := def.States[target]; !ok {
		return stepflow.NewDefinitionError(fmt.Sprintf("state %q: %s targets missing state %q", from, field, target), nil)
	}
	return nil
}
