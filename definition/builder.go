package definition

import (
	"encoding/json"
	"time"
)

// Builder provides a fluent API for assembling definitions in code,
// mostly for hosts that register workflows programmatically and for
// tests.
type Builder struct {
	doc document
}

// NewBuilder starts a definition with the given name, version, and
// entry state.
func NewBuilder(name, version, startAt string) *Builder {
	return &Builder{doc: document{
		Name:    name,
		Version: version,
		StartAt: startAt,
		States:  make(map[string]stateDoc),
	}}
}

// Task adds a Task state invoking resource and transitioning to next.
func (b *Builder) Task(name, resource, next string) *Builder {
	b.doc.States[name] = stateDoc{Type: "Task", Resource: resource, Next: next}
	return b
}

// TaskWithTimeout adds a Task state with a handler deadline in seconds.
func (b *Builder) TaskWithTimeout(name, resource, next string, timeoutSeconds int) *Builder {
	b.doc.States[name] = stateDoc{Type: "Task", Resource: resource, Next: next, Timeout: timeoutSeconds}
	return b
}

// Choice adds a Choice state with ordered rules and an optional default.
func (b *Builder) Choice(name string, rules []ChoiceRule, defaultChoice string) *Builder {
	sd := stateDoc{Type: "Choice", DefaultChoice: defaultChoice}
	for _, rule := range rules {
		sd.Choices = append(sd.Choices, choiceDoc{
			Condition: conditionDoc{
				Operator: rule.Condition.Operator,
				Variable: rule.Condition.Variable,
				Value:    rule.Condition.Value,
			},
			Next: rule.Next,
		})
	}
	b.doc.States[name] = sd
	return b
}

// Wait adds a relative Wait state.
func (b *Builder) Wait(name string, seconds int, next string) *Builder {
	b.doc.States[name] = stateDoc{Type: "Wait", Seconds: &seconds, Next: next}
	return b
}

// WaitUntil adds an absolute Wait state.
func (b *Builder) WaitUntil(name string, timestamp time.Time, next string) *Builder {
	b.doc.States[name] = stateDoc{Type: "Wait", Timestamp: timestamp.Format(time.RFC3339), Next: next}
	return b
}

// Success adds a terminal Success state.
func (b *Builder) Success(name string) *Builder {
	b.doc.States[name] = stateDoc{Type: "Success"}
	return b
}

// Fail adds a terminal Fail state with an error message.
func (b *Builder) Fail(name, errorMessage string) *Builder {
	b.doc.States[name] = stateDoc{Type: "Fail", Error: errorMessage}
	return b
}

// JSON serializes the definition to its wire format.
func (b *Builder) JSON() (json.RawMessage, error) {
	return json.Marshal(b.doc)
}

// Build serializes and re-parses the definition, returning the
// validated state graph.
func (b *Builder) Build() (*Definition, error) {
	raw, err := b.JSON()
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}
