// Package nlu turns raw user text into parsed messages.
package nlu

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"rulepolicy/internal/tracker"
)

// Interpreter parses user text into a UserUttered event.
type Interpreter interface {
	Parse(text string) (tracker.UserUttered, error)
}

// intentPattern matches "/intent" optionally followed by a JSON entity object.
var intentPattern = regexp.MustCompile(`^/([^{}\s]+)\s*(\{.*\})?\s*$`)

// RegexInterpreter understands messages of the form /intent{"entity": "value"}.
// Any other text parses to a message without intent.
type RegexInterpreter struct{}

// NewRegexInterpreter returns the interpreter used when no NLU model is configured.
func NewRegexInterpreter() *RegexInterpreter {
	return &RegexInterpreter{}
}

// Parse implements Interpreter.
func (RegexInterpreter) Parse(text string) (tracker.UserUttered, error) {
	trimmed := strings.TrimSpace(text)
	m := intentPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return tracker.UserUttered{Text: text}, nil
	}

	msg := tracker.UserUttered{Text: text, Intent: m[1]}
	if m[2] == "" {
		return msg, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(m[2]), &raw); err != nil {
		return tracker.UserUttered{}, fmt.Errorf("invalid entity json in %q: %w", text, err)
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msg.Entities = append(msg.Entities, tracker.Entity{Entity: name, Value: fmt.Sprint(raw[name])})
	}
	return msg, nil
}

// PassThrough returns the text as the intent. Tests and fixtures use it when the
// training data already names intents.
type PassThrough struct{}

// Parse implements Interpreter.
func (PassThrough) Parse(text string) (tracker.UserUttered, error) {
	return tracker.UserUttered{Text: text, Intent: strings.TrimSpace(text)}, nil
}
