// Package trainingdata reads rules and stories from YAML and turns them into trackers.
//
// A file looks like:
//
//	version: "3.1"
//	rules:
//	- rule: greet
//	  condition:
//	  - active_loop: null
//	  steps:
//	  - intent: greet
//	  - action: utter_greet
//	stories:
//	- story: happy path
//	  steps:
//	  - user: '/request_restaurant{"cuisine": "thai"}'
//	  - action: restaurant_form
//	  - active_loop: restaurant_form
package trainingdata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"rulepolicy/internal/domain"
	"rulepolicy/internal/logging"
	"rulepolicy/internal/nlu"
	"rulepolicy/internal/tracker"
)

// File is one training data document.
type File struct {
	Version string  `yaml:"version"`
	Rules   []Rule  `yaml:"rules"`
	Stories []Story `yaml:"stories"`
}

// Rule is a short conversation piece that must always be followed.
type Rule struct {
	Name              string `yaml:"rule"`
	ConversationStart bool   `yaml:"conversation_start"`
	// WaitForUserInput defaults to true. When false the rule ends with a snippet
	// marker so that any action may follow.
	WaitForUserInput *bool  `yaml:"wait_for_user_input"`
	Condition        []Step `yaml:"condition"`
	Steps            []Step `yaml:"steps"`
}

// Story is a complete example conversation.
type Story struct {
	Name  string `yaml:"story"`
	Steps []Step `yaml:"steps"`
}

// Step is one line of a rule or story. Exactly one kind of key is expected per step.
type Step struct {
	Intent     string      `yaml:"intent"`
	User       string      `yaml:"user"`
	Entities   []yaml.Node `yaml:"entities"`
	Action     string      `yaml:"action"`
	SlotWasSet []yaml.Node `yaml:"slot_was_set"`
	ActiveLoop yaml.Node   `yaml:"active_loop"`
}

// Loader converts training data into trackers.
type Loader struct {
	interpreter nlu.Interpreter
}

// NewLoader returns a loader that parses `user:` steps with interpreter.
// A nil interpreter falls back to the regex interpreter.
func NewLoader(interpreter nlu.Interpreter) *Loader {
	if interpreter == nil {
		interpreter = nlu.NewRegexInterpreter()
	}
	return &Loader{interpreter: interpreter}
}

// ParseFile decodes a training data document.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse training data YAML: %w", err)
	}
	return &f, nil
}

// LoadFiles reads every path and returns the trackers of all of them, rules first
// within each file.
func (l *Loader) LoadFiles(paths ...string) ([]*tracker.Tracker, error) {
	var all []*tracker.Tracker
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read training data: %w", err)
		}
		trackers, err := l.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		logging.TrainingDebug("Loaded %d trackers from %s", len(trackers), path)
		all = append(all, trackers...)
	}
	return all, nil
}

// Parse decodes data and builds its trackers.
func (l *Loader) Parse(data []byte) ([]*tracker.Tracker, error) {
	f, err := ParseFile(data)
	if err != nil {
		return nil, err
	}
	return l.Trackers(f)
}

// Trackers builds one tracker per rule and story of f.
func (l *Loader) Trackers(f *File) ([]*tracker.Tracker, error) {
	trackers := make([]*tracker.Tracker, 0, len(f.Rules)+len(f.Stories))
	for _, r := range f.Rules {
		events, err := l.ruleEvents(r)
		if err != nil {
			return nil, fmt.Errorf("rule '%s': %w", r.Name, err)
		}
		trackers = append(trackers, tracker.NewRule(r.Name, events...))
	}
	for _, s := range f.Stories {
		b := &builder{loader: l}
		if err := b.addSteps(s.Steps); err != nil {
			return nil, fmt.Errorf("story '%s': %w", s.Name, err)
		}
		b.finish(false)
		trackers = append(trackers, tracker.New(s.Name, b.events...))
	}
	return trackers, nil
}

func (l *Loader) ruleEvents(r Rule) ([]tracker.Event, error) {
	if len(r.Steps) == 0 {
		return nil, fmt.Errorf("no steps")
	}
	b := &builder{loader: l, rule: true}
	if !r.ConversationStart {
		b.events = append(b.events, tracker.ActionExecuted{Name: domain.RuleSnippetAction})
	}
	if err := b.addSteps(r.Condition); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	if err := b.addSteps(r.Steps); err != nil {
		return nil, err
	}
	b.finish(r.WaitForUserInput != nil && !*r.WaitForUserInput)
	return b.events, nil
}

// builder accumulates the events of one rule or story.
type builder struct {
	loader *Loader
	rule   bool
	events []tracker.Event
	// listening is true after an action_listen that no user message followed yet.
	listening bool
	// lastWasAction is true when the latest event is a bot action.
	lastWasAction bool
}

func (b *builder) addSteps(steps []Step) error {
	for i, s := range steps {
		if err := b.addStep(s); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (b *builder) addStep(s Step) error {
	handled := false

	if s.Intent != "" || s.User != "" {
		msg, err := b.message(s)
		if err != nil {
			return err
		}
		if !b.listening {
			b.events = append(b.events, tracker.ActionExecuted{Name: domain.ActionListen})
		}
		b.events = append(b.events, msg)
		b.listening = false
		b.lastWasAction = false
		handled = true
	}

	if s.Action != "" {
		b.events = append(b.events, tracker.ActionExecuted{Name: s.Action})
		b.listening = s.Action == domain.ActionListen
		b.lastWasAction = true
		handled = true
	}

	for _, node := range s.SlotWasSet {
		events, err := b.slotEvents(node)
		if err != nil {
			return err
		}
		b.events = append(b.events, events...)
		handled = true
	}

	if s.ActiveLoop.Kind != 0 {
		name, err := scalarOrNull(&s.ActiveLoop)
		if err != nil {
			return fmt.Errorf("active_loop: %w", err)
		}
		if name == nil {
			if b.rule {
				b.events = append(b.events, tracker.ActiveLoop{Name: domain.ShouldNotBeSet})
			} else {
				b.events = append(b.events, tracker.ActiveLoop{})
			}
		} else {
			b.events = append(b.events, tracker.ActiveLoop{Name: *name})
		}
		handled = true
	}

	if !handled {
		return fmt.Errorf("step has no intent, user, action, slot_was_set or active_loop")
	}
	return nil
}

// finish closes the conversation: rules wait for the user unless told otherwise,
// stories wait for the user after a final bot action.
func (b *builder) finish(continueAfterRule bool) {
	switch {
	case continueAfterRule:
		b.events = append(b.events, tracker.ActionExecuted{Name: domain.RuleSnippetAction})
	case b.listening:
	case b.rule || b.lastWasAction:
		b.events = append(b.events, tracker.ActionExecuted{Name: domain.ActionListen})
	}
}

func (b *builder) message(s Step) (tracker.UserUttered, error) {
	var msg tracker.UserUttered
	if s.User != "" {
		parsed, err := b.loader.interpreter.Parse(s.User)
		if err != nil {
			return tracker.UserUttered{}, err
		}
		msg = parsed
	}
	if s.Intent != "" {
		msg.Intent = s.Intent
	}
	if len(s.Entities) > 0 {
		entities, err := parseEntities(s.Entities)
		if err != nil {
			return tracker.UserUttered{}, err
		}
		msg.Entities = entities
	}
	return msg, nil
}

// parseEntities accepts `- cuisine`, `- cuisine: thai` and
// `- {entity: cuisine, value: thai}`.
func parseEntities(nodes []yaml.Node) ([]tracker.Entity, error) {
	var entities []tracker.Entity
	for i := range nodes {
		node := &nodes[i]
		switch node.Kind {
		case yaml.ScalarNode:
			entities = append(entities, tracker.Entity{Entity: node.Value})
		case yaml.MappingNode:
			var explicit tracker.Entity
			if err := node.Decode(&explicit); err == nil && explicit.Entity != "" {
				entities = append(entities, explicit)
				continue
			}
			for j := 0; j+1 < len(node.Content); j += 2 {
				entities = append(entities, tracker.Entity{
					Entity: node.Content[j].Value,
					Value:  node.Content[j+1].Value,
				})
			}
		default:
			return nil, fmt.Errorf("entities: unsupported entry at line %d", node.Line)
		}
	}
	return entities, nil
}

// slotEvents reads one slot_was_set entry. A bare slot name means "was set to
// something"; a null value means the slot must be empty.
func (b *builder) slotEvents(node yaml.Node) ([]tracker.Event, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []tracker.Event{tracker.SlotSet{Name: node.Value, Value: true}}, nil
	case yaml.MappingNode:
		var events []tracker.Event
		for j := 0; j+1 < len(node.Content); j += 2 {
			name := node.Content[j].Value
			valueNode := node.Content[j+1]
			if isNull(valueNode) {
				var value any
				if b.rule {
					value = domain.ShouldNotBeSet
				}
				events = append(events, tracker.SlotSet{Name: name, Value: value})
				continue
			}
			var value any
			if err := valueNode.Decode(&value); err != nil {
				return nil, fmt.Errorf("slot_was_set %s: %w", name, err)
			}
			events = append(events, tracker.SlotSet{Name: name, Value: value})
		}
		return events, nil
	default:
		return nil, fmt.Errorf("slot_was_set: unsupported entry at line %d", node.Line)
	}
}

func scalarOrNull(node *yaml.Node) (*string, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("expected a name at line %d", node.Line)
	}
	return &node.Value, nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Tag == "!!null"
}
