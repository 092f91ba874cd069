package tracker

import (
	"fmt"
	"sort"
	"strings"
)

// Event is one entry of a conversation log.
type Event interface {
	// Type returns the wire name of the event.
	Type() string
}

// Entity is an extracted entity of a user message.
type Entity struct {
	Entity string `yaml:"entity" json:"entity"`
	Value  string `yaml:"value" json:"value"`
}

// UserUttered is a parsed user message.
type UserUttered struct {
	Text     string
	Intent   string
	Entities []Entity
}

func (UserUttered) Type() string { return "user" }

// EntityTypes returns the distinct entity types of the message, sorted.
func (u UserUttered) EntityTypes() []string {
	seen := make(map[string]struct{}, len(u.Entities))
	var types []string
	for _, e := range u.Entities {
		if _, ok := seen[e.Entity]; ok {
			continue
		}
		seen[e.Entity] = struct{}{}
		types = append(types, e.Entity)
	}
	sort.Strings(types)
	return types
}

// IsEmpty reports whether the message carries neither text nor intent.
func (u UserUttered) IsEmpty() bool {
	return u.Text == "" && u.Intent == "" && len(u.Entities) == 0
}

func (u UserUttered) String() string {
	return fmt.Sprintf("UserUttered(intent: %s, entities: [%s])", u.Intent, strings.Join(u.EntityTypes(), ", "))
}

// ActionExecuted records that the bot ran an action.
type ActionExecuted struct {
	Name string
	// Unpredictable marks turns that no policy is expected to predict.
	Unpredictable bool
}

func (ActionExecuted) Type() string { return "action" }

func (a ActionExecuted) String() string { return fmt.Sprintf("ActionExecuted(%s)", a.Name) }

// SlotSet stores a slot value. A nil Value clears the slot.
type SlotSet struct {
	Name  string
	Value any
}

func (SlotSet) Type() string { return "slot" }

// ActiveLoop activates a loop. An empty Name deactivates the current one.
type ActiveLoop struct {
	Name string
}

func (ActiveLoop) Type() string { return "active_loop" }

// LoopInterrupted toggles validation of the active loop's next run.
type LoopInterrupted struct {
	Interrupted bool
}

func (LoopInterrupted) Type() string { return "loop_interrupted" }

// ActionExecutionRejected records that an action refused to run.
type ActionExecutionRejected struct {
	Name string
}

func (ActionExecutionRejected) Type() string { return "action_execution_rejected" }

// Restarted wipes the conversation state.
type Restarted struct{}

func (Restarted) Type() string { return "restart" }
