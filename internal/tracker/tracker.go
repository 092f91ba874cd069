// Package tracker holds the append-only event log of one conversation and the
// state derived from it (slots, active loop, latest action and message).
package tracker

import (
	"sort"

	"github.com/google/uuid"

	"rulepolicy/internal/domain"
)

// LoopState is the bookkeeping of the active loop.
type LoopState struct {
	Name     string
	Validate bool
	Rejected bool
}

// Tracker is one conversation.
type Tracker struct {
	SenderID string
	// IsRuleTracker is true for trackers built from rules rather than stories.
	IsRuleTracker bool
	// IsAugmented marks trackers glued together by data augmentation.
	IsAugmented bool

	events        []Event
	slots         map[string]any
	activeLoop    LoopState
	latestAction  string
	latestMessage *UserUttered
}

// New creates a tracker and applies events in order. An empty senderID gets a random one.
func New(senderID string, events ...Event) *Tracker {
	if senderID == "" {
		senderID = uuid.NewString()
	}
	t := &Tracker{
		SenderID: senderID,
		slots:    make(map[string]any),
	}
	for _, e := range events {
		t.Update(e)
	}
	return t
}

// NewRule creates a tracker sourced from rule data.
func NewRule(senderID string, events ...Event) *Tracker {
	t := New(senderID)
	t.IsRuleTracker = true
	for _, e := range events {
		t.Update(e)
	}
	return t
}

// Update appends e to the log and applies it.
func (t *Tracker) Update(e Event) {
	t.events = append(t.events, e)
	t.apply(e)
}

func (t *Tracker) apply(e Event) {
	switch ev := e.(type) {
	case UserUttered:
		msg := ev
		msg.Entities = append([]Entity(nil), ev.Entities...)
		t.latestMessage = &msg
	case ActionExecuted:
		t.latestAction = ev.Name
		if t.activeLoop.Name != "" && t.activeLoop.Name == ev.Name {
			t.activeLoop.Validate = true
			t.activeLoop.Rejected = false
		}
	case SlotSet:
		t.slots[ev.Name] = ev.Value
	case ActiveLoop:
		if ev.Name == "" {
			t.activeLoop = LoopState{}
			return
		}
		t.activeLoop = LoopState{Name: ev.Name, Validate: true}
	case LoopInterrupted:
		if t.activeLoop.Name != "" {
			t.activeLoop.Validate = !ev.Interrupted
		}
	case ActionExecutionRejected:
		if t.activeLoop.Name != "" && ev.Name == t.activeLoop.Name {
			t.activeLoop.Rejected = true
		}
	case Restarted:
		t.reset()
	}
}

func (t *Tracker) reset() {
	t.slots = make(map[string]any)
	t.activeLoop = LoopState{}
	t.latestAction = ""
	t.latestMessage = nil
}

// Events returns a copy of the full log.
func (t *Tracker) Events() []Event {
	return append([]Event(nil), t.events...)
}

// AppliedEvents returns the events after the last restart.
func (t *Tracker) AppliedEvents() []Event {
	start := 0
	for i, e := range t.events {
		if _, ok := e.(Restarted); ok {
			start = i + 1
		}
	}
	return append([]Event(nil), t.events[start:]...)
}

// InitCopy returns an empty tracker with the same identity.
func (t *Tracker) InitCopy() *Tracker {
	return &Tracker{
		SenderID:      t.SenderID,
		IsRuleTracker: t.IsRuleTracker,
		IsAugmented:   t.IsAugmented,
		slots:         make(map[string]any),
	}
}

// ActiveLoop returns the raw loop bookkeeping, including a should_not_be_set name.
func (t *Tracker) ActiveLoop() LoopState {
	return t.activeLoop
}

// ActiveLoopName returns the active loop, or "" when none is active.
func (t *Tracker) ActiveLoopName() string {
	if t.activeLoop.Name == domain.ShouldNotBeSet {
		return ""
	}
	return t.activeLoop.Name
}

// IsActiveLoopRejected reports whether the active loop rejected its last execution.
func (t *Tracker) IsActiveLoopRejected() bool {
	return t.activeLoop.Rejected
}

// LatestActionName returns the last executed action, or "".
func (t *Tracker) LatestActionName() string {
	return t.latestAction
}

// LatestMessage returns the last user message, or nil.
func (t *Tracker) LatestMessage() *UserUttered {
	if t.latestMessage == nil {
		return nil
	}
	msg := *t.latestMessage
	return &msg
}

// Slot returns the value of a slot and whether it was ever set.
func (t *Tracker) Slot(name string) (any, bool) {
	v, ok := t.slots[name]
	return v, ok
}

// SlotNames returns the names of all slots that were set, sorted.
func (t *Tracker) SlotNames() []string {
	names := make([]string, 0, len(t.slots))
	for name := range t.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UserMessageCount counts UserUttered events in the full log.
func (t *Tracker) UserMessageCount() int {
	n := 0
	for _, e := range t.events {
		if _, ok := e.(UserUttered); ok {
			n++
		}
	}
	return n
}

// EmulateLoopRejection marks the active loop as rejected, as if it had refused to run.
func EmulateLoopRejection(t *Tracker) {
	t.Update(ActionExecutionRejected{Name: t.ActiveLoopName()})
}
