package state

// Kind tags the variant held by a Value.
type Kind uint8

const (
	// KindAbsent is the zero Value: the feature is not present at all.
	KindAbsent Kind = iota
	// KindString holds a single string.
	KindString
	// KindTuple holds an ordered tuple of strings.
	KindTuple
	// KindUnset is the "must not be set" marker used by rules.
	KindUnset
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindString:
		return "string"
	case KindTuple:
		return "tuple"
	case KindUnset:
		return "unset"
	default:
		return "unknown"
	}
}

// Value is a feature value inside a conversation state.
type Value struct {
	kind  Kind
	str   string
	items []string
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Tuple returns an ordered tuple value. The items are copied.
func Tuple(items ...string) Value {
	return Value{kind: KindTuple, items: append([]string{}, items...)}
}

// Unset returns the "must not be set" marker.
func Unset() Value {
	return Value{kind: KindUnset}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload, empty for other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Items returns a copy of the tuple payload.
func (v Value) Items() []string {
	if v.kind != KindTuple {
		return nil
	}
	return append([]string(nil), v.items...)
}

// IsUnset reports whether v is the "must not be set" marker.
func (v Value) IsUnset() bool { return v.kind == KindUnset }

// IsAbsent reports whether v is the zero Value.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Truthy reports whether v carries a real, non-empty value.
// Absent, empty strings, empty tuples and the unset marker are all falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindString:
		return v.str != ""
	case KindTuple:
		return len(v.items) > 0
	default:
		return false
	}
}

// Equal compares two values structurally. Tuples compare element-wise in order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindTuple:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if v.items[i] != o.items[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// GoString renders the value for test failure output.
func (v Value) GoString() string {
	switch v.kind {
	case KindString:
		return "state.String(" + quote(v.str) + ")"
	case KindTuple:
		s := "state.Tuple("
		for i, it := range v.items {
			if i > 0 {
				s += ", "
			}
			s += quote(it)
		}
		return s + ")"
	case KindUnset:
		return "state.Unset()"
	default:
		return "state.Value{}"
	}
}
