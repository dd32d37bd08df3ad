package chatservice

import "encoding/json"

// eventClass is the closed set of event categories the pipeline handles.
// Everything else falls into classUnknown and is skipped.
type eventClass int

const (
	classMembership eventClass = iota
	classEncrypted
	classRoomKey
	classPlainMessage
	classUnknown
)

// classify maps an event's type to its handling class. Membership only
// counts for state events (those carrying a state key).
func classify(ev *Event) eventClass {
	switch ev.Type {
	case EventTypeMember:
		if ev.StateKey == nil {
			return classUnknown
		}
		return classMembership
	case EventTypeEncrypted:
		return classEncrypted
	case EventTypeRoomKey:
		return classRoomKey
	case EventTypeMessage:
		return classPlainMessage
	default:
		return classUnknown
	}
}

// memberJoined reports whether a membership event records a join, and for
// which user (the state key names the member, not the sender).
func memberJoined(ev *Event) (string, bool) {
	var content MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", false
	}
	if content.Membership != "join" || ev.StateKey == nil {
		return "", false
	}
	return *ev.StateKey, true
}
