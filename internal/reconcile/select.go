package reconcile

import "github.com/turbochat/client-go/internal/protocol"

// SelectConversation projects the reconciled sequence into the active
// direct-message conversation between currentUser and target. It is a pure
// function over its inputs: no state, no mutation, insertion order
// preserved.
//
// An empty target selects nothing — the UI requires an explicit
// conversation, and the general channel is rendered from the unfiltered
// sequence rather than through this projection. With a target T set, an
// event is included iff it travels between the pair in either direction:
// sent by currentUser to T, or sent by T to currentUser.
func SelectConversation(events []protocol.MessageEvent, currentUser, target string) []protocol.MessageEvent {
	if target == "" || currentUser == "" {
		return nil
	}

	var out []protocol.MessageEvent
	for _, ev := range events {
		if (ev.To == target && ev.Author.Is(currentUser)) ||
			(ev.To == currentUser && ev.Author.Is(target)) {
			out = append(out, ev)
		}
	}
	return out
}
