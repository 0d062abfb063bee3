package telechat

import "sort"

// The functions in this file merge the three message sources of a room
// (history load, optimistic sends, pushed rows) into one ordered list with no
// duplicate server ids. They never modify their input slices.

// MergeHistory merges a bulk history load into current. Rows already present
// by id are skipped; a history row whose client id matches a pending entry
// replaces it.
func MergeHistory(current, history []ConversationMessage) []ConversationMessage {
	next := clone(current)
	for _, m := range history {
		next, _ = applyConfirmedRow(next, m)
	}
	sortByCreated(next)
	return next
}

// AppendOptimistic adds a locally created entry.
func AppendOptimistic(current []ConversationMessage, msg ConversationMessage) []ConversationMessage {
	if indexOf(current, msg.ID) >= 0 {
		return clone(current)
	}
	next := append(clone(current), msg)
	sortByCreated(next)
	return next
}

// ApplyConfirmed swaps the temporary entry tempID for the server-confirmed
// record. If the confirmed id is already materialized (the push won the race)
// the temporary entry is dropped instead.
func ApplyConfirmed(current []ConversationMessage, tempID string, confirmed ConversationMessage) []ConversationMessage {
	confirmed.DeliveryState = DeliverySent
	if confirmed.ClientID == "" {
		confirmed.ClientID = tempID
	}

	next := clone(current)
	tempIdx := indexOf(next, tempID)
	if existing := indexOf(next, confirmed.ID); existing >= 0 {
		if tempIdx >= 0 && tempIdx != existing {
			next = append(next[:tempIdx], next[tempIdx+1:]...)
		}
		return next
	}
	// A replayed send whose first copy is already shown as sent.
	if tempIdx < 0 && indexOfSent(next, confirmed.ClientID) >= 0 {
		return next
	}

	if tempIdx >= 0 {
		confirmed.OriginOffline = next[tempIdx].OriginOffline
		next[tempIdx] = confirmed
	} else {
		next = append(next, confirmed)
	}
	sortByCreated(next)
	return next
}

// ApplyPush merges a row pushed by the change feed. It reports false when the
// row was discarded because its server id is already in the list.
func ApplyPush(current []ConversationMessage, incoming ConversationMessage) ([]ConversationMessage, bool) {
	incoming.DeliveryState = DeliverySent
	next, applied := applyConfirmedRow(clone(current), incoming)
	if applied {
		sortByCreated(next)
	}
	return next, applied
}

// ApplyFailed marks the temporary entry tempID as failed.
func ApplyFailed(current []ConversationMessage, tempID string) []ConversationMessage {
	next := clone(current)
	if i := indexOf(next, tempID); i >= 0 && next[i].DeliveryState == DeliveryPending {
		next[i].DeliveryState = DeliveryFailed
	}
	return next
}

func applyConfirmedRow(list []ConversationMessage, row ConversationMessage) ([]ConversationMessage, bool) {
	if indexOf(list, row.ID) >= 0 {
		return list, false
	}
	if row.ClientID != "" {
		if i := indexOf(list, row.ClientID); i >= 0 && list[i].DeliveryState == DeliveryPending {
			row.OriginOffline = list[i].OriginOffline
			list[i] = row
			return list, true
		}
		if indexOfSent(list, row.ClientID) >= 0 {
			return list, false
		}
	}
	return append(list, row), true
}

// indexOfSent finds the sent entry that came from the send clientID.
func indexOfSent(list []ConversationMessage, clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range list {
		if list[i].ClientID == clientID && list[i].DeliveryState == DeliverySent {
			return i
		}
	}
	return -1
}

func indexOf(list []ConversationMessage, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func clone(list []ConversationMessage) []ConversationMessage {
	return append(make([]ConversationMessage, 0, len(list)+1), list...)
}

func sortByCreated(list []ConversationMessage) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
