// Package reconcile collapses optimistic and server-confirmed copies of the same
// message into a single record.
package reconcile

import (
	"github.com/mylg-studio/chatsync/internal/model"
)

// Supersedes returns the record that should occupy a slot when incoming arrives
// for a slot currently held by existing.
//
// A copy with a server id always wins over an optimistic-only one. An
// optimistic-only copy never replaces a confirmed record, and never moves a
// delivered record back to pending. Tombstones are terminal.
func Supersedes(existing, incoming model.Message) model.Message {
	incoming = incoming.WithInferredState()
	existing = existing.WithInferredState()

	if existing.State == model.StateTombstoned {
		if existing.MessageID == "" {
			existing.MessageID = incoming.MessageID
		}
		return existing
	}
	if incoming.MessageID == "" && existing.MessageID != "" {
		return existing
	}
	if incoming.MessageID == "" && existing.State == model.StateDelivered && incoming.State == model.StatePending {
		incoming.State = model.StateDelivered
	}
	if incoming.OptimisticID == "" && existing.OptimisticID != "" &&
		(existing.MessageID == "" || existing.MessageID == incoming.MessageID) {
		incoming.OptimisticID = existing.OptimisticID
	}
	return incoming
}

// Dedupe returns msgs with at most one record per logical message. Keyed records keep
// the position of their first appearance; records without any id are appended at the
// end in input order.
func Dedupe(msgs []model.Message) []model.Message {
	var (
		slots     = make([]model.Message, 0, len(msgs))
		alive     = make([]bool, 0, len(msgs))
		index     = make(map[string]int, len(msgs))
		confirmed = make(map[string]int)
		unkeyed   []model.Message
	)

	add := func(m model.Message) int {
		slots = append(slots, m.WithInferredState())
		alive = append(alive, true)
		return len(slots) - 1
	}

	for _, m := range msgs {
		if m.Key() == "" {
			unkeyed = append(unkeyed, m)
			continue
		}

		if m.MessageID == "" {
			if _, ok := confirmed[m.OptimisticID]; ok {
				continue
			}
			if slot, ok := index[m.OptimisticID]; ok {
				slots[slot] = Supersedes(slots[slot], m)
				continue
			}
			index[m.OptimisticID] = add(m)
			continue
		}

		twin := -1
		if m.OptimisticID != "" {
			if s, ok := index[m.OptimisticID]; ok && slots[s].MessageID == "" {
				twin = s
			}
		}

		slot, seen := index[m.MessageID]
		switch {
		case seen:
			slots[slot] = Supersedes(slots[slot], m)
			if twin >= 0 && twin != slot {
				alive[twin] = false
				delete(index, m.OptimisticID)
			}
		case twin >= 0:
			slot = twin
			slots[slot] = Supersedes(slots[slot], m)
			delete(index, m.OptimisticID)
			index[m.MessageID] = slot
		default:
			slot = add(m)
			index[m.MessageID] = slot
		}
		if m.OptimisticID != "" {
			confirmed[m.OptimisticID] = slot
		}
	}

	out := make([]model.Message, 0, len(slots)+len(unkeyed))
	for i, m := range slots {
		if alive[i] {
			out = append(out, m)
		}
	}
	return append(out, unkeyed...)
}

// Merge reconciles incoming messages into prev. It is equivalent to
// Dedupe(prev ++ incoming) and never mutates either argument.
func Merge(prev, incoming []model.Message) []model.Message {
	all := make([]model.Message, 0, len(prev)+len(incoming))
	all = append(all, prev...)
	all = append(all, incoming...)
	return Dedupe(all)
}
