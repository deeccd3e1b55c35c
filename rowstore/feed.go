package rowstore

// ChangeType discriminates change feed events.
type ChangeType string

// Change feed event types, mirroring the stream message union. An
// insert-on-miss under InsertUnknown is reported as ChangeInsert so a
// consumer rendering rows can tell a new row from a merge. Batches stay a
// single ChangeBatch event regardless of what each member did.
const (
	ChangeInitial ChangeType = "initial"
	ChangeUpdate  ChangeType = "update"
	ChangeInsert  ChangeType = "insert"
	ChangeBatch   ChangeType = "batch"
	ChangeDelete  ChangeType = "delete"
	ChangeClear   ChangeType = "clear"
)

// ChangeEvent describes one observable store mutation. Rows are copies; the
// consumer may retain them. For deletes only Key is set.
type ChangeEvent struct {
	Type ChangeType `json:"type"`
	Rows []Row      `json:"rows,omitempty"`
	Key  any        `json:"key,omitempty"`
}

// Subscribe registers a change feed consumer. The returned cancel function
// releases the subscription; it is safe to call more than once. A consumer
// that falls behind its buffer loses events rather than stalling the
// writer.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan ChangeEvent, s.feedBuffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// publish fans an event out to all subscribers without blocking.
func (s *Store) publish(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than block the merge path
		}
	}
}
