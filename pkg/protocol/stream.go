package protocol

import "iter"

// Stream is an ordered sequence of protocol events consumed exactly once by
// a single cooperative consumer. A non-nil error terminates the sequence;
// the consumer stopping early is the cancellation signal.
type Stream = iter.Seq2[Event, error]

// Of returns a stream that yields the given events in order.
func Of(events ...Event) Stream {
	return func(yield func(Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Fail returns a stream that immediately terminates with err.
func Fail(err error) Stream {
	return func(yield func(Event, error) bool) {
		yield(nil, err)
	}
}

// Concat chains streams back to back, stopping at the first error.
func Concat(streams ...Stream) Stream {
	return func(yield func(Event, error) bool) {
		for _, s := range streams {
			if s == nil {
				continue
			}
			for ev, err := range s {
				if !yield(ev, err) {
					return
				}
				if err != nil {
					return
				}
			}
		}
	}
}

// Collect drains a stream into a slice, stopping at the first error. Intended
// for tests and buffered responses, not for live turns.
func Collect(s Stream) ([]Event, error) {
	var out []Event
	for ev, err := range s {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
