package eventbus

import "context"

// ByKind returns a channel that only passes events of the given kinds.
// Spawns a goroutine that exits when ctx is cancelled or ch closes; the
// returned channel is closed when that goroutine exits.
//
// Adapted from dmora-agentrun/filter.Filter, narrowed from
// agentrun.MessageType to eventbus.Kind — the same composable-channel-
// middleware shape, one predicate swapped for another.
func ByKind(ctx context.Context, ch <-chan Event, kinds ...Kind) <-chan Event {
	allowed := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return pipe(ctx, ch, func(e Event) bool {
		_, ok := allowed[e.Kind]
		return ok
	})
}

// ByName returns a channel that only passes events for the given agent
// name.
func ByName(ctx context.Context, ch <-chan Event, name string) <-chan Event {
	return pipe(ctx, ch, func(e Event) bool {
		return e.Name == name
	})
}

func pipe(ctx context.Context, ch <-chan Event, accept func(Event) bool) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if accept(evt) && !trySend(ctx, out, evt) {
					return
				}
			}
		}
	}()
	return out
}

func trySend(ctx context.Context, out chan<- Event, evt Event) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
