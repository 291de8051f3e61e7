// Package commandqueue runs fire-and-forget tasks on named lanes.
//
// Invariants:
// - Tasks in the same lane execute one at a time, in submission order.
// - Tasks in different lanes execute concurrently.
// - Submit never blocks: a full lane rejects with ErrLaneFull.
// - A lane with nothing pending is removed, so lane names may be unbounded (one per tenant).
//
// Usage:
//
//	q := commandqueue.New(commandqueue.Options{LaneDepth: 64})
//	defer q.Close(ctx)
//	err := q.Submit(ctx, "webhook:u1", func(ctx context.Context) error {
//		return deliver(ctx)
//	})
package commandqueue
