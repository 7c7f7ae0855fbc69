// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Every user gets a lane ("user:<id>") with concurrency 1, so events for one
// user are applied strictly in arrival order while different users proceed
// in parallel.
//
// Invariants:
// - Tasks in the same lane execute in submission order, one at a time.
// - Tasks in different lanes may execute concurrently.
// - Idle lanes are dropped; a later submission recreates them.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	err := queue.Do(ctx, commandqueue.UserLane(42), func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
