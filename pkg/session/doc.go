// Package session implements the per-user state machine that drives the
// merge and video flows.
//
// Invariants:
// - Events for one user are applied in arrival order on the user's lane.
// - A session is in exactly one State; entering a flow releases the
//   previous flow's assets.
// - Long encodes run off the lane and re-enter it to commit their result;
//   a job whose session was cancelled or reaped only cleans up its own files.
// - Sessions idle past the inactivity timeout are evicted with all assets.
//
// Usage:
//
//	m := session.NewMachine(deps, session.DefaultConfig())
//	out, err := m.Handle(ctx, userID, session.Event{Action: session.ActionStartMerge, ChatID: chatID})
package session
