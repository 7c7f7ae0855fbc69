// Package assetstore owns the temporary files each user submits or produces.
//
// Invariants:
// - Every file lives under <root>/<userID>/ and belongs to exactly one user.
// - Release is idempotent and removes the user's whole scope.
// - Supersede writes-before-deletes: the old file is removed only after the
//   new one is verified to exist and be non-empty.
//
// Usage:
//
//	store, _ := assetstore.New("/var/lib/mixdown/assets")
//	path, _ := store.NewPath(42, "audio", "mp3")
//	_ = store.Release(42)
package assetstore
