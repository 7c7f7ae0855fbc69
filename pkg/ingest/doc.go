// Package ingest validates user submissions and downloads them into the
// asset store.
//
// Invariants:
// - Size and queue limits are checked before any bytes are fetched.
// - Documents are accepted only with an audio/* MIME type.
// - A failed download never leaves a partial file behind.
package ingest
