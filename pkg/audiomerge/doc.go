// Package audiomerge concatenates audio clips into one MP3.
//
// A merge runs in three phases that map onto the 0-100 progress scale:
// probing durations (0-20), decoding every clip to raw PCM and appending it
// to one combined stream (20-90), and a single MP3 encode (90-100). Clips
// that cannot be probed or decoded are skipped; the merge only fails when
// nothing usable is left or the final encode fails.
package audiomerge
