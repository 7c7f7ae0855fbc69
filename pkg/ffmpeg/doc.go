// Package ffmpeg wraps the ffmpeg and ffprobe binaries: duration probing,
// raw PCM decode/encode, machine-readable progress parsing and dependency
// checks. Every invocation is bound to a context; cancelling it kills the
// child process.
package ffmpeg
