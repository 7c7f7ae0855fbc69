package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Raw PCM layout shared by decode and encode.
const (
	SampleRate     = 44100
	Channels       = 2
	BytesPerSample = 2
	BytesPerSecond = SampleRate * Channels * BytesPerSample
)

// PCMDuration converts a byte count of raw PCM to playback time.
func PCMDuration(n int64) time.Duration {
	return time.Duration(float64(n) / BytesPerSecond * float64(time.Second))
}

func pcmArgs() []string {
	return []string{"-f", "s16le", "-ar", strconv.Itoa(SampleRate), "-ac", strconv.Itoa(Channels)}
}

// DecodePCM decodes input to signed 16-bit little-endian PCM and appends it
// to w. It returns the number of PCM bytes written.
func (t *Toolchain) DecodePCM(ctx context.Context, input string, w io.Writer) (int64, error) {
	args := []string{"-v", "error", "-nostdin", "-i", input, "-vn", "-acodec", "pcm_s16le"}
	args = append(args, pcmArgs()...)
	args = append(args, "pipe:1")

	var written int64
	err := t.run(ctx, t.FFmpeg, args, func(r io.Reader) error {
		n, err := io.Copy(w, r)
		written = n
		return err
	})
	if err != nil {
		return written, fmt.Errorf("decode %s: %w", input, err)
	}
	return written, nil
}

// EncodeMP3 encodes a raw PCM file into a stereo MP3 at the given bitrate.
func (t *Toolchain) EncodeMP3(ctx context.Context, pcmPath, output, bitrate string) error {
	if bitrate == "" {
		bitrate = "192k"
	}
	args := []string{"-v", "error", "-nostdin", "-y"}
	args = append(args, pcmArgs()...)
	args = append(args, "-i", pcmPath, "-c:a", "libmp3lame", "-b:a", bitrate, "-ac", strconv.Itoa(Channels), output)

	if err := t.Run(ctx, args, nil); err != nil {
		return fmt.Errorf("encode %s: %w", output, err)
	}
	return nil
}
