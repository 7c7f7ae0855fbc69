// Package ffmpegtest provides a scripted stand-in for ffmpeg and ffprobe
// using the re-exec helper process pattern, so encoder-driven code can be
// tested without the real binaries.
//
// A test package wires it in with:
//
//	func TestHelperProcess(t *testing.T) { ffmpegtest.RunHelper() }
//
//	tc := ffmpeg.New("ffmpeg", "ffprobe")
//	tc.Command = ffmpegtest.Command(ffmpegtest.ModeOK)
//
// Fake media files are plain text: "duration=<seconds>" describes a
// decodable clip; anything else is treated as corrupt input. Fake encodes
// write their output in the same format, so results can be re-merged and
// their length checked with Duration.
package ffmpegtest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	envHelper = "MIXDOWN_WANT_HELPER_PROCESS"
	envMode   = "MIXDOWN_HELPER_MODE"
)

// Mode selects how the fake encoder behaves.
type Mode string

const (
	// ModeOK behaves like a healthy toolchain.
	ModeOK Mode = "ok"
	// ModeFailEncode makes every final encode exit non-zero.
	ModeFailEncode Mode = "fail-encode"
	// ModeNoOutput exits 0 from final encodes without writing output.
	ModeNoOutput Mode = "no-output"
	// ModeHang makes final encodes block until killed.
	ModeHang Mode = "hang"
	// ModeNoProbe makes ffprobe fail for every input.
	ModeNoProbe Mode = "no-probe"
)

// Command returns a CommandFunc that re-executes the current test binary as
// the fake encoder.
func Command(mode Mode) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", filepath.Base(name)}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), envHelper+"=1", envMode+"="+string(mode))
		return cmd
	}
}

// WriteClip writes a fake decodable clip of the given length.
func WriteClip(path string, seconds float64) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("duration=%g\n", seconds)), 0o600)
}

// WriteCorrupt writes a file the fake toolchain cannot decode.
func WriteCorrupt(path string) error {
	return os.WriteFile(path, []byte("garbage\n"), 0o600)
}

// Duration reads the length of a fake clip or encode output.
func Duration(path string) (float64, bool) {
	return clipDuration(path)
}

// RunHelper acts as the fake binary when invoked through Command and exits
// the process; otherwise it returns immediately.
func RunHelper() {
	if os.Getenv(envHelper) != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fail("missing command")
	}
	binary, rest := args[1], args[2:]
	mode := Mode(os.Getenv(envMode))

	switch binary {
	case "ffprobe":
		runProbe(mode, rest)
	case "ffmpeg":
		runFFmpeg(mode, rest)
	default:
		fail("unknown binary " + binary)
	}
	os.Exit(0)
}

func runProbe(mode Mode, args []string) {
	if mode == ModeNoProbe {
		fail("probe disabled")
	}
	seconds, ok := clipDuration(args[len(args)-1])
	if !ok {
		fail("Invalid data found when processing input")
	}
	fmt.Printf(`{"streams":[{"index":0,"codec_type":"audio","codec_name":"mp3"}],"format":{"duration":"%f"}}`+"\n", seconds)
}

func runFFmpeg(mode Mode, args []string) {
	input := argAfter(args, "-i")
	output := args[len(args)-1]

	switch {
	case contains(args, "pcm_s16le") && output == "pipe:1":
		seconds, ok := clipDuration(input)
		if !ok {
			fail("Invalid data found when processing input")
		}
		// 1000 bytes per second keeps fake PCM small.
		os.Stdout.Write(make([]byte, int(seconds*1000)))

	case contains(args, "libmp3lame"):
		finalEncode(mode, func() {
			data, err := os.ReadFile(input)
			if err != nil {
				fail(err.Error())
			}
			// The fake mp3 is itself a decodable clip of the concatenated length.
			writeOutput(output, fmt.Sprintf("duration=%g\n", float64(len(data))/1000))
		})

	case contains(args, "libx264"):
		audio := secondInput(args)
		seconds, _ := clipDuration(audio)
		finalEncode(mode, func() {
			total := time.Duration(seconds * float64(time.Second))
			for i := 1; i <= 4; i++ {
				fmt.Printf("frame=%d\nout_time_us=%d\nout_time=00:00:00.000000\nprogress=continue\n", i, (total * time.Duration(i) / 4).Microseconds())
			}
			writeOutput(output, fmt.Sprintf("duration=%g\n", seconds))
			fmt.Printf("out_time_us=%d\nprogress=end\n", total.Microseconds())
		})

	default:
		fail("unsupported invocation")
	}
}

func finalEncode(mode Mode, ok func()) {
	switch mode {
	case ModeFailEncode:
		fmt.Fprintln(os.Stderr, "Stream mapping:")
		fmt.Fprintln(os.Stderr, "Error while opening encoder")
		os.Exit(1)
	case ModeNoOutput:
		return
	case ModeHang:
		time.Sleep(time.Minute)
	default:
		ok()
	}
}

func clipDuration(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	value, found := strings.CutPrefix(strings.TrimSpace(string(data)), "duration=")
	if !found {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return seconds, true
}

func writeOutput(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		fail(err.Error())
	}
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func secondInput(args []string) string {
	seen := 0
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-i" {
			seen++
			if seen == 2 {
				return args[i+1]
			}
		}
	}
	return ""
}

func contains(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
