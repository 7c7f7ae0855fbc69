package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// ProgressUpdate is one block of `-progress` output.
type ProgressUpdate struct {
	// OutTime is the encoded media position; negative when unknown.
	OutTime time.Duration
	// Done is set by `progress=end`.
	Done bool
}

// ProgressParser turns `-progress pipe:1` key=value lines into updates.
// ffmpeg writes a block of keys followed by `progress=continue|end`.
// out_time_us is preferred; out_time_ms carries microseconds as well despite
// its name; out_time (HH:MM:SS.micro) is the fallback.
type ProgressParser struct {
	us      time.Duration
	ms      time.Duration
	clock   time.Duration
	haveUS  bool
	haveMS  bool
	haveClk bool
}

// NewProgressParser returns an empty parser.
func NewProgressParser() *ProgressParser {
	return &ProgressParser{}
}

// Feed consumes one line and returns an update when the line closes a block.
func (p *ProgressParser) Feed(line string) (ProgressUpdate, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return ProgressUpdate{}, false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "out_time_us":
		if d, ok := parseMicros(value); ok {
			p.us, p.haveUS = d, true
		}
	case "out_time_ms":
		if d, ok := parseMicros(value); ok {
			p.ms, p.haveMS = d, true
		}
	case "out_time":
		if d, ok := parseClock(value); ok {
			p.clock, p.haveClk = d, true
		}
	case "progress":
		update := ProgressUpdate{OutTime: p.outTime(), Done: value == "end"}
		p.reset()
		return update, true
	}
	return ProgressUpdate{}, false
}

func (p *ProgressParser) outTime() time.Duration {
	switch {
	case p.haveUS:
		return p.us
	case p.haveMS:
		return p.ms
	case p.haveClk:
		return p.clock
	default:
		return -1
	}
}

func (p *ProgressParser) reset() {
	*p = ProgressParser{}
}

// ParseProgress reads r to EOF and calls fn for every completed block.
func ParseProgress(r io.Reader, fn func(ProgressUpdate)) error {
	parser := NewProgressParser()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if update, ok := parser.Feed(scanner.Text()); ok {
			fn(update)
		}
	}
	return scanner.Err()
}

func parseMicros(value string) (time.Duration, bool) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Microsecond, true
}

// parseClock parses HH:MM:SS.ffffff.
func parseClock(value string) (time.Duration, bool) {
	if strings.HasPrefix(value, "-") {
		return 0, false
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}
	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	return total + time.Duration(seconds*float64(time.Second)), true
}
