package ffmpeg

import (
	"fmt"
	"os/exec"
)

// Status reports the availability of one encoder binary.
type Status struct {
	Name      string
	Command   string
	Available bool
	Path      string
	Detail    string
}

// Check resolves both binaries on PATH.
func (t *Toolchain) Check() []Status {
	return []Status{
		check("ffmpeg", t.FFmpeg),
		check("ffprobe", t.FFprobe),
	}
}

// Available reports whether every binary resolved.
func (t *Toolchain) Available() bool {
	for _, status := range t.Check() {
		if !status.Available {
			return false
		}
	}
	return true
}

func check(name, command string) Status {
	status := Status{Name: name, Command: command}
	if command == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := exec.LookPath(command)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", command)
		return status
	}
	status.Available = true
	status.Path = path
	return status
}
