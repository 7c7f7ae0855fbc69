package cli

import (
	"fmt"
	"io"

	"github.com/harun/mixdown/internal/config"
	"github.com/harun/mixdown/pkg/ffmpeg"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		Long:  `Check that ffmpeg and ffprobe are installed and the configuration is usable.`,
		RunE:  runDoctor,
	}
	return cmd
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ok := checkTools(out, ffmpeg.New(cfg.Media.FFmpegPath, cfg.Media.FFprobePath))

	problems := config.NewValidator().ValidateConfig(cfg)
	if len(problems) == 0 {
		check(out, "Configuration", true, "valid")
	}
	for _, p := range problems {
		check(out, "Configuration", false, p.Error())
		ok = false
	}
	check(out, "Data directory", true, cfg.DataDir)

	if !ok {
		fmt.Fprintln(out, "\nSome prerequisites are missing.")
		return fmt.Errorf("doctor found problems")
	}
	fmt.Fprintln(out, "\nAll prerequisites met.")
	return nil
}

func checkTools(out io.Writer, tc *ffmpeg.Toolchain) bool {
	ok := true
	for _, st := range tc.Check() {
		if st.Available {
			check(out, st.Name, true, st.Path)
			continue
		}
		check(out, st.Name, false, st.Detail)
		ok = false
	}
	return ok
}

func check(out io.Writer, name string, ok bool, detail string) {
	mark := "✓"
	if !ok {
		mark = "✗"
	}
	fmt.Fprintf(out, "%s %s: %s\n", mark, name, detail)
}
