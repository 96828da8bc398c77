package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mdlayher/virtio/internal/fuzzing"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <target> <files...>",
	Short: "Run input files through a fuzz target",
	Long: `Run feeds the contents of each file to the named fuzz target, as a
fuzzing engine would. A crashing input panics with the target's stack trace.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runTarget,
}

func runTarget(cmd *cobra.Command, args []string) error {
	log, err := logger(cmd)
	if err != nil {
		return err
	}

	name := args[0]
	target, ok := fuzzing.Targets[name]
	if !ok {
		return fmt.Errorf("unknown target %q, see %q", name, "virtiofuzz list")
	}
	log = log.With("target", name)

	for _, file := range args[1:] {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		log.Debug("running input", "file", file, "size", len(data))

		start := time.Now()
		res := target(data)
		log.Info("input done", "file", file, "result", result(res), "duration", time.Since(start))
	}

	return nil
}

func result(v int) string {
	switch v {
	case fuzzing.Interesting:
		return "interesting"
	case fuzzing.Continue:
		return "continue"
	case fuzzing.Reject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", v)
	}
}
