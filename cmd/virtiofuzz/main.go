// Command virtiofuzz lists and replays the virtio device fuzz targets, and
// inspects serialized queue states.
package main

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "virtiofuzz",
	Short: "Replay inputs through the virtio device fuzz targets",
	Long: `virtiofuzz runs crash reproducers and corpus entries through the
virtio_queue, vsock, virtio_queue_ser and blk fuzz targets outside of a
fuzzing engine.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// logger builds the logger for cmd from the --log-level flag.
func logger(cmd *cobra.Command) (hclog.Logger, error) {
	level, err := cmd.Root().PersistentFlags().GetString("log-level")
	if err != nil {
		return nil, err
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "virtiofuzz",
		Level:  hclog.LevelFromString(level),
		Output: cmd.ErrOrStderr(),
	}), nil
}
