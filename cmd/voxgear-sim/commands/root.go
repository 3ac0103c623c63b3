package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "voxgear-sim",
	Short: "Voxgear device simulator",
	Long: `voxgear-sim runs the voxgear conversation engine with simulated
audio devices, for testing realtime backends without hardware.

The microphone is a continuous sine tone, or a looping WAV recording
when mic_wav is set, and the speaker records what it plays. Device identity, endpoints and headers come from a YAML
config file.`,
	RunE: runSimulator,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.AddCommand(runCmd)
}
