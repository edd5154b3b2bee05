package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/samiralibabic/merlind/internal/process"
)

var consoleCmd = &cobra.Command{
	Use:   "console [dir]",
	Short: "Run the engine interactively on a terminal",
	Long:  "Starts the configured engine attached to a pseudo-terminal so commands can be typed by hand.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := ""
		if len(args) == 1 {
			if dir, err = filepath.Abs(args[0]); err != nil {
				return err
			}
		}
		c := process.Console{
			Launcher: process.ExecLauncher{Binary: cfg.Engine.Binary, Flags: cfg.Engine.Flags, Dir: dir},
			In:       os.Stdin,
			Out:      cmd.OutOrStdout(),
		}
		return c.Run(cmd.Context())
	},
}
