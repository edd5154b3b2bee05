package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/samiralibabic/merlind/internal/bufsync"
	"github.com/samiralibabic/merlind/internal/session"
)

// ErrDiagnostics is returned by check when the file has diagnostics.
var ErrDiagnostics = errors.New("diagnostics reported")

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Print the engine's diagnostics for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := session.OptionsFromConfig(cfg)
		opts.Logger = newLogger(cfg.Server.LogLevel)
		n, err := check(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDiagnostics
		}
		return nil
	},
}

// check synchronizes the whole file and writes one file:line:col: message
// line per diagnostic. It returns the number of diagnostics.
func check(ctx context.Context, opts session.Options, path string, out io.Writer) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	reg := session.NewRegistry(opts)
	defer func() { _ = reg.Shutdown(context.Background()) }()

	sess, err := reg.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	diags, err := sess.Errors(ctx, bufsync.NewText(string(src)))
	if err != nil {
		return 0, err
	}
	for _, d := range diags {
		fmt.Fprintf(out, "%s:%d:%d: %s\n", path, d.Start.Line, d.Start.Col, d.Message)
	}
	return len(diags), nil
}
