// merlind drives ocamlmerlin engines on behalf of editors.
package main

import (
	"errors"
	"os"

	"github.com/samiralibabic/merlind/cmd/merlind/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, cmd.ErrDiagnostics) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
