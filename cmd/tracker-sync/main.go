package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jra3/tracker-sync/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch {
		case errors.Is(err, cmd.ErrStartup):
			os.Exit(1)
		case errors.Is(err, cmd.ErrRuntime):
			os.Exit(2)
		default:
			os.Exit(1)
		}
	}
}
