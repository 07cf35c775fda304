// Command taskforge runs the task delegation server: a thin main that
// delegates to cobra subcommands, grounded on the teacher's
// cmd/conductor/main.go shape.
package main

import (
	"fmt"
	"os"

	"github.com/harrison/taskforge/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
