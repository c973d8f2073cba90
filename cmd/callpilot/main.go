package main

import (
	"fmt"
	"os"

	"github.com/kdimtricp/callpilot/cmd/callpilot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
