package main

import (
	"os"

	"github.com/voice-agent/privacy-core/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
