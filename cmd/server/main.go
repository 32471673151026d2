package main

import (
	"os"

	"github.com/manpreetbhatti/arena/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
