package main

import (
	"os"

	"github.com/praxislabs/dirigent/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
