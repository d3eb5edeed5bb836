package main

import (
	"os"

	"sitterd/internal/cliapp"
)

func main() {
	os.Exit(cliapp.Run(os.Args[1:]))
}
