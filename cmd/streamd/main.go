package main

import (
	"os"

	"streamd/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
