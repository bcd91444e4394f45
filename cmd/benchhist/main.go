package main

import (
	"os"

	"github.com/bench-history/tracker/cli"
)

func main() {
	os.Exit(cli.Execute())
}
