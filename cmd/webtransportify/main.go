package main

import (
	"os"

	"github.com/longern/webtransportify/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
