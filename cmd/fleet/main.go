package main

import (
	"os"

	"github.com/ChuLiYu/fleet/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
