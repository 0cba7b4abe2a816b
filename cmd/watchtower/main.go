package main

import (
	"os"

	"github.com/watchtower-proxy/watchtower/cmd/watchtower/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
