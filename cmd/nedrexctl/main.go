package main

import (
	"os"

	"github.com/repotrial/nedrexapi-v2d/cmd/nedrexctl/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
