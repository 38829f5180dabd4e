package main

import (
	"os"

	"github.com/junovale/clusterdash/cmd/cdctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
