package main

import (
	"os"

	"github.com/psantana5/pcap-relay/cmd/pcaprelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
