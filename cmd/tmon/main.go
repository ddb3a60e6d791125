package main

import (
	"os"

	"github.com/whiteboard/tmon/cmd/tmon/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
