package main

import (
	"os"

	"careleave/cmd/leavectl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
