package main

import (
	"fmt"
	"os"

	"github.com/FairForge/bastion/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bastion:", err)
		os.Exit(cli.ExitCode(err))
	}
}
