package main

import (
	"os"

	"github.com/ahrav/audit-mill/cmd/mill/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
