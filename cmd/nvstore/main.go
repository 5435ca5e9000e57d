package main

import (
	"github.com/nvstore-db/nvstore/internal/cli"
	"github.com/nvstore-db/nvstore/internal/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		cli.ExitWithError("%v", err)
	}
}
