package main

import (
	"context"
	"fmt"
	"os"

	"example.com/fitsync/internal/cli"
	"example.com/fitsync/internal/logging"
)

func main() {
	cmd := cli.NewRootCommand()
	err := cmd.ExecuteContext(context.Background())
	_ = logging.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fitsync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
