package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zama9729/petal-hr-suite-16029-sub006/internal/cli"
)

var rootCmd = &cobra.Command{Use: "hrflow"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
