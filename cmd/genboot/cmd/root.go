// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the genboot CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "genboot",
	Short:         "Secure-Boot-aware boot stub generator and generation installer",
	Long:          ``,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootOptions struct {
	esp     string
	verbose bool
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootOptions.esp, "esp", "/boot", "mount point of the EFI system partition")
	rootCmd.PersistentFlags().BoolVar(&rootOptions.verbose, "verbose", false, "enable debug logging")
}

func newLogger() (*zap.Logger, error) {
	if rootOptions.verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
