package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "memex",
	Short:         "Quick capture for notes and checklists",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || os.Getenv("NO_COLOR") != "" {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(captureCmd, listCmd, showCmd, toggleTypeCmd, checkCmd, archiveCmd)
	rootCmd.AddCommand(sweepCmd, repairCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
