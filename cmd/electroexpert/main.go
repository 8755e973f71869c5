package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "electroexpert",
	Short: "Local-first electrical engineering assistant",
	Long: `electroexpert answers questions about industrial machines using the
manuals you store locally, with optional cloud mirroring of your knowledge
bases.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the electroexpert version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("electroexpert version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(manualsCmd)
	rootCmd.AddCommand(basesCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(cloudCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
