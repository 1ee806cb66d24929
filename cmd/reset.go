package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB      bool
	resetFiles   bool
	resetWeights bool
	resetTempDir string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Job ledger, Temp frames, Weights)",
	Long:  "Clears local state. By default it clears the ledger and temp frames. Weights are only removed with --weights.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, clear the ledger and leftovers from interrupted jobs
		if !resetDB && !resetFiles && !resetWeights {
			resetDB = DB != nil
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			requireLedger()
			if confirm(reader, "⚠️  Are you sure you want to DROP the job ledger tables?") {
				fmt.Println("🗑️  Clearing Job Ledger...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all temp frames in %s?", resetTempDir)) {
				fmt.Println("🗑️  Clearing Temp Frames...")
				removeDir(resetTempDir)
			}
		}

		if resetWeights {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete the model weights in %s?", runCfg.WeightsDir)) {
				fmt.Println("🗑️  Clearing Model Weights...")
				removeDir(runCfg.WeightsDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the PostgreSQL job ledger")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear extracted frames left by interrupted jobs")
	resetCmd.Flags().BoolVar(&resetWeights, "weights", false, "Clear downloaded model weights")
	resetCmd.Flags().StringVar(&resetTempDir, "temp-dir", runCfg.TempDir, "Temp directory to clear")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
