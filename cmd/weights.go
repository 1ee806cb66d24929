package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/andresmejia3/retouch/internal/weights"
	"github.com/spf13/cobra"
)

var weightsDir string

var weightsCmd = &cobra.Command{
	Use:         "weights",
	Short:       "Download the pretrained model weights",
	Annotations: map[string]string{skipLedger: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		missing := weights.Missing(weightsDir, weights.Pretrained)
		if len(missing) == 0 {
			fmt.Printf("✅ All %d weight files present in %s\n", len(weights.Pretrained), weightsDir)
			return
		}

		client := &http.Client{Timeout: 30 * time.Minute}
		if err := weights.Bootstrap(cmd.Context(), client, weightsDir, weights.Pretrained, os.Stderr, Log); err != nil {
			utils.Die("Failed to download model weights", err, nil)
		}
		fmt.Printf("✅ Downloaded %d weight files to %s\n", len(missing), weightsDir)
	},
}

func init() {
	weightsCmd.Flags().StringVar(&weightsDir, "weights-dir", runCfg.WeightsDir, "Directory to store the weights in")
	rootCmd.AddCommand(weightsCmd)
}
