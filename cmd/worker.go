package cmd

import (
	"os"

	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/dispatch"
	"github.com/andresmejia3/retouch/internal/engine"
	"github.com/andresmejia3/retouch/internal/model"
	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/andresmejia3/retouch/internal/worker"
	"github.com/spf13/cobra"
)

// workerCmd is the child side of multi-process mode. It is started by the
// dispatcher, never by hand.
var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Process one chunk of frames (internal)",
	Hidden:      true,
	Annotations: map[string]string{skipLedger: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		data := worker.DataPipe()
		defer data.Close()

		factory := func(cfg config.Config) model.Factory {
			return engine.Factory(os.Getpid(), engine.FromConfig(cfg))
		}
		if err := dispatch.ServeWorker(cmd.Context(), os.Stdin, data, factory, Log); err != nil {
			utils.Die("Worker failed", err, nil)
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
