package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/retouch/internal/store"
	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	historyLimit    int
	historyFailures string
	historyLast     bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent jobs from the ledger",
	Run: func(cmd *cobra.Command, args []string) {
		requireLedger()
		if historyLast {
			runLast(cmd)
			return
		}
		if historyFailures != "" {
			runFailures(cmd, historyFailures)
			return
		}
		runHistory(cmd)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of jobs to show")
	historyCmd.Flags().StringVar(&historyFailures, "failures", "", "Show the frames that failed in this run ID")
	historyCmd.Flags().BoolVar(&historyLast, "last", false, "Show the most recent job and its frame failures")
	rootCmd.AddCommand(historyCmd)
}

func requireLedger() {
	if DB == nil {
		utils.Die("No job ledger configured", errors.New("set --db or POSTGRES_HOST"), nil)
	}
}

func runHistory(cmd *cobra.Command) {
	jobs, err := DB.ListJobs(cmd.Context(), historyLimit)
	if err != nil {
		utils.Die("Failed to list jobs", err, nil)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs recorded yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tSTATUS\tMODE\tFRAMES\tFAILED\tTARGET")
	fmt.Fprintln(w, "------\t-------\t------\t----\t------\t------\t------")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.StartedAt.Local().Format("2006-01-02 15:04"), j.Status, orDash(j.Mode), j.Frames, j.Failed, j.TargetPath)
	}
	w.Flush()
}

func runLast(cmd *cobra.Command) {
	j, err := DB.LastJob(cmd.Context())
	if errors.Is(err, store.ErrNoJobs) {
		fmt.Println("No jobs recorded yet.")
		return
	}
	if err != nil {
		utils.Die("Failed to load last job", err, nil)
	}

	fmt.Printf("Run:        %s\n", j.ID)
	fmt.Printf("Target:     %s\n", j.TargetPath)
	fmt.Printf("Output:     %s\n", j.OutputPath)
	fmt.Printf("Processors: %s\n", strings.Join(j.Processors, ", "))
	fmt.Printf("Status:     %s (%s)\n", j.Status, orDash(j.Mode))
	fmt.Printf("Frames:     %d processed, %d failed\n", j.Frames, j.Failed)
	if j.FinishedAt != nil {
		fmt.Printf("Took:       %s\n", j.FinishedAt.Sub(j.StartedAt).Round(time.Second))
	}
	if j.Failed > 0 {
		fmt.Println()
		showFailures(cmd, j.ID)
	}
}

func runFailures(cmd *cobra.Command, runID string) {
	id, err := uuid.Parse(runID)
	if err != nil {
		utils.Die("Invalid run ID", err, nil)
	}
	showFailures(cmd, id)
}

func showFailures(cmd *cobra.Command, id uuid.UUID) {
	failures, err := DB.Failures(cmd.Context(), id)
	if err != nil {
		utils.Die("Failed to load frame failures", err, nil)
	}
	if len(failures) == 0 {
		fmt.Printf("No frame failures recorded for %s.\n", id)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PROCESSOR\tFRAME\tERROR")
	fmt.Fprintln(w, "---------\t-----\t-----")
	for _, f := range failures {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Processor, f.Path, f.Error)
	}
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
