package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chorushq/chorus/internal/store"
)

var (
	runsLimit int
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Show recorded run history",
	Long: `List runs recorded in the history database, or show one run with its
per-session transcripts when a run id is given.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyDB == "" {
			return fmt.Errorf("--history-db is required")
		}
		db, err := store.Open(historyDB)
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
		defer db.Close()
		st := store.NewStore(db)
		defer st.Close()

		if len(args) == 1 {
			return showRun(st, args[0])
		}
		return listRuns(st)
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Max runs listed")
	runsCmd.Flags().BoolVar(&runsJSON, "output-json", false, "Output as JSON")
	rootCmd.AddCommand(runsCmd)
}

func listRuns(st *store.Store) error {
	runs, err := st.Runs(runsLimit)
	if err != nil {
		return err
	}
	if runsJSON {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tTRANSPORT\tSESSIONS\tFAILED\tAUDIO\tRTFX\tRELIABLE")
	for _, r := range runs {
		reliable := "yes"
		if !r.Reliable {
			reliable = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%.2f\t%s\n",
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			r.Transport,
			r.Sessions,
			r.Failed,
			time.Duration(r.AudioMs)*time.Millisecond,
			r.RTFX,
			reliable,
		)
	}
	return w.Flush()
}

func showRun(st *store.Store, id string) error {
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}
	recs, err := st.RunTranscripts(id)
	if err != nil {
		return err
	}

	if runsJSON {
		out := map[string]any{"run": run, "transcripts": recs}
		if run.ConfigJSON != "" {
			out["config"] = json.RawMessage(run.ConfigJSON)
		}
		if run.LatencyJSON != "" {
			out["latency"] = json.RawMessage(run.LatencyJSON)
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("run %s\n", run.ID)
	fmt.Printf("  started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("  finished:  %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	fmt.Printf("  server:    %s (%s)\n", run.Server, run.Transport)
	fmt.Printf("  sessions:  %d (%d failed)\n", run.Sessions, run.Failed)
	fmt.Printf("  requests:  %d sent, %d responses\n", run.Requests, run.Responses)
	fmt.Printf("  audio:     %s\n", time.Duration(run.AudioMs)*time.Millisecond)
	fmt.Printf("  run time:  %s\n", time.Duration(run.ElapsedMs)*time.Millisecond)
	fmt.Printf("  rtfx:      %.2f\n", run.RTFX)
	if !run.Reliable {
		fmt.Println("  warning: latency figures were flagged unreliable")
	}

	if len(recs) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tFILE\tTEXT")
	for _, rec := range recs {
		text := rec.Text
		if rec.Failed {
			text = "failed: " + rec.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", rec.SessionID, rec.AudioPath, text)
	}
	return w.Flush()
}
