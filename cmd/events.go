package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/wakewire/internal/store"
	"github.com/andresmejia3/wakewire/internal/utils"
	"github.com/spf13/cobra"
)

var (
	eventsLimit int
	eventsModel string
)

var eventsCmd = &cobra.Command{
	Use:         "events",
	Short:       "List recorded detections, newest first",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEvents(cmd.Context(), eventsModel, eventsLimit)
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "Maximum rows to show (0 for all)")
	eventsCmd.Flags().StringVarP(&eventsModel, "model", "m", "", "Only show detections of this model")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(ctx context.Context, model string, limit int) error {
	detections, err := DB.ListDetections(ctx, model, limit)
	if err != nil {
		utils.ShowError("Failed to list detections", err, nil)
		return err
	}

	if len(detections) == 0 {
		fmt.Println("No detections found in database.")
		return nil
	}
	printDetections(os.Stdout, detections)
	return nil
}

func printDetections(out io.Writer, detections []store.Detection) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSCORE\tTHRESHOLD\tFRAME\tSESSION\tDETECTED\tLABEL")
	fmt.Fprintln(w, "--\t-----\t-----\t---------\t-----\t-------\t--------\t-----")

	for _, d := range detections {
		session := d.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%.2f\t%d\t%s\t%s\t%s\n",
			d.ID, d.Model, d.Score, d.Threshold, d.FrameIndex, session,
			d.DetectedAt.Local().Format("2006-01-02 15:04:05"), labelText(d.Label))
	}
	w.Flush()
}

func labelText(l *bool) string {
	switch {
	case l == nil:
		return "-"
	case *l:
		return "true"
	default:
		return "false"
	}
}
