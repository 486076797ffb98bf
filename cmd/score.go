package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/wakewire/internal/detector"
	"github.com/andresmejia3/wakewire/internal/policy"
	"github.com/andresmejia3/wakewire/internal/scoreboard"
	"github.com/andresmejia3/wakewire/internal/types"
	"github.com/andresmejia3/wakewire/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var scoreOpts Options

var scoreCmd = &cobra.Command{
	Use:   "score <audio_file>",
	Short: "Run the detector over an audio file without a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScore(cmd.Context(), args[0], scoreOpts)
	},
}

func init() {
	fs := scoreCmd.Flags()
	addChunkFlag(fs, &scoreOpts)
	addDetectorFlags(fs, &scoreOpts)
	addPolicyFlags(fs, &scoreOpts)
	rootCmd.AddCommand(scoreCmd)
}

func runScore(ctx context.Context, path string, opts Options) error {
	if opts.ChunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be > 0, got %d", opts.ChunkSize)
	}
	pol, err := opts.policy()
	if err != nil {
		utils.ShowError("Invalid options", err, nil)
		return err
	}
	board, err := scoreboard.New(opts.ScoreHistory)
	if err != nil {
		return err
	}

	audio, closer, total, err := openAudio(path, opts.frameBytes())
	if err != nil {
		utils.ShowError("Failed to open audio", err, nil)
		return err
	}
	defer closer.Close()

	fmt.Fprintln(os.Stderr, "🚀 Starting detector...")
	w, err := detector.NewPythonWorker(ctx, opts.detectorConfig())
	if err != nil {
		utils.ShowError("Failed to start detector", err, workerCommand(err))
		return err
	}
	defer w.Close()
	board.Register(w.Models()...)

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Scoring"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	report, err := scoreAudio(ctx, w, board, pol, audio, opts.frameBytes(), func() { bar.Add(1) })
	bar.Finish()
	if err != nil {
		// DRAIN: Wait for process to exit and capture final stderr logs
		w.Close()
		utils.ShowError("Scoring failed", err, w.Cmd)
		return err
	}

	fmt.Fprintln(os.Stderr)
	printReport(os.Stdout, report, pol, opts.ChunkSize)
	return nil
}

type scoreReport struct {
	Frames     int
	Models     []string // registration order
	Max        map[string]float64
	MaxFrame   map[string]int
	FirstFrame int // first frame the policy answered DETECTED, -1 if none
	FirstModel string
	Detections int
	Undecided  int // frames where a model reported no score
}

// scoreAudio feeds audio through det frame by frame, applying the same
// policy the server would.
func scoreAudio(ctx context.Context, det detector.Detector, board *scoreboard.Board, pol policy.Policy, audio io.Reader, frameBytes int, onFrame func()) (scoreReport, error) {
	report := scoreReport{
		Max:        make(map[string]float64),
		MaxFrame:   make(map[string]int),
		FirstFrame: -1,
	}
	buf := make([]byte, frameBytes)

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ok, err := readFrame(audio, buf)
		if err != nil {
			return report, fmt.Errorf("read audio: %w", err)
		}
		if !ok {
			break
		}

		samples, err := utils.DecodePCM16(buf)
		if err != nil {
			return report, err
		}
		pred, err := det.Predict(ctx, samples)
		if err != nil {
			return report, fmt.Errorf("frame %d: %w", index, err)
		}
		for model, score := range pred.Latest() {
			if cur, seen := report.Max[model]; !seen || score > cur {
				report.Max[model] = score
				report.MaxFrame[model] = index
			}
		}

		// A frame some model did not score is left undecided, as in serve
		var verdict types.Verdict
		if len(pred.Missing(board.Models())) == 0 {
			for model, score := range pred.Latest() {
				board.Update(model, score)
			}
			verdict, err = pol.Evaluate(board)
			if err != nil && !errors.Is(err, scoreboard.ErrNoScoreYet) {
				return report, err
			}
		} else {
			report.Undecided++
		}
		if verdict.Detected {
			report.Detections++
			if report.FirstFrame < 0 {
				report.FirstFrame = index
				report.FirstModel = verdict.Model
			}
		}
		report.Frames++
		if onFrame != nil {
			onFrame()
		}
	}

	report.Models = board.Models()
	return report, nil
}

func printReport(out io.Writer, r scoreReport, pol policy.Policy, chunkSize int) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MODEL\tMAX SCORE\tAT\tELIGIBLE")
	fmt.Fprintln(w, "-----\t---------\t--\t--------")
	for _, m := range r.Models {
		best, ok := r.Max[m]
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\t%t\n", m, pol.Eligible(m))
			continue
		}
		fmt.Fprintf(w, "%s\t%.4f\t%s\t%t\n", m, best, frameOffset(r.MaxFrame[m], chunkSize), pol.Eligible(m))
	}
	w.Flush()

	if r.Undecided > 0 {
		fmt.Fprintf(out, "\n⚠️  %d frames left undecided: a model reported no score.\n", r.Undecided)
	}
	if r.FirstFrame < 0 {
		fmt.Fprintf(out, "\n❌ No detection in %d frames (threshold %.2f).\n", r.Frames, pol.Threshold)
		return
	}
	fmt.Fprintf(out, "\n✅ First detection: %s at %s (frame %d); %d of %d frames detected.\n",
		r.FirstModel, frameOffset(r.FirstFrame, chunkSize), r.FirstFrame, r.Detections, r.Frames)
}
