package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/wakewire/internal/protocol"
	"github.com/andresmejia3/wakewire/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	streamOpts Options
	streamHost string
)

var streamCmd = &cobra.Command{
	Use:   "stream <audio_file>",
	Short: "Stream a WAV or raw PCM file to a running server and print detections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runStream(cmd.Context(), args[0], streamOpts)
	},
}

func init() {
	fs := streamCmd.Flags()
	addChunkFlag(fs, &streamOpts)
	addTransportFlags(fs, &streamOpts)
	fs.StringVar(&streamHost, "host", "localhost", "Server host when --use-ip-socket is set")
	fs.BoolVarP(&streamOpts.Realtime, "realtime", "r", false, "Pace frames at the audio rate instead of as fast as possible")
	rootCmd.AddCommand(streamCmd)
}

func runStream(ctx context.Context, path string, opts Options) error {
	if opts.ChunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be > 0, got %d", opts.ChunkSize)
	}
	frameBytes := opts.frameBytes()

	audio, closer, total, err := openAudio(path, frameBytes)
	if err != nil {
		utils.ShowError("Failed to open audio", err, nil)
		return err
	}
	defer closer.Close()

	network, addr := opts.listenerConfig().Network()
	if network == "tcp" {
		addr = net.JoinHostPort(streamHost, strconv.Itoa(opts.IPPort))
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		utils.ShowError("Failed to connect to server", err, nil)
		return err
	}
	defer conn.Close()

	// Unblock pending I/O on Ctrl+C
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎧 Streaming"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	var pace time.Duration
	if opts.Realtime {
		pace = time.Duration(opts.ChunkSize) * time.Second / utils.SampleRate
	}

	res, err := streamAudio(ctx, conn, audio, frameBytes, pace, func(index int, detected bool) {
		bar.Add(1)
		if detected {
			bar.Clear()
			fmt.Printf("✅ Wake word at %s (frame %d)\n", frameOffset(index, opts.ChunkSize), index)
		}
	})
	bar.Finish()
	if err != nil && ctx.Err() == nil {
		utils.ShowError("Streaming failed", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Sent %d frames, %d detections.\n", res.Frames, len(res.Detections))
	return nil
}

type streamResult struct {
	Frames     int
	Detections []int // frame indexes answered DETECTED
}

// streamAudio sends audio in frameBytes frames and reads one token per
// frame. With pace > 0 frames are sent no faster than one per pace.
func streamAudio(ctx context.Context, conn io.ReadWriter, audio io.Reader, frameBytes int, pace time.Duration, onFrame func(index int, detected bool)) (streamResult, error) {
	var res streamResult
	buf := make([]byte, frameBytes)

	var tick <-chan time.Time
	if pace > 0 {
		t := time.NewTicker(pace)
		defer t.Stop()
		tick = t.C
	}

	for index := 0; ; index++ {
		ok, err := readFrame(audio, buf)
		if err != nil {
			return res, fmt.Errorf("read audio: %w", err)
		}
		if !ok {
			return res, nil
		}

		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return res, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return res, err
		}

		if _, err := conn.Write(buf); err != nil {
			return res, fmt.Errorf("send frame %d: %w", index, err)
		}
		token, err := protocol.ReadExact(conn, protocol.TokenSize)
		if err != nil {
			return res, fmt.Errorf("read reply to frame %d: %w", index, err)
		}
		detected, err := protocol.Decode(token)
		if err != nil {
			return res, err
		}

		res.Frames++
		if detected {
			res.Detections = append(res.Detections, index)
		}
		if onFrame != nil {
			onFrame(index, detected)
		}
	}
}

// frameOffset is the audio time at the end of frame index.
func frameOffset(index, chunkSize int) time.Duration {
	samples := int64(index+1) * int64(chunkSize)
	return (time.Duration(samples) * time.Second / utils.SampleRate).Round(time.Millisecond)
}
