package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/wakewire/internal/detector"
	"github.com/andresmejia3/wakewire/internal/emitter"
	"github.com/andresmejia3/wakewire/internal/listener"
	"github.com/andresmejia3/wakewire/internal/metrics"
	"github.com/andresmejia3/wakewire/internal/policy"
	"github.com/andresmejia3/wakewire/internal/scoreboard"
	"github.com/andresmejia3/wakewire/internal/session"
	"github.com/andresmejia3/wakewire/internal/utils"
	"github.com/spf13/cobra"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept audio streams and answer every frame with a detection token",
	Long: "Listens on a unix socket (or TCP with --use-ip-socket), reads fixed-size PCM frames " +
		"and replies to each with the 8-byte token DETECTED or NOT. Detections are optionally " +
		"stored in PostgreSQL (--db or POSTGRES_HOST) and published over MQTT.",
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	fs := serveCmd.Flags()
	addChunkFlag(fs, &serveOpts)
	addTransportFlags(fs, &serveOpts)
	addDetectorFlags(fs, &serveOpts)
	addPolicyFlags(fs, &serveOpts)
	fs.DurationVar(&serveOpts.IdleTimeout, "idle-timeout", time.Second, "Read deadline while waiting for audio; expiry is not an error")
	fs.StringVar(&serveOpts.MQTTBroker, "mqtt-broker", "", "MQTT broker (host:port) for detection events")
	fs.StringVar(&serveOpts.MQTTTopic, "mqtt-topic", emitter.DefaultTopic, "MQTT topic prefix; events go to <topic>/<model>")
	fs.StringVar(&serveOpts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(serveCmd)
}

// validateServeFlags checks option ranges before anything is started.
func validateServeFlags(opts *Options) error {
	if opts.ChunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be > 0, got %d", opts.ChunkSize)
	}
	if opts.ScoreHistory <= 0 {
		return fmt.Errorf("--score-history must be > 0, got %d", opts.ScoreHistory)
	}
	if opts.IdleTimeout < 0 {
		return fmt.Errorf("--idle-timeout must not be negative")
	}
	if opts.WorkerTimeout < 0 {
		return fmt.Errorf("--worker-timeout must not be negative")
	}
	if opts.UseIPSocket && (opts.IPPort <= 0 || opts.IPPort > 65535) {
		return fmt.Errorf("--ip-port must be between 1 and 65535, got %d", opts.IPPort)
	}
	if !opts.UseIPSocket && opts.SocketPath == "" {
		return errors.New("--socket-path must not be empty")
	}
	switch opts.InferenceFramework {
	case "onnx", "tflite":
	default:
		return fmt.Errorf("--inference-framework must be onnx or tflite, got %q", opts.InferenceFramework)
	}
	if _, err := opts.policy(); err != nil {
		return err
	}
	return nil
}

// runServe wires the detector, sinks and listener, then serves connections
// until ctx is cancelled.
func runServe(ctx context.Context, opts Options) error {
	if err := validateServeFlags(&opts); err != nil {
		utils.ShowError("Invalid options", err, nil)
		return err
	}
	pol, _ := opts.policy()
	log := slog.Default()

	board, err := scoreboard.New(opts.ScoreHistory)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting detector...")
	det, err := detector.NewPythonWorker(ctx, opts.detectorConfig())
	if err != nil {
		utils.ShowError("Failed to start detector", err, workerCommand(err))
		return err
	}
	defer func() {
		if err := det.Close(); err != nil {
			log.Debug("detector exited", "error", err)
		}
	}()

	models := det.Models()
	board.Register(models...)
	var eligible []string
	for _, m := range models {
		if pol.Eligible(m) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		log.Warn("no loaded model passes the filter; every frame will be answered NOT", "filter", pol.Filter)
	}
	log.Info("detector ready", "models", models, "eligible", eligible, "threshold", pol.Threshold, "selector", pol.Selector)

	sessOpts := session.Options{
		FrameSize:   opts.frameBytes(),
		IdleTimeout: opts.IdleTimeout,
		Logger:      log,
	}

	if opts.MetricsAddr != "" {
		m := metrics.New("")
		sessOpts.Metrics = m
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", opts.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Info("metrics enabled", "addr", opts.MetricsAddr)
	}

	if DB != nil {
		sessOpts.Sinks = append(sessOpts.Sinks, DB)
		log.Info("recording detections to database")
	}

	if opts.MQTTBroker != "" {
		mq := emitter.NewMQTT(emitter.Config{Broker: opts.MQTTBroker, Topic: opts.MQTTTopic}, log)
		if err := mq.Connect(ctx); err != nil {
			utils.ShowError("Failed to connect to MQTT broker", err, nil)
			return err
		}
		defer mq.Close()
		sessOpts.Sinks = append(sessOpts.Sinks, mq)
	}

	ln, err := listener.Listen(opts.listenerConfig())
	if err != nil {
		utils.ShowError("Failed to bind socket", err, nil)
		return err
	}
	defer ln.Close()

	network, _ := opts.listenerConfig().Network()
	fmt.Fprintf(os.Stderr, "🎙️  Listening on %s %s (frame: %d samples)\n", network, ln.Addr(), opts.ChunkSize)

	err = serveLoop(ctx, ln, det, board, pol, sessOpts)
	if errors.Is(err, detector.ErrWorkerBroken) {
		// DRAIN: Wait for process to exit and capture final stderr logs
		det.Close()
		utils.ShowError("Detector stopped responding", err, det.Cmd)
		return err
	}
	fmt.Fprintln(os.Stderr, "\n🏁 Server stopped.")
	return err
}

// workerCommand returns the worker process of a startup failure so its
// stderr can be shown, or nil.
func workerCommand(err error) *utils.SafeCommand {
	var se *detector.StartupError
	if errors.As(err, &se) {
		return se.Cmd
	}
	return nil
}

type acceptor interface {
	Accept(ctx context.Context) (net.Conn, error)
}

// serveLoop handles one producer at a time. A session ending sends the loop
// back to accepting, unless the detector broke: no later frame could be
// scored, so the loop returns the error.
func serveLoop(ctx context.Context, acc acceptor, det detector.Detector, board *scoreboard.Board, pol policy.Policy, opts session.Options) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sess, err := session.New(conn, det, board, pol, opts)
		if err != nil {
			conn.Close()
			return err
		}
		if err := sess.Run(ctx); err != nil {
			if errors.Is(err, detector.ErrWorkerBroken) {
				return err
			}
			log.Warn("session ended with error", "session_id", sess.ID, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
