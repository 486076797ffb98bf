// Package session drives one audio producer connection: read a frame, score
// it, decide, reply, until the peer goes away.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/wakewire/internal/detector"
	"github.com/andresmejia3/wakewire/internal/metrics"
	"github.com/andresmejia3/wakewire/internal/policy"
	"github.com/andresmejia3/wakewire/internal/protocol"
	"github.com/andresmejia3/wakewire/internal/scoreboard"
	"github.com/andresmejia3/wakewire/internal/types"
	"github.com/andresmejia3/wakewire/internal/utils"
	"github.com/google/uuid"
)

// State of a session.
type State int32

const (
	AwaitingConnection State = iota
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingConnection:
		return "awaiting_connection"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Reasons a session ends, used in logs, metrics and stored summaries.
const (
	ReasonPeerClosed     = "peer_closed"
	ReasonTransportError = "transport_error"
	ReasonWriteError     = "write_error"
	ReasonShutdown       = "shutdown"
	ReasonDetectorFailed = "detector_failed"
)

// Sink receives every positive detection.
type Sink interface {
	RecordDetection(ctx context.Context, ev types.DetectionEvent) error
}

// SessionRecorder is implemented by sinks that also keep session summaries.
type SessionRecorder interface {
	RecordSession(ctx context.Context, s types.SessionSummary) error
}

// Options configures a Session.
type Options struct {
	FrameSize   int           // bytes per frame, chunk_size*2
	IdleTimeout time.Duration // read deadline; zero blocks forever
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Sinks       []Sink
}

type frameSource interface {
	ReadFrame() ([]byte, error)
}

// Session owns one accepted connection.
type Session struct {
	ID string

	conn   net.Conn
	reader frameSource
	det    detector.Detector
	board  *scoreboard.Board
	policy policy.Policy
	opts   Options
	log    *slog.Logger
	state  atomic.Int32

	mu      sync.Mutex
	summary types.SessionSummary
}

// New wraps conn. The detector and board are shared with other sessions and
// are never closed here.
func New(conn net.Conn, det detector.Detector, board *scoreboard.Board, pol policy.Policy, opts Options) (*Session, error) {
	reader, err := protocol.NewFrameReader(conn, opts.FrameSize, opts.IdleTimeout)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		remote = addr.String()
	}

	s := &Session{
		ID:     id,
		conn:   conn,
		reader: reader,
		det:    det,
		board:  board,
		policy: pol,
		opts:   opts,
		log:    opts.Logger.With("session_id", id),
		summary: types.SessionSummary{
			ID:     id,
			Remote: remote,
		},
	}
	s.state.Store(int32(AwaitingConnection))
	return s, nil
}

// State returns the current state. Safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Summary returns a snapshot of the session counters.
func (s *Session) Summary() types.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Run streams until the peer disconnects, the transport fails, the detector
// breaks, or ctx is cancelled. Cancellation is only observed between frames
// and at idle timeouts; a frame already read is always answered. Peer
// disconnect and shutdown return nil.
func (s *Session) Run(ctx context.Context) (err error) {
	s.state.Store(int32(Streaming))
	s.mu.Lock()
	s.summary.StartedAt = time.Now()
	s.mu.Unlock()
	s.opts.Metrics.RecordSessionStart()
	s.log.Info("session started", "remote", s.summary.Remote, "frame_bytes", s.opts.FrameSize)

	reason := ReasonPeerClosed
	defer func() { s.close(ctx, reason, err) }()

	var index int64
	for {
		if ctx.Err() != nil {
			reason = ReasonShutdown
			return nil
		}

		frame, err := s.reader.ReadFrame()
		switch {
		case errors.Is(err, protocol.ErrTimeout):
			s.count(func(sum *types.SessionSummary) { sum.Timeouts++ })
			s.opts.Metrics.RecordTimeout()
			continue
		case errors.Is(err, protocol.ErrConnectionClosed):
			return nil
		case err != nil:
			reason = ReasonTransportError
			return err
		}

		if len(frame) != s.opts.FrameSize {
			s.count(func(sum *types.SessionSummary) { sum.Malformed++ })
			s.opts.Metrics.RecordFrame("malformed")
			s.log.Warn("skipping frame", "error", protocol.ErrMalformedFrame, "bytes", len(frame), "want", s.opts.FrameSize)
			continue
		}

		verdict, fatal := s.process(ctx, index, frame)
		index++

		if _, err := s.conn.Write(protocol.Encode(verdict)); err != nil {
			reason = ReasonWriteError
			return fmt.Errorf("write reply: %w", err)
		}
		if fatal != nil {
			reason = ReasonDetectorFailed
			return fatal
		}
	}
}

// process turns one frame into a verdict. Failures after the frame was read
// degrade to NotDetected so every frame still gets exactly one reply. The
// error is set only when the detector can no longer serve any frame.
func (s *Session) process(ctx context.Context, index int64, frame []byte) (types.Verdict, error) {
	s.count(func(sum *types.SessionSummary) { sum.Frames++ })
	s.opts.Metrics.RecordFrame("processed")

	samples, err := utils.DecodePCM16(frame)
	if err != nil {
		s.log.Warn("undecodable frame", "frame", index, "error", err)
		return types.NotDetected, nil
	}

	start := time.Now()
	pred, err := s.det.Predict(ctx, samples)
	if err != nil {
		s.opts.Metrics.RecordError("detector")
		s.log.Error("detector failed, replying not detected", "frame", index, "error", err)
		if errors.Is(err, detector.ErrWorkerBroken) {
			return types.NotDetected, err
		}
		return types.NotDetected, nil
	}
	latest := pred.Latest()
	s.opts.Metrics.RecordPrediction(time.Since(start), latest)

	// Every model must score this frame; the board would otherwise answer
	// with a score left over from an earlier one.
	if missing := pred.Missing(s.board.Models()); len(missing) > 0 {
		err := fmt.Errorf("models %v: %w", missing, scoreboard.ErrNoScoreYet)
		s.opts.Metrics.RecordError("no_score")
		s.log.Error("cannot decide frame", "frame", index, "error", err)
		return types.NotDetected, nil
	}
	for _, m := range pred {
		if score, ok := latest[m.Model]; ok {
			s.board.Update(m.Model, score)
		}
	}

	verdict, err := s.policy.Evaluate(s.board)
	if err != nil {
		s.opts.Metrics.RecordError("no_score")
		s.log.Error("cannot decide frame", "frame", index, "error", err)
		return types.NotDetected, nil
	}

	if !verdict.Detected {
		if s.log.Enabled(ctx, slog.LevelDebug) {
			s.log.Debug("frame scored", "frame", index, "scores", latest)
		}
		return verdict, nil
	}

	s.count(func(sum *types.SessionSummary) { sum.Detections++ })
	s.opts.Metrics.RecordDetection(verdict.Model)
	s.log.Info("wake word detected", "frame", index, "model", verdict.Model, "score", verdict.Score)

	ev := types.DetectionEvent{
		SessionID:  s.ID,
		FrameIndex: index,
		Model:      verdict.Model,
		Score:      verdict.Score,
		Threshold:  s.policy.Threshold,
		DetectedAt: time.Now(),
	}
	for _, sink := range s.opts.Sinks {
		if err := sink.RecordDetection(ctx, ev); err != nil {
			s.opts.Metrics.RecordError("sink")
			s.log.Warn("detection sink failed", "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
	return verdict, nil
}

func (s *Session) count(f func(*types.SessionSummary)) {
	s.mu.Lock()
	f(&s.summary)
	s.mu.Unlock()
}

func (s *Session) close(ctx context.Context, reason string, runErr error) {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("closing connection", "error", err)
	}
	s.state.Store(int32(Closed))

	s.mu.Lock()
	s.summary.EndedAt = time.Now()
	s.summary.Reason = reason
	sum := s.summary
	s.mu.Unlock()

	s.opts.Metrics.RecordSessionEnd(reason, sum.EndedAt.Sub(sum.StartedAt))

	attrs := []any{
		"reason", reason,
		"frames", sum.Frames,
		"detections", sum.Detections,
		"timeouts", sum.Timeouts,
		"malformed", sum.Malformed,
		"duration", sum.EndedAt.Sub(sum.StartedAt).Round(time.Millisecond),
	}
	if runErr != nil {
		s.log.Warn("session closed", append(attrs, "error", runErr)...)
	} else {
		s.log.Info("session closed", attrs...)
	}

	// The summary is written even when shutdown cancelled ctx.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, sink := range s.opts.Sinks {
		if rec, ok := sink.(SessionRecorder); ok {
			if err := rec.RecordSession(recordCtx, sum); err != nil {
				s.log.Warn("session summary not recorded", "error", err)
			}
		}
	}
}
