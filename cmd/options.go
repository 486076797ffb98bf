package cmd

import (
	"time"

	"github.com/andresmejia3/wakewire/internal/detector"
	"github.com/andresmejia3/wakewire/internal/listener"
	"github.com/andresmejia3/wakewire/internal/policy"
	"github.com/andresmejia3/wakewire/internal/scoreboard"
	"github.com/andresmejia3/wakewire/internal/utils"
	"github.com/spf13/pflag"
)

// Options holds shared configuration for serve, stream and score commands
type Options struct {
	ChunkSize          int
	ModelPaths         []string
	InferenceFramework string
	SocketPath         string
	UseIPSocket        bool
	IPPort             int
	DetectionThreshold float64
	Selector           string
	Filter             string
	IdleTimeout        time.Duration
	ScoreHistory       int
	Python             string
	WorkerScript       string
	WorkerTimeout      time.Duration
	MQTTBroker         string
	MQTTTopic          string
	MetricsAddr        string
	Realtime           bool
}

// frameBytes is the wire size of one chunk of 16-bit samples.
func (o Options) frameBytes() int { return o.ChunkSize * utils.BytesPerSample }

func (o Options) listenerConfig() listener.Config {
	return listener.Config{SocketPath: o.SocketPath, UseTCP: o.UseIPSocket, Port: o.IPPort}
}

func (o Options) detectorConfig() detector.Config {
	return detector.Config{
		Python:             o.Python,
		Script:             o.WorkerScript,
		ModelPaths:         o.ModelPaths,
		InferenceFramework: o.InferenceFramework,
		ChunkSize:          o.ChunkSize,
		ReadTimeout:        o.WorkerTimeout,
	}
}

func (o Options) policy() (policy.Policy, error) {
	sel, err := policy.ParseSelector(o.Selector)
	if err != nil {
		return policy.Policy{}, err
	}
	p := policy.Policy{Threshold: o.DetectionThreshold, Selector: sel, Filter: o.Filter}
	return p, p.Validate()
}

func addChunkFlag(fs *pflag.FlagSet, o *Options) {
	fs.IntVarP(&o.ChunkSize, "chunk-size", "c", 1280, "Samples per frame (16-bit mono, 16 kHz)")
}

func addTransportFlags(fs *pflag.FlagSet, o *Options) {
	fs.StringVar(&o.SocketPath, "socket-path", listener.DefaultSocketPath, "Unix socket path (a leading @ selects the abstract namespace)")
	fs.BoolVar(&o.UseIPSocket, "use-ip-socket", false, "Use TCP instead of a unix socket")
	fs.IntVarP(&o.IPPort, "ip-port", "p", 5000, "TCP port when --use-ip-socket is set")
}

func addDetectorFlags(fs *pflag.FlagSet, o *Options) {
	fs.StringSliceVarP(&o.ModelPaths, "model-path", "m", nil, "Wake word model files, comma separated (default: bundled models)")
	fs.StringVar(&o.InferenceFramework, "inference-framework", "onnx", "Inference framework: onnx or tflite")
	fs.StringVar(&o.Python, "python", detector.DefaultPython, "Python interpreter for the detector worker")
	fs.StringVar(&o.WorkerScript, "worker-script", detector.DefaultScript, "Detector worker script")
	fs.DurationVar(&o.WorkerTimeout, "worker-timeout", 30*time.Second, "Maximum time for one prediction")
}

func addPolicyFlags(fs *pflag.FlagSet, o *Options) {
	fs.Float64VarP(&o.DetectionThreshold, "detection-threshold", "t", 0.5, "Score at or above which a wake word is detected")
	fs.StringVar(&o.Selector, "selector", string(policy.AnyModel), "Model selector: any-model or filtered-model")
	fs.StringVar(&o.Filter, "filter", "", "Case-insensitive substring a model name must contain (filtered-model)")
	fs.IntVar(&o.ScoreHistory, "score-history", scoreboard.DefaultCapacity, "Scores kept per model")
}
