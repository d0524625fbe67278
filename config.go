package flashagent

import (
	"time"

	"github.com/httprunner/FlashAgent/internal/agent/device"
	"github.com/httprunner/FlashAgent/internal/download"
	"github.com/httprunner/FlashAgent/internal/task"
)

// DefaultTraceDir is where trace files go when Config.TraceDir is empty.
const DefaultTraceDir = "port_trace"

// Config controls Agent behavior.
type Config struct {
	ImageDir string
	TraceDir string

	RebootOnSuccess bool
	// MaxDownloadCount stops the agent once that many jobs were started; 0 disables it.
	MaxDownloadCount int
	Prog             string

	VIP            download.VIPMode
	SignedDigests  string
	ChainedDigests string

	DisableZeroOut bool
	DisableErase   bool

	Tools        download.Tools
	PollInterval time.Duration
	// Provider enumerates devices in download mode. Defaults to the platform
	// backend from internal/providers/qdloader.
	Provider device.Provider
	// NewJob builds the job for one device; defaults to download.New.
	NewJob JobFactory
}

// Job is the per-device unit of work tracked by the agent.
type Job interface {
	Start()
	WaitFinished()
	SetListener(task.Listener)
}

// JobFactory creates an idle job from fully resolved options.
type JobFactory func(opts download.Options) Job

func newDownloadJob(opts download.Options) Job {
	return download.New(opts)
}

func (c Config) withDefaults() Config {
	if c.TraceDir == "" {
		c.TraceDir = DefaultTraceDir
	}
	if c.Prog == "" {
		c.Prog = download.DefaultProg
	}
	if c.PollInterval <= 0 {
		c.PollInterval = device.DefaultPollInterval
	}
	if c.MaxDownloadCount < 0 {
		c.MaxDownloadCount = 0
	}
	if c.NewJob == nil {
		c.NewJob = newDownloadJob
	}
	return c
}
