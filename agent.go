package flashagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/httprunner/FlashAgent/internal/agent/device"
	"github.com/httprunner/FlashAgent/internal/download"
	"github.com/httprunner/FlashAgent/internal/metrics"
	"github.com/httprunner/FlashAgent/internal/providers/qdloader"
	"github.com/httprunner/FlashAgent/internal/task"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrImageDirMissing = errors.New("image path not exists")
	ErrTraceDirInvalid = errors.New("cannot create trace dir")
	ErrAgentStopped    = errors.New("agent already stopped")
)

var usageBanner = []string{
	"Usage:",
	"    1. Switch device to 9008 mode and connect to PC with USB.",
	"    2. Download will auto start once device connected.",
	"    3. Connect more device for multi-downloading.",
	"    4. Ctrl + C to stop. flashagent will exit after all downloading finished.",
	"-------------------------------------------------------------------------",
}

// Agent maps every device in download mode to exactly one flashing job. New
// arrivals are accepted until Stop; Stop drains all jobs before it reports
// the agent stopped.
type Agent struct {
	cfg     Config
	watcher Watcher

	startMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	monitor  *device.Monitor
	cancel   context.CancelFunc
	vip      download.VIP
	imageDir string
	traceDir string
	jobs     map[string]Job
	count    int
	running  sync.WaitGroup
	stopping chan struct{}
	drained  chan struct{}
}

// New builds an idle agent. A nil watcher discards all notifications.
func New(cfg Config, watcher Watcher) *Agent {
	if watcher == nil {
		watcher = NopWatcher{}
	}
	return &Agent{
		cfg:      cfg.withDefaults(),
		watcher:  watcher,
		jobs:     make(map[string]Job),
		stopping: make(chan struct{}),
		drained:  make(chan struct{}),
	}
}

// Start validates the configuration, resolves VIP parameters and begins
// device monitoring. It returns immediately; configuration errors are
// reported to the watcher and returned before any job can start. Calling
// Start on a running agent is a no-op.
func (a *Agent) Start() error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	a.mu.Lock()
	started, stopped := a.started, a.stopped
	a.mu.Unlock()
	if stopped {
		return ErrAgentStopped
	}
	if started {
		return nil
	}

	for _, line := range usageBanner {
		a.warn(line)
	}

	imageDir, traceDir, err := a.resolveDirs()
	if err != nil {
		a.fail(err.Error())
		return err
	}
	a.info("Image Path: " + imageDir)
	a.info("Trace Dir: " + traceDir)

	vip, err := download.ResolveVIP(imageDir, a.cfg.VIP, a.cfg.SignedDigests, a.cfg.ChainedDigests, a.cfg.Tools)
	if err != nil {
		a.fail(err.Error() + "!!")
		return errors.Wrap(err, "resolve vip parameters")
	}
	if vip.Enabled {
		a.warn("VIP: ON")
	} else {
		a.info("VIP: OFF")
	}

	provider := a.cfg.Provider
	if provider == nil {
		if provider, err = qdloader.NewDefault(a.cfg.Tools.Dir); err != nil {
			a.fail(err.Error())
			return err
		}
	}

	monitor := device.NewMonitor(provider, a.cfg.PollInterval)
	monitor.OnArrival(a.onArrival)
	monitor.OnRemoval(a.onRemoval)

	a.mu.Lock()
	a.imageDir, a.traceDir, a.vip = imageDir, traceDir, vip
	a.monitor = monitor
	a.started = true
	a.mu.Unlock()

	log.Info().
		Str("image_dir", imageDir).
		Str("trace_dir", traceDir).
		Bool("vip", vip.Enabled).
		Int("max_download_count", a.cfg.MaxDownloadCount).
		Msg("start flashagent")
	a.watcher.OnStarted()
	a.info("Start downloading...")

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	if err := monitor.Start(ctx); err != nil {
		cancel()
		return errors.Wrap(err, "start device monitor")
	}
	return nil
}

func (a *Agent) resolveDirs() (string, string, error) {
	if info, err := os.Stat(a.cfg.ImageDir); err != nil || !info.IsDir() {
		return "", "", errors.Wrapf(ErrImageDirMissing, "%s", a.cfg.ImageDir)
	}
	imageDir, err := filepath.Abs(a.cfg.ImageDir)
	if err != nil {
		return "", "", errors.Wrap(err, "resolve image dir")
	}
	if info, err := os.Stat(a.cfg.TraceDir); err == nil && !info.IsDir() {
		return "", "", errors.Wrapf(ErrTraceDirInvalid, "%s", a.cfg.TraceDir)
	}
	if err := os.MkdirAll(a.cfg.TraceDir, 0o755); err != nil {
		return "", "", errors.Wrapf(ErrTraceDirInvalid, "%s: %v", a.cfg.TraceDir, err)
	}
	traceDir, err := filepath.Abs(a.cfg.TraceDir)
	if err != nil {
		return "", "", errors.Wrap(err, "resolve trace dir")
	}
	return imageDir, traceDir, nil
}

// Stop stops accepting devices and blocks until every started job has
// finished, then notifies the watcher once. Every caller blocks until the
// drain completes. Stop on an agent that never started is a no-op.
func (a *Agent) Stop() {
	// let a concurrent Start finish wiring the monitor
	a.startMu.Lock()
	a.startMu.Unlock()

	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	if a.stopped {
		a.mu.Unlock()
		<-a.drained
		return
	}
	a.stopped = true
	close(a.stopping)
	monitor := a.monitor
	pending := len(a.jobs)
	a.mu.Unlock()

	monitor.Stop()
	a.info("Application will stop after all downloading finished!!")
	log.Info().Int("pending_jobs", pending).Msg("drain download jobs")

	a.running.Wait()

	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.watcher.OnStopped()
	close(a.drained)
}

// Run starts the agent and blocks until ctx is done or the download limit
// triggered a stop, then drains and waits for the monitor loop to exit.
func (a *Agent) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	if err := a.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		log.Info().Msg("stop requested")
	case <-a.stopping:
	}
	a.Stop()

	a.mu.Lock()
	monitor := a.monitor
	a.mu.Unlock()
	monitor.Wait()
	return nil
}

// Done is closed after the drain finished and the watcher saw OnStopped.
func (a *Agent) Done() <-chan struct{} {
	return a.drained
}

// ActiveJobs returns the device identities that currently hold a job.
func (a *Agent) ActiveJobs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.jobs))
	for port := range a.jobs {
		out = append(out, port)
	}
	sort.Strings(out)
	return out
}

// StartedCount returns how many jobs were started since the agent was created.
func (a *Agent) StartedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *Agent) jobOptions(port string) download.Options {
	vipMode := download.VIPOff
	if a.vip.Enabled {
		vipMode = download.VIPOn
	}
	return download.Options{
		Port:            port,
		ImageDir:        a.imageDir,
		TraceDir:        a.traceDir,
		Prog:            a.cfg.Prog,
		VIP:             vipMode,
		SignedDigests:   a.vip.SignedDigests,
		ChainedDigests:  a.vip.ChainedDigests,
		RebootOnSuccess: a.cfg.RebootOnSuccess,
		DisableZeroOut:  a.cfg.DisableZeroOut,
		DisableErase:    a.cfg.DisableErase,
		Tools:           a.cfg.Tools,
	}
}

func (a *Agent) onArrival(port string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		log.Debug().Str("port", port).Msg("agent stopping, ignore arrival")
		return
	}
	if _, exists := a.jobs[port]; exists {
		a.mu.Unlock()
		a.warn(fmt.Sprintf("[%s] arrived while already started downloading.", port))
		return
	}
	job := a.cfg.NewJob(a.jobOptions(port))
	a.jobs[port] = job
	a.count++
	count := a.count
	a.running.Add(1)
	a.mu.Unlock()

	metrics.JobsStarted.Inc()
	metrics.ActiveJobs.Inc()
	log.Info().Str("port", port).Int("started", count).Msg("start download job")

	a.watcher.OnStartProgress(port)
	job.SetListener(a.relay(port))
	job.Start()
	go func() {
		defer a.running.Done()
		job.WaitFinished()
	}()

	if max := a.cfg.MaxDownloadCount; max > 0 && count >= max {
		a.info(fmt.Sprintf("Auto stop due to max download count(%d) reached.", max))
		a.Stop()
	}
}

// onRemoval runs on the monitor goroutine and holds it until the departing
// device's job has finished, so no other edge is delivered meanwhile.
func (a *Agent) onRemoval(port string) {
	a.mu.Lock()
	job, exists := a.jobs[port]
	a.mu.Unlock()
	if !exists {
		a.warn(fmt.Sprintf("[%s] removed while not started downloading.", port))
		return
	}

	job.WaitFinished()

	a.mu.Lock()
	if a.jobs[port] == job {
		delete(a.jobs, port)
	}
	a.mu.Unlock()
	metrics.ActiveJobs.Dec()
	log.Info().Str("port", port).Msg("download job released")
}

// relay forwards job state to the watcher keyed by device identity. It runs
// on the job's goroutine.
func (a *Agent) relay(port string) task.Listener {
	return func(u task.Update) {
		switch u.State {
		case task.StateIdle, task.StateRunning:
			if u.Message != "" {
				a.fail(fmt.Sprintf("[%s] %s", port, u.Message))
			}
			a.watcher.OnUpdateProgress(port, u.Current, u.Max)
		case task.StateSuccess:
			metrics.JobResults.WithLabelValues("success").Inc()
			a.watcher.OnStopProgress(port, true, u.Message)
		case task.StateError:
			metrics.JobResults.WithLabelValues("error").Inc()
			a.watcher.OnStopProgress(port, false, u.Message)
		}
	}
}

func (a *Agent) info(text string) { a.watcher.OnMessage(text, SeverityInfo) }
func (a *Agent) warn(text string) { a.watcher.OnMessage(text, SeverityWarning) }
func (a *Agent) fail(text string) { a.watcher.OnMessage(text, SeverityError) }
