package download

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/FlashAgent/internal/task"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultProg is the bootloader image handed to the Sahara step.
const DefaultProg = "prog_firehose_ddr.elf"

// Options configures one download job.
type Options struct {
	Port     string
	ImageDir string
	TraceDir string
	Prog     string

	VIP            VIPMode
	SignedDigests  string
	ChainedDigests string

	RebootOnSuccess bool
	DisableZeroOut  bool
	DisableErase    bool

	Tools Tools
}

type commandFunc func(name string, args ...string) *exec.Cmd

// Job flashes one device: a Sahara bootloader handoff followed by Firehose
// image transfer. Progress and the outcome are reported through the embedded
// task; failures never escape as errors.
type Job struct {
	*task.Task

	ID   string
	opts Options

	command commandFunc
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates an idle job for opts.Port.
func New(opts Options) *Job {
	if opts.Prog == "" {
		opts.Prog = DefaultProg
	}
	j := &Job{
		ID:      uuid.NewString(),
		opts:    opts,
		command: exec.Command,
		now:     time.Now,
	}
	j.logger = log.With().Str("port", opts.Port).Str("job_id", j.ID).Logger()
	j.Task = task.New(j.run)
	return j
}

// Port returns the device identity this job is bound to.
func (j *Job) Port() string {
	return j.opts.Port
}

type plan struct {
	vip          VIP
	sendXML      string
	saharaTrace  string
	fhLoaderLog  string
	portTrace    string
	imageDirArg  string
	portArgument string
}

func (j *Job) run(t *task.Task) {
	t.SetState(task.StateRunning, 0, 0, "")
	j.logger.Info().Msg("download job started")

	p, err := j.prepare()
	if err != nil {
		j.fail(t, err)
		return
	}

	if err := j.runSahara(p); err != nil {
		j.fail(t, err)
		return
	}
	if err := j.runFhLoader(t, p); err != nil {
		j.fail(t, err)
		return
	}

	j.logger.Info().Str("trace", p.fhLoaderLog).Msg("download job succeeded")
	t.SetState(task.StateSuccess, 0, 0, p.fhLoaderLog)
}

func (j *Job) fail(t *task.Task, err error) {
	j.logger.Error().Err(err).Msg("download job failed")
	t.SetState(task.StateError, 0, 0, err.Error())
}

// prepare resolves every parameter of both steps so that a missing artifact
// is reported before any subprocess is spawned.
func (j *Job) prepare() (*plan, error) {
	o := j.opts
	if err := os.MkdirAll(o.TraceDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create trace dir %s", o.TraceDir)
	}
	traceDir, err := filepath.Abs(o.TraceDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve trace dir")
	}

	vip, err := ResolveVIP(o.ImageDir, o.VIP, o.SignedDigests, o.ChainedDigests, o.Tools)
	if err != nil {
		return nil, err
	}
	sendXML, err := SendXML(o.ImageDir, !vip.Enabled && !o.DisableErase, !vip.Enabled && !o.DisableZeroOut)
	if err != nil {
		return nil, err
	}

	stamp := strings.Replace(j.now().Format("20060102150405.000"), ".", "", 1)
	name := func(suffix string) string {
		return filepath.Join(traceDir, fmt.Sprintf("%s_%s_%s", stamp, o.Port, suffix))
	}
	return &plan{
		vip:          vip,
		sendXML:      sendXML,
		saharaTrace:  name("sahara.log"),
		fhLoaderLog:  name("fh_loader.log"),
		portTrace:    name("port_trace.txt"),
		imageDirArg:  withTrailingSeparator(o.ImageDir),
		portArgument: o.Tools.PortParam(o.Port),
	}, nil
}

func (j *Job) saharaArgs(p *plan) []string {
	return []string{
		"-p", p.portArgument,
		"-s", "13:" + j.opts.Prog,
		"-b", p.imageDirArg,
	}
}

func (j *Job) fhLoaderArgs(p *plan) []string {
	args := []string{
		"--port=" + p.portArgument,
		"--sendxml=" + p.sendXML,
		"--search_path=" + p.imageDirArg,
		"--showpercentagecomplete",
		"--memoryname=ufs",
		"--setactivepartition=1",
		"--zlpawarehost=" + j.opts.Tools.zlpAwareHostParam(),
		"--porttracename=" + p.portTrace,
	}
	if p.vip.Enabled {
		args = append(args,
			"--signeddigests="+p.vip.SignedDigests,
			"--chaineddigests="+p.vip.ChainedDigests,
		)
	}
	if j.opts.RebootOnSuccess {
		args = append(args, "--power=reset,1")
	}
	return args
}

func (j *Job) runSahara(p *plan) error {
	name := j.opts.Tools.Sahara
	args := j.saharaArgs(p)
	j.logger.Debug().Str("cmd", name).Strs("args", args).Msg("run sahara")

	out, runErr := j.command(name, args...).CombinedOutput()

	trace, err := os.Create(p.saharaTrace)
	if err != nil {
		return errors.Wrap(err, "create sahara trace")
	}
	defer trace.Close()
	if err := writeHeader(trace, name, args); err != nil {
		return errors.Wrap(err, "write sahara trace")
	}
	if _, err := io.Copy(trace, j.opts.Tools.decode(bytes.NewReader(out))); err != nil {
		return errors.Wrap(err, "write sahara trace")
	}

	if runErr != nil {
		return errors.Wrapf(runErr, "sahara failed (trace: %s)", p.saharaTrace)
	}
	return nil
}

func (j *Job) runFhLoader(t *task.Task, p *plan) error {
	name := j.opts.Tools.FhLoader
	args := j.fhLoaderArgs(p)
	j.logger.Debug().Str("cmd", name).Strs("args", args).Msg("run fh_loader")

	trace, err := os.Create(p.fhLoaderLog)
	if err != nil {
		return errors.Wrap(err, "create fh_loader trace")
	}
	defer trace.Close()
	if err := writeHeader(trace, name, args); err != nil {
		return errors.Wrap(err, "write fh_loader trace")
	}

	cmd := j.command(name, args...)
	// Dismiss "Press any key to exit" printed on failure.
	cmd.Stdin = strings.NewReader("\n")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "attach fh_loader output")
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start fh_loader")
	}

	console := io.TeeReader(j.opts.Tools.decode(stdout), trace)
	scanner := bufio.NewScanner(console)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanConsoleLines)
	for scanner.Scan() {
		if current, ok := ParseProgress(scanner.Text()); ok {
			t.SetState(task.StateRunning, current, ProgressMax, "")
		}
	}
	if err := scanner.Err(); err != nil {
		j.logger.Warn().Err(err).Msg("fh_loader output scan stopped, draining")
		_, _ = io.Copy(io.Discard, console)
	}

	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "fh_loader failed (trace: %s)", p.fhLoaderLog)
	}
	return nil
}

func writeHeader(w io.Writer, name string, args []string) error {
	_, err := fmt.Fprintf(w, "cmd: %s\n\n", strings.Join(append([]string{name}, args...), " "))
	return err
}
