package download

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/FlashAgent/internal/task"
)

// TestHelperProcess is re-executed as a fake QSaharaServer / fh_loader.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	tool, rest := args[0], args[1:]
	fmt.Printf("ARGS: %s\n", strings.Join(rest, " "))

	exitCode := 0
	switch {
	case strings.HasPrefix(tool, "QSaharaServer"):
		fmt.Println("Sahara protocol completed")
		exitCode, _ = strconv.Atoi(os.Getenv("HELPER_SAHARA_EXIT"))
	case strings.HasPrefix(tool, "fh_loader"):
		fmt.Print("12:34:55: INFO: Sending <program>\n")
		fmt.Print("12:34:56: INFO: {percent files transferred 45.50%}\r")
		fmt.Print("12:34:57: INFO: {percent files transferred 100.00%}\n")
		fmt.Fprintln(os.Stderr, "12:34:58: INFO: All Finished Successfully")
		exitCode, _ = strconv.Atoi(os.Getenv("HELPER_FH_EXIT"))
	}
	os.Exit(exitCode)
}

type commandLog struct {
	mu    sync.Mutex
	tools []string
}

func (l *commandLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tools...)
}

func helperCommand(calls *commandLog, env ...string) commandFunc {
	return func(name string, args ...string) *exec.Cmd {
		calls.mu.Lock()
		calls.tools = append(calls.tools, filepath.Base(name))
		calls.mu.Unlock()

		cs := append([]string{"-test.run=TestHelperProcess", "--", filepath.Base(name)}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"), env...)
		return cmd
	}
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []task.Update
}

func (r *updateRecorder) listen(u task.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *updateRecorder) snapshot() []task.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.Update(nil), r.updates...)
}

func newTestJob(t *testing.T, opts Options, calls *commandLog, env ...string) (*Job, *updateRecorder) {
	t.Helper()
	if opts.Port == "" {
		opts.Port = "ttyUSB0"
	}
	if opts.TraceDir == "" {
		opts.TraceDir = filepath.Join(t.TempDir(), "port_trace")
	}
	opts.Tools = Tools{
		Sahara:                   "QSaharaServer",
		FhLoader:                 "fh_loader",
		PortPrefix:               "/dev/",
		SignedDigestsCandidates:  []string{"DigestsSigned.bin.mbn"},
		ChainedDigestsCandidates: []string{"ChainedTableOfDigests.bin"},
	}
	job := New(opts)
	job.command = helperCommand(calls, env...)
	job.now = func() time.Time { return time.Date(2024, 3, 1, 9, 8, 7, 654000000, time.UTC) }
	rec := &updateRecorder{}
	job.SetListener(rec.listen)
	return job, rec
}

func runJob(t *testing.T, job *Job) {
	t.Helper()
	job.Start()
	done := make(chan struct{})
	go func() {
		job.WaitFinished()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("job did not finish")
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Split(scanConsoleLines)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func findArgsLine(lines []string) string {
	for _, line := range lines {
		if strings.HasPrefix(line, "ARGS: ") {
			return line
		}
	}
	return ""
}

func TestJobSuccessWithoutVIP(t *testing.T) {
	imageDir := t.TempDir()
	writeFiles(t, imageDir, "rawprogram0.xml", "rawprogram1.xml", "patch0.xml",
		"DigestsSigned.bin.mbn", "ChainedTableOfDigests.bin", "prog_firehose_ddr.elf")

	calls := &commandLog{}
	job, _ := newTestJob(t, Options{ImageDir: imageDir, VIP: VIPOff}, calls)
	runJob(t, job)

	if job.State() != task.StateSuccess {
		t.Fatalf("expected success, got %s (%s)", job.State(), job.Last().Message)
	}
	if got := calls.names(); len(got) != 2 || got[0] != "QSaharaServer" || got[1] != "fh_loader" {
		t.Fatalf("unexpected subprocess order: %v", got)
	}

	trace := job.Last().Message
	if want := "20240301090807654_ttyUSB0_fh_loader.log"; filepath.Base(trace) != want {
		t.Fatalf("trace = %s, want base %s", trace, want)
	}
	if !filepath.IsAbs(trace) {
		t.Fatalf("trace path should be absolute: %s", trace)
	}

	lines := readLines(t, trace)
	if !strings.HasPrefix(lines[0], "cmd: fh_loader --port=/dev/ttyUSB0") {
		t.Fatalf("missing command header: %q", lines[0])
	}
	args := findArgsLine(lines)
	if !strings.Contains(args, "--sendxml=rawprogram0.xml,rawprogram1.xml,patch0.xml ") {
		t.Fatalf("unexpected send list: %s", args)
	}
	if strings.Contains(args, "--signeddigests") || strings.Contains(args, "--chaineddigests") {
		t.Fatalf("digest flags must not be passed with VIP off: %s", args)
	}
	if strings.Contains(args, "--power=reset,1") {
		t.Fatalf("reset requested without reboot-on-success: %s", args)
	}

	saharaLines := readLines(t, filepath.Join(filepath.Dir(trace), "20240301090807654_ttyUSB0_sahara.log"))
	if got := findArgsLine(saharaLines); got != "ARGS: -p /dev/ttyUSB0 -s 13:prog_firehose_ddr.elf -b "+withTrailingSeparator(imageDir) {
		t.Fatalf("unexpected sahara args: %q", got)
	}
}

func TestJobReportsProgress(t *testing.T) {
	imageDir := t.TempDir()
	writeFiles(t, imageDir, "rawprogram0.xml")

	calls := &commandLog{}
	job, rec := newTestJob(t, Options{ImageDir: imageDir, VIP: VIPOff}, calls)
	runJob(t, job)

	var progress []task.Update
	for _, u := range rec.snapshot() {
		if u.State == task.StateRunning && u.Max == ProgressMax {
			progress = append(progress, u)
		}
	}
	if len(progress) != 2 {
		t.Fatalf("expected 2 progress updates, got %+v", progress)
	}
	if progress[0].Current != 4550 || progress[1].Current != 10000 {
		t.Fatalf("unexpected progress values: %+v", progress)
	}
	updates := rec.snapshot()
	if first := updates[0]; first.State != task.StateRunning || first.Max != 0 {
		t.Fatalf("first update should be the bare running transition: %+v", first)
	}
	if last := updates[len(updates)-1]; last.State != task.StateSuccess {
		t.Fatalf("last update should be success: %+v", last)
	}
}

func TestJobWithVIPAndReboot(t *testing.T) {
	imageDir := t.TempDir()
	writeFiles(t, imageDir, "rawprogram0.xml", "patch0.xml", "erase0.xml",
		"DigestsSigned.bin.mbn", "ChainedTableOfDigests.bin")

	calls := &commandLog{}
	job, _ := newTestJob(t, Options{ImageDir: imageDir, VIP: VIPOn, RebootOnSuccess: true}, calls)
	runJob(t, job)

	if job.State() != task.StateSuccess {
		t.Fatalf("expected success, got %s (%s)", job.State(), job.Last().Message)
	}
	args := findArgsLine(readLines(t, job.Last().Message))
	for _, want := range []string{
		"--sendxml=rawprogram0.xml,patch0.xml ",
		"--signeddigests=DigestsSigned.bin.mbn",
		"--chaineddigests=ChainedTableOfDigests.bin",
		"--power=reset,1",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("missing %q in %s", want, args)
		}
	}
}

func TestJobVIPMissingArtifactFailsBeforeSpawn(t *testing.T) {
	imageDir := t.TempDir()
	writeFiles(t, imageDir, "rawprogram0.xml", "patch0.xml")

	calls := &commandLog{}
	job, _ := newTestJob(t, Options{ImageDir: imageDir, VIP: VIPOn}, calls)
	runJob(t, job)

	if job.State() != task.StateError {
		t.Fatalf("expected error, got %s", job.State())
	}
	if msg := job.Last().Message; !strings.Contains(msg, "signeddigests") {
		t.Fatalf("message should name the missing artifact: %q", msg)
	}
	if got := calls.names(); len(got) != 0 {
		t.Fatalf("no subprocess may be spawned, got %v", got)
	}
}

func TestJobSaharaFailureSkipsFlashing(t *testing.T) {
	imageDir := t.TempDir()
	writeFiles(t, imageDir, "rawprogram0.xml")

	calls := &commandLog{}
	job, _ := newTestJob(t, Options{ImageDir: imageDir, VIP: VIPOff}, calls, "HELPER_SAHARA_EXIT=3")
	runJob(t, job)

	if job.State() != task.StateError {
		t.Fatalf("expected error, got %s", job.State())
	}
	if msg := job.Last().Message; !strings.Contains(msg, "sahara failed") {
		t.Fatalf("unexpected message %q", msg)
	}
	if got := calls.names(); len(got) != 1 || got[0] != "QSaharaServer" {
		t.Fatalf("fh_loader must not run after sahara failure: %v", got)
	}
}

func TestJobFhLoaderFailure(t *testing.T) {
	imageDir := t.TempDir()
	writeFiles(t, imageDir, "rawprogram0.xml")

	calls := &commandLog{}
	job, _ := newTestJob(t, Options{ImageDir: imageDir, VIP: VIPOff}, calls, "HELPER_FH_EXIT=1")
	runJob(t, job)

	if job.State() != task.StateError {
		t.Fatalf("expected error, got %s", job.State())
	}
	if msg := job.Last().Message; !strings.Contains(msg, "fh_loader failed") || !strings.Contains(msg, "fh_loader.log") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestParseProgress(t *testing.T) {
	cases := map[string]int64{
		"12:34:56: INFO: {percent files transferred 45.50%}":    4550,
		"  00:00:01: DEBUG: {percent files transferred 0.29%}  ": 29,
		"23:59:59: INFO: {percent files transferred 100.00%}":   10000,
	}
	for line, want := range cases {
		got, ok := ParseProgress(line)
		if !ok || got != want {
			t.Fatalf("ParseProgress(%q) = %d, %v; want %d", line, got, ok, want)
		}
	}
	for _, line := range []string{
		"12:34:56: INFO: Sending <program>",
		"{percent files transferred 45.50%}",
		"12:34:56: INFO: {percent files transferred 45%}",
	} {
		if _, ok := ParseProgress(line); ok {
			t.Fatalf("line %q should not match", line)
		}
	}
}
