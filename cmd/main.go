package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flashagent "github.com/httprunner/FlashAgent"
	"github.com/httprunner/FlashAgent/internal/agent/device"
	"github.com/httprunner/FlashAgent/internal/download"
	"github.com/httprunner/FlashAgent/internal/env"
	"github.com/httprunner/FlashAgent/internal/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

type rootOptions struct {
	imageDir         string
	traceDir         string
	rebootOnSuccess  bool
	maxDownloadCount int
	prog             string
	vip              string
	signedDigests    string
	chainedDigests   string
	disableZeroOut   bool
	disableErase     bool

	toolDir      string
	pollInterval time.Duration
	metricsAddr  string
	logLevel     string
	logFile      string
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flashagent",
		Short: "Flash every Qualcomm device that enters 9008 mode",
		Long: `flashagent 持续监听处于 9008 (EDL) 模式的设备，为每个接入的设备启动一次
QSaharaServer + fh_loader 下载；Ctrl+C 后等待所有下载结束再退出。`,
		Example: `  flashagent -vip on -reboot-on-success -trace-dir my_port_trace -image-dir vip_image
  flashagent -v on -r -t my_port_trace -i vip_image -n 4`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(opts.logLevel, opts.logFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts.metricsAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.imageDir, "image-dir", "i", "", "image dir (default current working directory)")
	flags.StringVarP(&opts.traceDir, "trace-dir", "t", flashagent.DefaultTraceDir, "dir to save port_trace")
	flags.BoolVarP(&opts.rebootOnSuccess, "reboot-on-success", "r", false, "reboot device when download success")
	flags.IntVarP(&opts.maxDownloadCount, "max-download-count", "n", 0, "auto stop after n devices started downloading")
	flags.StringVarP(&opts.prog, "prog", "p", download.DefaultProg, "prog file name")
	flags.StringVarP(&opts.vip, "vip", "v", "", "force vip download on or off (auto detect if not set)")
	flags.Lookup("vip").NoOptDefVal = "on"
	flags.StringVar(&opts.signedDigests, "signeddigests", "", "file name of signed digests, alias -sd (auto search if not set)")
	flags.StringVar(&opts.chainedDigests, "chaineddigests", "", "file name of chained digests, alias -cd (auto search if not set)")
	flags.BoolVar(&opts.disableZeroOut, "disable-zeroout", false, "do not send zeroout descriptors in non-vip mode, alias -dz")
	flags.BoolVar(&opts.disableErase, "disable-erase", false, "do not send erase descriptors in non-vip mode, alias -de")

	flags.StringVar(&opts.toolDir, "tool-dir", "", "dir of QSaharaServer/fh_loader, overrides $"+env.ToolDir)
	flags.DurationVar(&opts.pollInterval, "poll-interval", 0, "device enumeration interval, overrides $"+env.PollInterval)
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, overrides $"+env.MetricsAddr)
	flags.StringVar(&opts.logLevel, "log-level", "", "log level, overrides $"+env.LogLevel+" (default info)")
	flags.StringVar(&opts.logFile, "log-file", "", "also write json logs to this rotated file, overrides $"+env.LogFile)
	return cmd
}

func (o *rootOptions) config() (flashagent.Config, error) {
	vip, err := download.ParseVIPMode(o.vip)
	if err != nil {
		return flashagent.Config{}, err
	}
	imageDir := o.imageDir
	if imageDir == "" {
		if imageDir, err = os.Getwd(); err != nil {
			return flashagent.Config{}, errors.Wrap(err, "get working dir")
		}
	}
	toolDir := firstNonEmpty(o.toolDir, env.String(env.ToolDir, ""), defaultToolDir())
	poll := o.pollInterval
	if poll <= 0 {
		poll = env.Duration(env.PollInterval, device.DefaultPollInterval)
	}
	if o.maxDownloadCount < 0 {
		return flashagent.Config{}, errors.Errorf("invalid max download count %d", o.maxDownloadCount)
	}
	o.metricsAddr = firstNonEmpty(o.metricsAddr, env.String(env.MetricsAddr, ""))

	return flashagent.Config{
		ImageDir:         imageDir,
		TraceDir:         firstNonEmpty(o.traceDir, flashagent.DefaultTraceDir),
		RebootOnSuccess:  o.rebootOnSuccess,
		MaxDownloadCount: o.maxDownloadCount,
		Prog:             firstNonEmpty(o.prog, download.DefaultProg),
		VIP:              vip,
		SignedDigests:    o.signedDigests,
		ChainedDigests:   o.chainedDigests,
		DisableZeroOut:   o.disableZeroOut,
		DisableErase:     o.disableErase,
		Tools:            download.DefaultTools(toolDir),
		PollInterval:     poll,
	}, nil
}

func defaultToolDir() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("misc", "vip_download_tool")
	}
	return filepath.Join(filepath.Dir(exe), "misc", "vip_download_tool")
}

func setupLogger(level, file string) error {
	lvl, err := zerolog.ParseLevel(firstNonEmpty(level, env.String(env.LogLevel, ""), "info"))
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	if path := firstNonEmpty(file, env.String(env.LogFile, "")); path != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func run(ctx context.Context, cfg flashagent.Config, metricsAddr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	agent := flashagent.New(cfg, flashagent.NewLogWatcher())
	return agent.Run(sigCtx)
}

func serveMetrics(addr string) *http.Server {
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("serve metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	_ = env.Ensure()

	cmd := newRootCmd(&rootOptions{})
	cmd.SetArgs(normalizeArgs(os.Args[1:]))
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("flashagent command failed")
	}
}
