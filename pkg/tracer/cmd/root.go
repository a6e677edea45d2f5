package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alibaba/tcpretrans/pkg/tracer"
	"github.com/alibaba/tcpretrans/pkg/tracer/sink"
)

// rootCmd runs the tracer in the foreground until a signal arrives.
var (
	rootCmd = &cobra.Command{
		Use:   "tcpretrans",
		Short: "trace TCP retransmissions with kernel dynamic probes",
		Long: `tcpretrans installs kprobes on tcp_retransmit_skb (and optionally
tcp_send_loss_probe), correlates each firing with the live socket table and
prints a timeline of retransmissions. It needs root and a mounted debugfs.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
		},
		RunE: runTrace,
	}

	debug       bool
	traceTLP    bool
	traceStacks bool
	configPath  string
	metricsAddr string
	outputFile  string
	interval    time.Duration
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug log information")

	rootCmd.Flags().BoolVarP(&traceTLP, "tlp", "l", false, "Also trace tail loss probes (tcp_send_loss_probe)")
	rootCmd.Flags().BoolVarP(&traceStacks, "stacks", "s", false, "Print kernel stack traces for each event")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Optional config file")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose prometheus metrics on this address, e.g. :9102")
	rootCmd.Flags().StringVar(&outputFile, "output-file", "", "Also append events as JSON lines to this file")
	rootCmd.Flags().DurationVar(&interval, "interval", tracer.DefaultInterval, "Trace buffer poll interval")
}

func runTrace(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sinks, err := sink.CreateSinks(outputFile)
	if err != nil {
		return err
	}

	t, err := tracer.New(cfg, sinks...)
	if err != nil {
		return err
	}
	if err := t.Start(); err != nil {
		return err
	}
	defer t.Close()

	if metricsAddr != "" {
		startMetricsServer(metricsAddr, t.Stats())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Warnf("received signal %s, stopping", sig.String())
		cancel()
	}()

	log.Debugf("tracing with interval %s, tlp=%v, stacks=%v", cfg.Interval, cfg.TraceTLP, cfg.TraceStacks)
	return t.Run(ctx)
}
