package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alibaba/tcpretrans/pkg/tracer"
	"github.com/alibaba/tcpretrans/pkg/tracer/kprobe"
	"github.com/alibaba/tcpretrans/pkg/tracer/lock"
	"github.com/alibaba/tcpretrans/pkg/tracer/socktable"
)

// loadConfig merges defaults, an optional config file and TCPRETRANS_*
// environment variables into the tracer config. Flags win over the file.
func loadConfig(cmd *cobra.Command) (tracer.Config, error) {
	v := viper.New()
	v.SetDefault("tracingRoot", kprobe.DefaultRoot)
	v.SetDefault("socketTable", socktable.DefaultPath)
	v.SetDefault("lockFile", lock.DefaultPath)
	v.SetDefault("captureExpr", kprobe.DefaultCapture)
	v.SetDefault("interval", tracer.DefaultInterval)
	v.SetEnvPrefix("TCPRETRANS")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return tracer.Config{}, errors.Wrapf(err, "read config %s", configPath)
		}
	}

	var cfg tracer.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return tracer.Config{}, errors.Wrap(err, "unmarshal config")
	}

	cfg.TraceTLP = traceTLP
	cfg.TraceStacks = traceStacks
	if cmd.Flags().Changed("interval") {
		cfg.Interval = interval
	}
	return cfg, nil
}
