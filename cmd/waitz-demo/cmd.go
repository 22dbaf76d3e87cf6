package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zoobzio/waitz"
)

// Demo keys. Engine keys are the ones waitz.LoadConfig reads.
const (
	keyConfig       = "config"
	keyOTLPEndpoint = "otlp_endpoint"
	keyMetricsAddr  = "metrics_addr"
	keyDuration     = "duration"
	keyWorkers      = "workers"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "waitz-demo",
		Short:        "Show goroutine waits as trace spans",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(viper.New()))
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a contended workload and report its wait spans",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindConfig(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadOptions(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	d := waitz.DefaultConfig()
	f := cmd.Flags()
	f.String(flagName(keyConfig), "", "optional config file (yaml, json or toml)")
	f.String(flagName(keyOTLPEndpoint), "", "OTLP/HTTP traces endpoint URL; spans stay in memory when empty")
	f.String(flagName(keyMetricsAddr), "", "serve Prometheus metrics on this address, e.g. :9464")
	f.Duration(flagName(keyDuration), 2*time.Second, "how long to run the workload")
	f.Int(flagName(keyWorkers), 8, "number of workload goroutines")

	f.Int(flagName(waitz.KeyRingBufferCapacity), d.RingBufferCapacity, "per-worker ring buffer capacity (power of two)")
	f.Duration(flagName(waitz.KeyMinSpanDuration), d.MinSpanDuration, "suppress waits shorter than this")
	f.Int(flagName(waitz.KeyConsumerCount), d.ConsumerCount, "number of consumer workers")
	f.String(flagName(waitz.KeyIdleWaitStrategy), string(d.IdleWaitStrategy), "idle wait strategy: spin or block")
	f.String(flagName(waitz.KeyOrphanPolicy), string(d.OrphanPolicy), "waits without a trace context: suppress or root")
	f.Bool(flagName(waitz.KeyRequireSampled), d.RequireSampled, "drop waits under unsampled parents")
	f.Bool(flagName(waitz.KeyCaptureStacks), d.CaptureStacks, "name spans after the waiting function")
	f.StringSlice(flagName(waitz.KeyIgnoreFrames), nil, "extra function name patterns to skip when naming spans")
	return cmd
}

// flagName maps a viper key to its command line spelling.
func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// bindConfig layers flags over WAITZ_ environment variables over the
// optional config file.
func bindConfig(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix("waitz")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var result *multierror.Error
	for _, key := range []string{
		keyConfig, keyOTLPEndpoint, keyMetricsAddr, keyDuration, keyWorkers,
		waitz.KeyRingBufferCapacity, waitz.KeyMinSpanDuration, waitz.KeyConsumerCount,
		waitz.KeyIdleWaitStrategy, waitz.KeyOrphanPolicy, waitz.KeyRequireSampled,
		waitz.KeyCaptureStacks, waitz.KeyIgnoreFrames,
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName(key))); err != nil {
			result = multierror.Append(result, fmt.Errorf("bind %s: %w", key, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	if file := v.GetString(keyConfig); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return nil
}

// options is everything run needs.
type options struct {
	engine       waitz.Config
	otlpEndpoint string
	metricsAddr  string
	duration     time.Duration
	workers      int
}

func loadOptions(v *viper.Viper) (options, error) {
	cfg, err := waitz.LoadConfig(v)
	if err != nil {
		return options{}, err
	}
	opts := options{
		engine:       cfg,
		otlpEndpoint: v.GetString(keyOTLPEndpoint),
		metricsAddr:  v.GetString(keyMetricsAddr),
		duration:     v.GetDuration(keyDuration),
		workers:      v.GetInt(keyWorkers),
	}
	if opts.duration <= 0 {
		return options{}, fmt.Errorf("duration must be > 0, got %s", opts.duration)
	}
	if opts.workers <= 0 {
		return options{}, fmt.Errorf("workers must be > 0, got %d", opts.workers)
	}
	return opts, nil
}
