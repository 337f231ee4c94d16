// sentry-report captures a single message from the command line and
// delivers it, together with anything left in the pending store by
// earlier runs.
//
// Configuration is read from an optional YAML file (--config) whose
// "sentry" section mirrors the library Config, and from environment
// variables named after the keys (SENTRY_DSN, SENTRY_ENABLED,
// SENTRY_LOGGING_LEVEL). Flags override both.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	sentry "github.com/your-org/sentry-reporter"
)

const stopTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile string
	dsn        string
	message    string
	level      string
	storeDir   string
	offline    bool
	flush      bool
	crash      bool
}

func run(args []string) error {
	var opts options

	flagSet := pflag.NewFlagSet("sentry-report", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&opts.dsn, "dsn", "", "Sentry DSN, overrides the config file")
	flagSet.StringVarP(&opts.message, "message", "m", "", "message to capture")
	flagSet.StringVarP(&opts.level, "level", "l", "info", "level of the captured message")
	flagSet.StringVar(&opts.storeDir, "store-dir", "", "directory of the pending events file")
	flagSet.BoolVar(&opts.offline, "offline", false, "pretend the network is down; events go to the pending store")
	flagSet.BoolVar(&opts.flush, "flush", false, "resubmit pending events before exiting")
	flagSet.BoolVar(&opts.crash, "crash", false, "panic after capturing to exercise the fatal handler")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level, err := sentry.ParseLevel(opts.level)
	if err != nil {
		return err
	}

	cfg, err := newConfigurer(&opts)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.v.GetString(sentry.PluginName + ".logging.level"))
	if err != nil {
		return err
	}
	defer func() { _ = log.base.Sync() }()

	probe := sentry.NetworkProbeFunc(func() bool { return !opts.offline })
	plugin := sentry.NewPlugin(sentry.WithNetworkProbe(probe))

	if err := plugin.Init(cfg, log); err != nil {
		if errors.Is(errors.Disabled, err) {
			log.base.Info("Reporter is disabled, nothing to do")
			return nil
		}
		return err
	}

	if err := <-serve(plugin); err != nil {
		return err
	}

	client := plugin.Client()
	client.AddNavigationBreadcrumb("cli", "start", "capture")
	if opts.message != "" {
		client.CaptureMessage(opts.message, level)
	}
	if opts.flush {
		n := client.SendAllCachedCapturedEvents()
		log.base.Info("Resubmitted pending events", zap.Int("count", n))
	}
	if opts.crash {
		crash()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := plugin.Stop(ctx); err != nil {
		return err
	}

	m := client.GetMetrics()
	log.base.Info("Done",
		zap.Int64("captured", m.EventsCaptured),
		zap.Int64("sent", m.EventsSent),
		zap.Int64("failed", m.EventsFailed),
		zap.Int("pending", m.PendingLength))
	return nil
}

// serve returns a closed channel when Serve reported no startup error
func serve(plugin *sentry.Plugin) <-chan error {
	out := make(chan error, 1)
	select {
	case err := <-plugin.Serve():
		out <- err
	default:
		close(out)
	}
	return out
}

func crash() {
	defer sentry.Recover()
	panic("crash requested from the command line")
}

// configurer adapts viper to the plugin's Configurer
type configurer struct {
	v *viper.Viper
}

func newConfigurer(opts *options) (*configurer, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(sentry.PluginName+".enabled", true)
	v.SetDefault(sentry.PluginName+".dsn", "")
	v.SetDefault(sentry.PluginName+".logging.level", "info")

	if opts.configFile != "" {
		v.SetConfigFile(opts.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", opts.configFile, err)
		}
	}

	if opts.dsn != "" {
		v.Set(sentry.PluginName+".dsn", opts.dsn)
	}
	if opts.storeDir != "" {
		v.Set(sentry.PluginName+".storage.dir", opts.storeDir)
	}

	return &configurer{v: v}, nil
}

// UnmarshalKey decodes from the merged settings; a nested key read
// straight from c.v would only see the highest-priority source.
func (c *configurer) UnmarshalKey(name string, out any) error {
	merged := viper.New()
	if err := merged.MergeConfigMap(c.v.AllSettings()); err != nil {
		return err
	}
	return merged.UnmarshalKey(name, out)
}

func (c *configurer) Has(name string) bool {
	return c.v.IsSet(name)
}

// logger adapts a zap logger to the plugin's Logger
type logger struct {
	base *zap.Logger
}

func newLogger(level string) (*logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &logger{base: base}, nil
}

func (l *logger) NamedLogger(name string) *zap.Logger {
	return l.base.Named(name)
}
