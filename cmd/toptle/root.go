package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Guliveer/toptle/internal/config"
	"github.com/Guliveer/toptle/internal/orchestrator"
	"github.com/Guliveer/toptle/internal/terminal"
)

// exitUsage is returned for bad flags and invalid configuration.
const exitUsage = 2

var errNoCommand = errors.New("no command specified")

// options holds the raw flag values of one invocation.
type options struct {
	interval       float64
	prefix         string
	metrics        string
	pty            bool
	direct         bool
	fallbackDirect bool
	configPath     string
	logLevel       string
	logFile        string
	writeConfig    string
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.Float64VarP(&o.interval, "interval", "r", 0, "sampling interval in seconds (default 2)")
	fs.StringVarP(&o.prefix, "prefix", "p", "", "text placed before the metrics (default \"📊\")")
	fs.StringVarP(&o.metrics, "metrics", "m", "", "comma-separated metrics: cpu,ram,disk,net,files,threads,procs or all (default \"cpu,ram\")")
	fs.BoolVarP(&o.pty, "pty", "t", false, "force PTY mode")
	fs.BoolVarP(&o.direct, "direct", "d", false, "force direct mode")
	fs.BoolVar(&o.fallbackDirect, "fallback-direct", false, "run directly when no PTY can be allocated")
	fs.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error (default \"warn\")")
	fs.StringVar(&o.logFile, "log-file", "", "also write JSON logs to this file")
	fs.StringVar(&o.writeConfig, "write-config", "", "save the resolved configuration to this YAML file and exit")
}

// overrides converts the flags that were actually given into config overrides.
func (o *options) overrides(fs *pflag.FlagSet) (config.CLIOverrides, error) {
	var cli config.CLIOverrides
	if fs.Changed("interval") {
		if o.interval <= 0 {
			return cli, fmt.Errorf("--interval: %w", config.ErrInvalidInterval)
		}
		cli.Interval = time.Duration(o.interval * float64(time.Second))
		if cli.Interval <= 0 {
			return cli, fmt.Errorf("--interval: %w", config.ErrInvalidInterval)
		}
	}
	if fs.Changed("prefix") {
		prefix := o.prefix
		cli.Prefix = &prefix
	}
	cli.Metrics = o.metrics

	switch {
	case o.pty && o.direct:
		return cli, errors.New("--pty and --direct are mutually exclusive")
	case o.pty:
		cli.Mode = config.ModePTY
	case o.direct:
		cli.Mode = config.ModeDirect
	}
	cli.FallbackDirect = o.fallbackDirect
	cli.LogLevel = o.logLevel
	cli.LogFile = o.logFile
	return cli, nil
}

// load resolves the configuration. An explicit --config path, even an empty
// one, disables discovery.
func (o *options) load(fs *pflag.FlagSet) (*config.Config, error) {
	cli, err := o.overrides(fs)
	if err != nil {
		return nil, err
	}
	var cfg *config.Config
	if fs.Changed("config") {
		cfg, err = config.LoadLayered(cli, o.configPath)
	} else {
		cfg, err = config.LoadLayered(cli)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newRootCmd builds the toptle command. The child's exit code is stored in
// *code; errors returned from Execute are usage or configuration errors.
func newRootCmd(code *int) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "toptle [flags] [--] COMMAND [ARGS...]",
		Short: "Show a command's process-tree resource usage in the terminal title",
		Long: `toptle runs COMMAND transparently and keeps the terminal title updated with
the CPU, memory and I/O usage of the command and all of its descendants.

Interactive programs run behind a pseudo-terminal so their own title updates
are merged with the metrics; everything else runs directly with no overhead.

Examples:
  toptle -- make -j8
  toptle -r 1 -m cpu,ram,procs -- npm test
  toptle --pty -- vim notes.txt
  toptle -r 1 -m all --write-config ~/.config/toptle/config.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !cmd.Flags().Changed("write-config") {
				return errNoCommand
			}
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("write-config") {
				if opts.writeConfig == "" {
					return errors.New("--write-config: empty path")
				}
				if err := config.WriteConfig(cfg, opts.writeConfig); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote configuration to %s\n", opts.writeConfig)
				return nil
			}

			logger, closeLog := initLogger(cfg, cmd.ErrOrStderr())
			defer closeLog()
			logger = logger.With(zap.String("run_id", uuid.New().String()))
			logger.Debug("Starting toptle",
				zap.String("version", version),
				zap.Strings("argv", args),
				zap.Duration("interval", cfg.Interval.Duration),
				zap.String("metrics", cfg.MetricList),
				zap.String("mode", string(cfg.Mode)))

			c, err := orchestrator.New(cfg, terminal.Std(), logger).Run(cmd.Context(), args)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "toptle: %v\n", err)
			}
			*code = c
			return nil
		},
	}
	cmd.SetVersionTemplate("toptle {{.Version}}\n")

	// Everything after the command name belongs to the command.
	cmd.Flags().SetInterspersed(false)
	opts.bind(cmd.Flags())
	return cmd
}

// execute runs toptle with args and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	code := 0
	cmd := newRootCmd(&code)
	// A nil slice would make cobra fall back to os.Args.
	cmd.SetArgs(append([]string{}, args...))
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "toptle: %v\n", err)
		if errors.Is(err, errNoCommand) {
			fmt.Fprintf(stderr, "Usage: %s\n", cmd.UseLine())
		}
		return exitUsage
	}
	return code
}
