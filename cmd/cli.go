// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"biostream/internal/config"
	"biostream/internal/log"
	"biostream/pkg/build"
)

// Options are the flags shared by every command. Flags override values from
// the configuration file.
type Options struct {
	ConfigPath string
	LogLevel   string
	Transport  string
	Record     bool
	Output     string
	Format     string
	TUI        bool
	Duration   time.Duration
}

// Execute parses os.Args and runs the selected command until it finishes or
// ctx is cancelled.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	root.SetArgs(os.Args[1:])
	return root.ExecuteContext(ctx)
}

// NewRootCommand builds the command tree. The root command runs a session.
func NewRootCommand() *cobra.Command {
	info := build.GetBuildInfo()
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:           info.Name,
		Short:         info.Description,
		Version:       info.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), cfg)
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "",
		"Configuration file (default: config.yaml or biostream.yaml if present)")
	flags.StringVarP(&opts.LogLevel, "log-level", "v", "",
		"Log level: debug, info, warn or error")
	flags.StringVarP(&opts.Transport, "transport", "t", "",
		"Sensor link: synthetic, thinkgear, mqtt or soundcard")
	flags.BoolVarP(&opts.Record, "record", "r", false,
		"Record the session to disk")
	flags.StringVarP(&opts.Output, "output", "o", "",
		"Recording file. Default is <output_dir>/biostream-YYYYMMDD-HHMMSS-<session>.<format>")
	flags.StringVarP(&opts.Format, "format", "f", "",
		"Recording format: csv, edf or wav")
	flags.BoolVar(&opts.TUI, "tui", false,
		"Show the live terminal monitor")
	flags.DurationVarP(&opts.Duration, "duration", "d", 0,
		"Stop the synthetic source after this long")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newDevicesCommand(),
		newInspectCommand(),
		newConfigCommand(opts),
	)
	return rootCmd
}

func newRunCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stream, filter and classify until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), cfg)
		},
	}
}

func newConfigCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), *cfg)
		},
	}
}

func writeConfig(w io.Writer, cfg config.Config) error {
	if cfg.Store.Password != "" {
		cfg.Store.Password = "********"
	}
	if cfg.Transport.MQTT.Password != "" {
		cfg.Transport.MQTT.Password = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// load reads the configuration file, applies flags that were set on the
// command line and validates the result.
func (o *Options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed

	if changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if changed("transport") {
		cfg.Transport.Kind = strings.ToLower(o.Transport)
	}
	if changed("record") {
		cfg.Recorder.Enabled = o.Record
	}
	if changed("output") {
		cfg.Recorder.Path = o.Output
		cfg.Recorder.Enabled = true
	}
	if changed("format") {
		cfg.Recorder.Format = o.Format
	}
	if changed("tui") {
		cfg.Display.TUI = o.TUI
	}
	if changed("duration") {
		cfg.Transport.Synthetic.Duration = o.Duration
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	return cfg, nil
}

// recordingFlag renders the recorder destination for the startup banner.
func recordingFlag(rc config.RecorderConfig) string {
	switch {
	case !rc.Enabled:
		return "off"
	case rc.Path != "":
		return rc.Path
	default:
		return fmt.Sprintf("%s/*.%s", rc.OutputDir, rc.Format)
	}
}
