package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// logFlags are persistent flags shared by every subcommand.
type logFlags struct {
	level string
	json  bool
}

func newRootCmd() *cobra.Command {
	flags := &logFlags{}

	cmd := &cobra.Command{
		Use:   "pocketz",
		Short: "pocketz is a small in-process tracer",
		Long: `pocketz records nested spans inside a process and hands each finished
trace to receivers: a terminal waterfall, JSON log lines or the Honeycomb
batch API.

Tracer settings come from a YAML file (--config) and POCKETZ_* environment
variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.level, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.json, "log-json", false, "Write logs as JSON")

	cmd.AddCommand(newDemoCmd(flags))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// logger builds the process logger writing to w.
func (f *logFlags) logger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(f.level)
	if err != nil {
		return nil, errors.Wrap(err, "--log-level")
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	if f.json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
