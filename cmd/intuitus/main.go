// Package main is the intuitus command: it runs the capture, inference and
// display pipeline and offers a few device diagnostics.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"go.intuitus.dev/driver/config"
	"go.intuitus.dev/driver/logging"
)

const (
	// Flags.
	flagConfig       = "config"
	flagDebug        = "debug"
	flagLogFile      = "log-file"
	flagSimulate     = "simulate"
	flagStats        = "stats-interval"
	flagPrintNetwork = "print-network"
	flagHold         = "hold"

	defaultConfigPath = "/etc/intuitus/config.json"
)

func main() {
	s := &session{}
	app := &cli.App{
		Name:  "intuitus",
		Usage: "drive the Intuitus CNN accelerator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also log to `FILE`, rotated by size",
			},
			&cli.BoolFlag{
				Name:  flagSimulate,
				Usage: "use simulated devices instead of hardware",
			},
		},
		Before: s.before,
		After:  s.after,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the capture, inference and display pipeline",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagStats,
						Value: defaultStatsInterval,
						Usage: "log pipeline counters every `INTERVAL` (0 disables)",
					},
				},
				Action: s.runAction,
			},
			{
				Name:   "inspect",
				Usage:  "print what the configured devices offer",
				Action: s.inspectAction,
			},
			{
				Name:  "selftest",
				Usage: "run the accelerator self test",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagPrintNetwork,
						Usage: "load the configured model and print the network the device built",
					},
				},
				Action: s.selfTestAction,
			},
			{
				Name:      "show",
				Usage:     "show an image on the framebuffer",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagHold,
						Value: defaultHold,
						Usage: "keep the image on screen for `DURATION`",
					},
				},
				Action: s.showAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "intuitus:", err)
		os.Exit(1)
	}
}

// session carries what every command shares.
type session struct {
	logger logging.Logger
	file   *logging.FileAppender
}

func (s *session) before(c *cli.Context) error {
	s.logger = logging.NewLogger("intuitus")
	if c.Bool(flagDebug) {
		s.logger.SetLevel(logging.DEBUG)
	}
	logging.ReplaceGlobal(s.logger)
	return nil
}

func (s *session) after(c *cli.Context) error {
	if s.logger != nil {
		//nolint:errcheck
		s.logger.Sync()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// loadConfig reads the config and applies its logging section and the global
// flags that override it.
func (s *session) loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if c.Bool(flagSimulate) {
		cfg.Simulate = true
	}
	if !c.Bool(flagDebug) {
		level, err := logging.LevelFromString(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		s.logger.SetLevel(level)
	}
	logFile := cfg.Log.File
	if c.IsSet(flagLogFile) {
		logFile = c.String(flagLogFile)
	}
	if logFile != "" && s.file == nil {
		s.file = logging.NewFileAppender(logging.FileConfig{
			Path:       logFile,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		s.logger.AddAppender(s.file)
	}
	return cfg, nil
}
