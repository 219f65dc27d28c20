package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
	"github.com/xplshn/tracerr2"
)

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

func newCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:                   "basic-http-server",
		Usage:                  "A basic HTTP file server",
		Version:                version,
		ArgsUsage:              "[ROOT]",
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   defaultAddr,
				Usage:   "Sets the IP:PORT combination",
				Sources: cli.EnvVars("BASIC_HTTP_SERVER_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "extensions",
				Aliases: []string{"x"},
				Usage:   "Enable dev extensions (Markdown rendering, directory listing)",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to an optional YAML config file",
			},
			&cli.StringFlag{
				Name:  "theme",
				Value: defaultTheme,
				Usage: "Chroma style used for Markdown code blocks",
			},
			&cli.StringSliceFlag{
				Name:  "index",
				Usage: "Index file names tried for directories, in order",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   defaultLogLevel,
				Usage:   "Log verbosity: debug, info, warn or error",
				Sources: cli.EnvVars("BASIC_HTTP_SERVER_LOG"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() > 1 {
				return fmt.Errorf("expected at most one ROOT argument, got %d", cmd.Args().Len())
			}

			file := FileConfig{}
			if p := cmd.String("config"); p != "" {
				fc, err := loadConfigFile(p, logger)
				if err != nil {
					return err
				}
				file = *fc
			}

			cfg, err := newConfig(flagConfig(cmd), file)
			if err != nil {
				return err
			}

			logger = newLogger(os.Stderr, cfg.LogLevel)
			slog.SetDefault(logger)
			return serve(ctx, cfg, logger)
		},
	}
}

// flagConfig collects the values given on the command line or through the
// environment. Anything left at its default stays nil.
func flagConfig(cmd *cli.Command) FileConfig {
	var fc FileConfig
	if cmd.IsSet("addr") {
		v := cmd.String("addr")
		fc.Addr = &v
	}
	if cmd.IsSet("extensions") {
		v := cmd.Bool("extensions")
		fc.Extensions = &v
	}
	if cmd.IsSet("theme") {
		v := cmd.String("theme")
		fc.Theme = &v
	}
	if cmd.IsSet("log-level") {
		v := cmd.String("log-level")
		fc.LogLevel = &v
	}
	if cmd.IsSet("index") {
		fc.IndexFiles = cmd.StringSlice("index")
	}
	if cmd.Args().Present() {
		v := cmd.Args().First()
		fc.Root = &v
	}
	return fc
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func printBanner(w io.Writer, cfg Config, addr net.Addr) {
	title := color.New(color.Bold)
	key := color.New(color.FgCyan)
	title.Fprintf(w, "basic-http-server %s\n", version)
	key.Fprint(w, "addr: ")
	fmt.Fprintf(w, "http://%s\n", addr)
	key.Fprint(w, "root dir: ")
	fmt.Fprintln(w, cfg.Root)
	key.Fprint(w, "extensions: ")
	fmt.Fprintln(w, cfg.Extensions)
	fmt.Fprintln(w)
}

// serve binds cfg.Addr and serves until ctx is cancelled. Shutdown does not
// wait for in-flight requests.
func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	s, err := NewServer(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return tracerr.Wrapf(err, "failed to bind %s", cfg.Addr)
	}

	srv := &http.Server{
		Handler:  s,
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	printBanner(color.Error, cfg, ln.Addr())
	logger.Debug("configuration", "theme", cfg.Theme, "index", cfg.IndexFiles, "mime-types", len(cfg.MimeTypes))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Close()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return tracerr.Wrapf(err, "server returned error")
	}
	return nil
}

func main() {
	logger := newLogger(os.Stderr, slog.LevelInfo)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(logger).Run(ctx, os.Args); err != nil {
		if e, ok := err.(*tracerr.Error); ok {
			e.Print()
		} else {
			logger.Error("application failed to run", "error", err)
		}
		stop()
		os.Exit(1)
	}
}
