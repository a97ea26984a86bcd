// Command waveengined is the minimal host process for the waveform data
// engine: it constructs the Workspace Coordinator and its collaborators
// in dependency order (construct services, inject cross-references,
// start), loads the persisted workspace document, and exposes the
// engine's message surface to out-of-process frontends over a
// net.Conn-based length-prefixed JSON transport. The engine package
// itself has zero transport dependencies; everything in this directory
// is host shell.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/novywave/waveengine/internal/cache"
	"github.com/novywave/waveengine/internal/config"
	"github.com/novywave/waveengine/internal/coordinator"
	"github.com/novywave/waveengine/internal/query"
	"github.com/novywave/waveengine/internal/registry"
	"github.com/novywave/waveengine/internal/watcher"
)

// Exit codes: 0 clean shutdown, 1 configuration unreadable, 2
// unrecoverable internal error. All other error conditions are
// surfaced as QueryError/FileError over the wire and do not terminate
// the process.
const (
	exitClean         = 0
	exitConfigInvalid = 1
	exitInternal      = 2
)

// Logger is the minimal injection seam used across the engine's
// packages; stdLogger below satisfies it with a timestamped line per
// call, the simplest thing that works for a daemon with no UI of its
// own to surface log events through.
type Logger interface {
	Log(level, message string)
}

type stdLogger struct{}

func (stdLogger) Log(level, message string) {
	fmt.Fprintf(os.Stderr, "%s [%s] %s\n", time.Now().Format(time.RFC3339), level, message)
}

func main() {
	app := &cli.App{
		Name:  "waveengined",
		Usage: "waveform trace data engine host process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the persisted workspace document",
				Value:   "workspace.toml",
			},
			&cli.StringFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Usage:   "unix socket path to accept frontend connections on",
				Value:   "waveengined.sock",
			},
			&cli.DurationFlag{
				Name:  "watch-debounce",
				Usage: "how long a burst of on-disk writes to a tracked file is coalesced before reloading",
				Value: 200 * time.Millisecond,
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "query engine worker pool size",
				Value: 4,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "waveengined:", err)
		os.Exit(exitInternal)
	}
}

func run(c *cli.Context) error {
	logger := stdLogger{}

	reg := registry.New(logger)
	bodies := cache.NewBodyCache(32, logger)
	ranges := cache.NewRangeCache[query.RangeResult](256, logger)
	queries := query.New(reg, bodies, ranges, c.Int("workers"), logger)

	bridge := config.New(filePersister{path: c.String("config")}, logger)
	if err := bridge.Load(c.String("config")); err != nil {
		fmt.Fprintln(os.Stderr, "waveengined: unreadable configuration:", err)
		os.Exit(exitConfigInvalid)
	}

	hook, err := watcher.New(reg, c.Duration("watch-debounce"), logger)
	if err != nil {
		return fmt.Errorf("constructing file watcher: %w", err)
	}

	coord := coordinator.New(reg, queries, bridge, hook, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hook.Start(ctx)
	defer hook.Close()

	if opened := bridge.Snapshot().Workspace.OpenedFiles; len(opened) > 0 {
		if _, err := coord.LoadFiles(ctx, opened); err != nil {
			logger.Log("warn", "failed to load previously opened files: "+err.Error())
		}
	}

	socketPath := c.String("socket")
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer listener.Close()
	logger.Log("info", "waveengined listening on "+socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	acceptErrs := make(chan error, 1)
	go acceptLoop(ctx, listener, coord, logger, acceptErrs)

	select {
	case <-sigCh:
		logger.Log("info", "shutdown signal received")
	case err := <-acceptErrs:
		logger.Log("error", "accept loop stopped: "+err.Error())
		cancel()
		return err
	}

	cancel()
	return nil
}

func acceptLoop(ctx context.Context, listener net.Listener, coord *coordinator.Coordinator, logger Logger, errs chan<- error) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				errs <- err
				return
			}
		}
		go serveConn(ctx, conn, coord, logger)
	}
}

// filePersister is the request_persist upcall target injected into the
// Config Bridge: every mutation the coordinator makes is serialised
// back to the same document path the host loaded at startup.
type filePersister struct {
	path string
}

func (p filePersister) Persist(data []byte) error {
	return os.WriteFile(p.path, data, 0o644)
}
