package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/HMasataka/mapserve/internal/browser"
	"github.com/HMasataka/mapserve/internal/config"
	"github.com/HMasataka/mapserve/pkg/staticserver"
)

type Kind int

const (
	KindUnexpected Kind = iota
	KindBindConflict
	KindBindOther
)

func (k Kind) String() string {
	switch k {
	case KindBindConflict:
		return "bind conflict"
	case KindBindOther:
		return "bind error"
	default:
		return "unexpected error"
	}
}

// Error is a fatal startup or runtime failure. Its message has already been
// shown to the operator when Run returns it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode maps the result of Run to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

type App struct {
	cfg      config.Config
	out      io.Writer
	logger   *slog.Logger
	launcher browser.Launcher

	onInterrupt func()
}

// New creates an App. out receives the operator messages, launcher may be nil
// to disable the browser step regardless of configuration.
func New(cfg config.Config, out io.Writer, logger *slog.Logger, launcher browser.Launcher) *App {
	if logger == nil {
		logger = slog.Default()
	}

	return &App{
		cfg:      cfg,
		out:      &lockedWriter{w: out},
		logger:   logger,
		launcher: launcher,
	}
}

// OnInterrupt registers f to run as soon as ctx is cancelled, before the
// graceful shutdown starts.
func (a *App) OnInterrupt(f func()) {
	a.onInterrupt = f
}

// Run serves until ctx is cancelled. Cancellation is a clean stop and returns
// nil; every other outcome is an *Error.
func (a *App) Run(ctx context.Context) error {
	root, err := a.enterRoot()
	if err != nil {
		return a.fail(KindUnexpected, err, "❌ Unexpected error: %v", err)
	}

	srv := staticserver.New(staticserver.Options{
		Host:   a.cfg.Server.Host,
		Port:   a.cfg.Server.Port,
		Root:   root,
		Logger: a.logger,
	})

	if err := srv.Listen(); err != nil {
		if errors.Is(err, staticserver.ErrPortInUse) {
			return a.fail(KindBindConflict, err,
				"❌ Port %d is already in use. Try a different port or close other applications.", a.cfg.Server.Port)
		}
		return a.fail(KindBindOther, err, "❌ Error starting server: %v", err)
	}

	url := srv.URL()
	a.printBanner(url, root)

	if a.cfg.Browser.Open && a.launcher != nil {
		opener := browser.NewOpener(a.launcher, browser.DefaultLaunchTimeout)
		defer opener.Close()

		opener.Open(ctx, url, func(err error) {
			if err != nil {
				a.logger.Warn("browser launch failed", slog.String("url", url), slog.String("error", err.Error()))
				a.printf("🌐 Please open %s in your browser manually\n", url)
				return
			}
			a.printf("🌐 Browser opened automatically\n")
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case <-ctx.Done():
		if a.onInterrupt != nil {
			a.onInterrupt()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeoutDuration())
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
		<-errCh

		a.printf("\n🛑 Server stopped by user\n")
		return nil
	case err := <-errCh:
		kind, format := serveFailure(err)
		if err == nil {
			err = errors.New("server stopped unexpectedly")
		}
		return a.fail(kind, err, format, err)
	}
}

// serveFailure classifies an error returned by a running server. Socket level
// failures are reported like bind failures.
func serveFailure(err error) (Kind, string) {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindBindOther, "❌ Error starting server: %v"
	}
	return KindUnexpected, "❌ Unexpected error: %v"
}

// enterRoot makes the served directory the working directory and returns its
// absolute path.
func (a *App) enterRoot() (string, error) {
	root := a.cfg.Server.Root
	if root == "" {
		dir, err := config.ExecutableDir()
		if err != nil {
			return "", err
		}
		root = dir
	}

	if err := os.Chdir(root); err != nil {
		return "", fmt.Errorf("change directory: %w", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	return filepath.Clean(wd), nil
}

func (a *App) printBanner(url, root string) {
	a.printf("🚀 Image Geolocation Processor Server\n")
	a.printf("📍 Serving at: %s\n", url)
	a.printf("📁 Directory: %s\n", root)
	a.printf("🗺️  map.geojson will load automatically\n")
	a.printf("⏹️  Press Ctrl+C to stop the server\n")
	a.printf("%s\n", strings.Repeat("-", 50))
}

func (a *App) fail(kind Kind, err error, format string, args ...any) error {
	a.printf(format+"\n", args...)
	a.logger.Error("server failed", slog.String("kind", kind.String()), slog.String("error", err.Error()))

	return &Error{Kind: kind, Err: err}
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// browser の結果はワーカーから書き込まれる
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.w.Write(p)
}
