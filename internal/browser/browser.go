package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/gammazero/workerpool"
	pkgbrowser "github.com/pkg/browser"
)

const DefaultLaunchTimeout = 10 * time.Second

// Launcher opens url in the user's browser.
//
//go:generate mockgen -source browser.go -destination mock/browser.go
type Launcher interface {
	Launch(ctx context.Context, url string) error
}

var _ Launcher = (*SystemLauncher)(nil)

// SystemLauncher delegates to the platform's URL opener.
type SystemLauncher struct {
	open func(url string) error
}

func NewSystemLauncher() *SystemLauncher {
	return &SystemLauncher{
		open: pkgbrowser.OpenURL,
	}
}

// Launch returns when the opener finishes or ctx is done, whichever is first.
// An opener still running after ctx is done is left to exit on its own.
func (l *SystemLauncher) Launch(ctx context.Context, url string) error {
	result := make(chan error, 1)
	go func() {
		result <- l.open(url)
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("open %s: %w", url, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Opener runs launches on a dedicated single worker so that a slow or
// failing browser never touches the caller's control flow.
type Opener struct {
	launcher Launcher
	timeout  time.Duration
	worker   *workerpool.WorkerPool
}

func NewOpener(launcher Launcher, timeout time.Duration) *Opener {
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}

	return &Opener{
		launcher: launcher,
		timeout:  timeout,
		worker:   workerpool.New(1),
	}
}

// Open schedules a launch of url and returns immediately. done, when not
// nil, receives the outcome on the worker goroutine.
func (o *Opener) Open(ctx context.Context, url string, done func(error)) {
	o.worker.Submit(func() {
		err := o.launch(ctx, url)
		if done != nil {
			done(err)
		}
	})
}

func (o *Opener) launch(ctx context.Context, url string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("browser launcher panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	return o.launcher.Launch(ctx, url)
}

// Close waits for a pending launch to finish.
func (o *Opener) Close() {
	o.worker.StopWait()
}
