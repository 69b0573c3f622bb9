package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/HMasataka/mapserve/internal/app"
	mock_browser "github.com/HMasataka/mapserve/internal/browser/mock"
	"github.com/HMasataka/mapserve/internal/config"
	"github.com/HMasataka/mapserve/pkg/staticserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const geojson = `{"type":"FeatureCollection","features":[]}`

func newRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "map.geojson"), []byte(geojson), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>app</h1>"), 0o644))

	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return resolved
}

func testConfig(root string) config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Root = root
	cfg.Server.ShutdownTimeout = 1
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runResult struct {
	err error
}

func runApp(ctx context.Context, a *app.App) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: a.Run(ctx)}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) error {
	t.Helper()

	select {
	case r := <-done:
		return r.err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitURL(t *testing.T, urls <-chan string) string {
	t.Helper()

	select {
	case url := <-urls:
		return url
	case <-time.After(5 * time.Second):
		t.Fatal("browser was not launched")
		return ""
	}
}

func TestApp_Run(t *testing.T) {
	t.Run("配信して割り込みで正常終了", func(t *testing.T) {
		t.Chdir(t.TempDir())
		ctrl := gomock.NewController(t)
		root := newRoot(t)

		urls := make(chan string, 1)
		launcher := mock_browser.NewMockLauncher(ctrl)
		launcher.EXPECT().Launch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, url string) error {
			urls <- url
			return nil
		})

		var out bytes.Buffer
		ctx, cancel := context.WithCancel(context.Background())
		done := runApp(ctx, app.New(testConfig(root), &out, discardLogger(), launcher))

		url := waitURL(t, urls)

		resp, err := http.Get(url + "/map.geojson")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, geojson, string(body))
		assert.Equal(t, staticserver.GeoJSONContentType, resp.Header.Get("Content-Type"))
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

		wd, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, root, wd)

		cancel()
		err = waitRun(t, done)

		assert.NoError(t, err)
		assert.Equal(t, 0, app.ExitCode(err))

		output := out.String()
		assert.Contains(t, output, "Serving at: "+url)
		assert.Contains(t, output, "Directory: "+root)
		assert.Contains(t, output, "Press Ctrl+C to stop the server")
		assert.Contains(t, output, "Browser opened automatically")
		assert.Contains(t, output, "Server stopped by user")

		// ポートが解放されている
		ln, err := net.Listen("tcp", url[len("http://"):])
		require.NoError(t, err)
		ln.Close()
	})

	t.Run("ブラウザ起動失敗は致命的でない", func(t *testing.T) {
		t.Chdir(t.TempDir())
		ctrl := gomock.NewController(t)
		root := newRoot(t)

		urls := make(chan string, 1)
		launcher := mock_browser.NewMockLauncher(ctrl)
		launcher.EXPECT().Launch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, url string) error {
			urls <- url
			return errors.New("xdg-open: executable file not found")
		})

		var out bytes.Buffer
		ctx, cancel := context.WithCancel(context.Background())
		done := runApp(ctx, app.New(testConfig(root), &out, discardLogger(), launcher))

		url := waitURL(t, urls)

		resp, err := http.Get(url + "/")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		cancel()
		require.NoError(t, waitRun(t, done))

		assert.Contains(t, out.String(), "Please open "+url+" in your browser manually")
	})

	t.Run("ブラウザ無効", func(t *testing.T) {
		t.Chdir(t.TempDir())
		ctrl := gomock.NewController(t)
		launcher := mock_browser.NewMockLauncher(ctrl)

		cfg := testConfig(newRoot(t))
		cfg.Browser.Open = false

		var out bytes.Buffer
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := waitRun(t, runApp(ctx, app.New(cfg, &out, discardLogger(), launcher)))

		assert.NoError(t, err)
		assert.Contains(t, out.String(), "Serving at: http://127.0.0.1:")
		assert.Contains(t, out.String(), "Server stopped by user")
		assert.NotContains(t, out.String(), "Browser")
	})

	t.Run("割り込み直後に停止フックを呼ぶ", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg := testConfig(newRoot(t))
		cfg.Browser.Open = false

		var out bytes.Buffer
		a := app.New(cfg, &out, discardLogger(), nil)

		called := 0
		var outputAtHook string
		a.OnInterrupt(func() {
			called++
			outputAtHook = out.String()
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := waitRun(t, runApp(ctx, a))

		require.NoError(t, err)
		assert.Equal(t, 1, called)
		// フックはシャットダウン完了より前に呼ばれる
		assert.Contains(t, outputAtHook, "Serving at")
		assert.NotContains(t, outputAtHook, "Server stopped by user")
		assert.Contains(t, out.String(), "Server stopped by user")
	})

	t.Run("バインド失敗時はフックを呼ばない", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg := testConfig(newRoot(t))
		cfg.Server.Port = -1

		a := app.New(cfg, io.Discard, discardLogger(), nil)
		called := false
		a.OnInterrupt(func() { called = true })

		require.Error(t, a.Run(context.Background()))
		assert.False(t, called)
	})

	t.Run("ポート使用中", func(t *testing.T) {
		t.Chdir(t.TempDir())
		ctrl := gomock.NewController(t)
		launcher := mock_browser.NewMockLauncher(ctrl)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		port := ln.Addr().(*net.TCPAddr).Port

		cfg := testConfig(newRoot(t))
		cfg.Server.Port = port

		var out bytes.Buffer
		err = app.New(cfg, &out, discardLogger(), launcher).Run(context.Background())

		require.Error(t, err)
		assert.ErrorIs(t, err, staticserver.ErrPortInUse)

		var appErr *app.Error
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, app.KindBindConflict, appErr.Kind)
		assert.Equal(t, 1, app.ExitCode(err))
		assert.Contains(t, out.String(), "Port "+strconv.Itoa(port)+" is already in use")
		assert.NotContains(t, out.String(), "Serving at")
	})

	t.Run("その他のバインドエラー", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg := testConfig(newRoot(t))
		cfg.Server.Port = -1

		var out bytes.Buffer
		err := app.New(cfg, &out, discardLogger(), nil).Run(context.Background())

		var appErr *app.Error
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, app.KindBindOther, appErr.Kind)

		var bindErr *staticserver.BindError
		assert.True(t, errors.As(err, &bindErr))
		assert.Equal(t, 1, app.ExitCode(err))
		assert.Contains(t, out.String(), "Error starting server")
	})

	t.Run("配信ディレクトリが存在しない", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg := testConfig(filepath.Join(t.TempDir(), "missing"))

		var out bytes.Buffer
		err := app.New(cfg, &out, discardLogger(), nil).Run(context.Background())

		var appErr *app.Error
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, app.KindUnexpected, appErr.Kind)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Contains(t, out.String(), "Unexpected error")
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, app.ExitCode(nil))
	assert.Equal(t, 1, app.ExitCode(&app.Error{Kind: app.KindUnexpected, Err: errors.New("boom")}))
	assert.Equal(t, 1, app.ExitCode(errors.New("plain")))
}

func TestError(t *testing.T) {
	inner := errors.New("boom")
	err := &app.Error{Kind: app.KindBindOther, Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "bind error: boom", err.Error())
	assert.Equal(t, "bind conflict", app.KindBindConflict.String())
	assert.Equal(t, "unexpected error", app.KindUnexpected.String())
}
