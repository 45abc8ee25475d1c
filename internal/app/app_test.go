package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/cuecall/internal/app"
	"github.com/MrWong99/cuecall/internal/config"
	"github.com/MrWong99/cuecall/internal/control"
	"github.com/MrWong99/cuecall/internal/session"
	"github.com/MrWong99/cuecall/pkg/realtime"
)

const baseYAML = `
server:
  listen_addr: "127.0.0.1:0"
  log_level: info
realtime:
  api_key: sk-test
  voice: alloy
timing:
  modality_switch_delay: 1h
  reconnect_initial: 1ms
  reconnect_max: 5ms
`

const reloadedYAML = `
server:
  listen_addr: "127.0.0.1:0"
  log_level: debug
realtime:
  api_key: sk-test
  voice: verse
timing:
  modality_switch_delay: 1h
  reconnect_initial: 1ms
  reconnect_max: 5ms
`

type runningApp struct {
	app    *app.App
	base   string
	cancel context.CancelFunc
	errCh  chan error
}

func runApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...app.Option) *runningApp {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append(opts, app.WithListener(ln), app.WithStrictInvariants())
	a, err := app.New(cfg, reg, opts...)
	if err != nil {
		ln.Close()
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningApp{app: a, base: "http://" + ln.Addr().String(), cancel: cancel, errCh: make(chan error, 1)}
	go func() { ra.errCh <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ra.errCh:
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return within 5s after cancel")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})
	return ra
}

func getJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry(nil)
	cfg := testConfig()
	cfg.Realtime.Provider = "acme"

	if _, err := app.New(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("New() error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_MissingConfigFile(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry(map[string]realtime.Dialer{"primary": &scriptedDialer{}})
	path := filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := app.New(nil, reg, app.WithConfigFile(path)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("New() error = %v, want os.ErrNotExist", err)
	}
}

func TestApp_HandlerBeforeRun(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry(map[string]realtime.Dialer{"primary": &scriptedDialer{}})
	a, err := app.New(testConfig(), reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if code := getJSON(t, http.MethodGet, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code := getJSON(t, http.MethodGet, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503 before connecting", code)
	}
	var st control.State
	if code := getJSON(t, http.MethodGet, srv.URL+"/v1/state", &st); code != http.StatusOK || st.Connected {
		t.Errorf("/v1/state = %d %+v", code, st)
	}
	if code := getJSON(t, http.MethodPost, srv.URL+"/v1/interrupt", nil); code != http.StatusServiceUnavailable {
		t.Errorf("/v1/interrupt = %d, want 503", code)
	}
	if code := getJSON(t, http.MethodGet, srv.URL+"/metrics", nil); code != http.StatusOK {
		t.Errorf("/metrics = %d", code)
	}
}

func TestApp_RunServesControlAPI(t *testing.T) {
	t.Parallel()
	d := &scriptedDialer{}
	reg, _ := testRegistry(map[string]realtime.Dialer{"primary": d})
	ra := runApp(t, testConfig(), reg)

	waitFor(t, "readiness", func() bool {
		return getJSON(t, http.MethodGet, ra.base+"/readyz", nil) == http.StatusOK
	})

	var st control.State
	getJSON(t, http.MethodGet, ra.base+"/v1/state", &st)
	if !st.Connected || st.Session == nil || st.Session.Mode != session.ModeListening {
		t.Fatalf("state = %+v", st)
	}

	var res control.ActionResult
	if code := getJSON(t, http.MethodPost, ra.base+"/v1/trigger/short", &res); code != http.StatusOK {
		t.Fatalf("trigger = %d", code)
	}
	if !res.Accepted || res.Mode != session.ModeGenerating {
		t.Errorf("trigger result = %+v", res)
	}

	getJSON(t, http.MethodPost, ra.base+"/v1/interrupt", &res)
	if !res.Accepted || res.Mode != session.ModeListening {
		t.Errorf("interrupt result = %+v", res)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry(map[string]realtime.Dialer{"primary": &scriptedDialer{}})
	ra := runApp(t, testConfig(), reg)

	waitFor(t, "session", func() bool { return ra.app.Sessions().Current() != nil })
	ra.cancel()

	select {
	case err := <-ra.errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
		ra.errCh <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ra.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Shutdown is idempotent.
	if err := ra.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry(map[string]realtime.Dialer{"primary": &scriptedDialer{}})
	a, err := app.New(testConfig(), reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}

func TestApp_ReloadsConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cuecall.yaml")
	if err := os.WriteFile(path, []byte(baseYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	d := &scriptedDialer{}
	reg, _ := testRegistry(map[string]realtime.Dialer{"primary": d})
	level := new(slog.LevelVar)
	ra := runApp(t, nil, reg,
		app.WithConfigFile(path, config.WithInterval(5*time.Millisecond)),
		app.WithLogLevel(level),
	)

	waitFor(t, "first session", func() bool { return ra.app.Sessions().Current() != nil })
	first := ra.app.Sessions().Current()
	if got := d.lastConfig().Voice; got != "alloy" {
		t.Fatalf("voice = %q, want alloy", got)
	}

	if err := os.WriteFile(path, []byte(reloadedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "log level change", func() bool { return level.Level() == slog.LevelDebug })
	if ra.app.Sessions().Current() != first {
		t.Fatal("reload replaced the live session")
	}

	d.lastTransport().Close()
	waitFor(t, "second session", func() bool {
		cur := ra.app.Sessions().Current()
		return cur != nil && cur != first
	})
	if got := d.lastConfig().Voice; got != "verse" {
		t.Errorf("voice after reload = %q, want verse", got)
	}
}
