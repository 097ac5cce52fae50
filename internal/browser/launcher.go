// Package browser starts a Chromium instance with remote debugging enabled
// for the harvester to attach to.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

const (
	defaultReadyTimeout = 15 * time.Second
	readyPollInterval   = 250 * time.Millisecond
	stopGrace           = 5 * time.Second
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress   string
	CDPPort      int
	StartURL     string
	ProfileDir   string
	WindowSize   string
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg    Config
	cmd    *exec.Cmd
	client *http.Client
	find   func() (string, error)
}

// NewLauncher creates a launcher. The profile directory keeps the
// TradingView login between runs.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1920,1080"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	return &Launcher{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Second},
		find:   detectBrowser,
	}
}

func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried chromium-browser, chromium, google-chrome)")
}

func (l *Launcher) versionURL() string {
	return fmt.Sprintf("http://%s:%d/json/version", l.cfg.CDPAddress, l.cfg.CDPPort)
}

// Ready reports whether the CDP endpoint answers /json/version.
func (l *Launcher) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.versionURL(), nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (l *Launcher) args() []string {
	return []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.cfg.CDPPort),
		fmt.Sprintf("--remote-debugging-address=%s", l.cfg.CDPAddress),
		fmt.Sprintf("--user-data-dir=%s", l.cfg.ProfileDir),
		"--no-first-run",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
		"--disable-crash-reporter",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
		fmt.Sprintf("--window-size=%s", l.cfg.WindowSize),
		l.cfg.StartURL,
	}
}

// Launch starts the browser unless the CDP endpoint already answers, then
// waits until it does.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.Ready(ctx) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}

	browserPath, err := l.find()
	if err != nil {
		return err
	}
	slog.Info("browser detected", "path", browserPath)

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(browserPath, l.args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		l.cmd = nil
		return fmt.Errorf("start browser: %w", err)
	}
	slog.Info("browser process started", "pid", l.cmd.Process.Pid)

	if err := l.waitReady(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("browser cdp endpoint ready", "address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
	return nil
}

func (l *Launcher) waitReady(ctx context.Context) error {
	deadline := time.NewTimer(l.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.cfg.ReadyTimeout, l.versionURL())
		case <-ticker.C:
			if l.Ready(ctx) {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.cmd != nil
}

// Stop terminates a spawned browser with SIGTERM, falling back to SIGKILL.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("browser stopping", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(stopGrace):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.cmd = nil
}
