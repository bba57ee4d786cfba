// Package doctor runs local diagnostics for `registrar doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/registrar/internal/config"
	"github.com/basket/registrar/internal/trust"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkTrustStore,
		checkListener,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkTrustStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Trust Store", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.TrustStorePath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Trust Store", Status: "PASS", Message: "No trust file yet (created on first grant)"}
	}

	store, err := trust.Open(trust.Options{Path: path, TTL: cfg.TrustTTL()})
	if err != nil {
		return CheckResult{Name: "Trust Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	// Open tolerates a malformed file; reload to surface the reason.
	if err := store.Load(); err != nil {
		return CheckResult{
			Name:    "Trust Store",
			Status:  "FAIL",
			Message: "Trust file is malformed; the registrar will start with no grants",
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Trust Store", Status: "PASS", Message: fmt.Sprintf("%d trusted application(s)", store.Len()), Detail: path}
}

func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err == nil {
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("Registrar running on %s", cfg.BindAddr)}
			}
		}
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s is held by another process", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	ln.Close()

	if _, err := os.Stat(cfg.SecretPath()); err == nil {
		return CheckResult{
			Name:    "Listener",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is free but a secret file remains", cfg.BindAddr),
			Detail:  "A previous registrar exited without cleaning up; it is replaced on next start",
		}
	}
	return CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
