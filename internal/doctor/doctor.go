// Package doctor runs local diagnostics against an agentq home directory.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/agentq/internal/config"
	"github.com/basket/agentq/internal/notify"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. loadErr is the error config loading
// returned, if any; the remaining checks still run against cfg.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	if cfg == nil || loadErr != nil {
		return d
	}
	checks := []func(context.Context, *config.Config) CheckResult{
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkGateway,
		checkRedis,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: loadErr.Error()}
	}
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml, using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", path), Detail: "hash=" + cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	store, err := persistence.OpenWithOptions(ctx, persistence.Options{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s connection and schema valid", cfg.Store.Driver),
		Detail:  fmt.Sprintf("queued=%d processing=%d failed=%d", depth[persistence.MessageStatusQueued], depth[persistence.MessageStatusProcessing], depth[persistence.MessageStatusFailed]),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	path := config.PolicyPath(cfg.HomeDir)
	pol, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error(), Detail: path}
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: "Policy " + pol.PolicyVersion()}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg.Gateway.Kind == config.GatewayEcho {
		return CheckResult{Name: "Gateway", Status: StatusWarn, Message: "Echo gateway in use (development only)"}
	}
	endpoints := append([]config.GatewayEndpoint{cfg.Gateway.Primary}, cfg.Gateway.Fallbacks...)
	var details []string
	status := StatusPass
	for _, ep := range endpoints {
		name := ep.Name
		if name == "" {
			name = ep.BaseURL
		}
		if err := dialEndpoint(ctx, ep.BaseURL); err != nil {
			details = append(details, fmt.Sprintf("%s: %v", name, err))
			status = StatusFail
			continue
		}
		if ep.ResolvedToken() == "" {
			details = append(details, name+": reachable, no token")
			if status == StatusPass {
				status = StatusWarn
			}
			continue
		}
		details = append(details, name+": ok")
	}
	return CheckResult{
		Name:    "Gateway",
		Status:  status,
		Message: fmt.Sprintf("Checked %d endpoint(s)", len(endpoints)),
		Detail:  strings.Join(details, "; "),
	}
}

func dialEndpoint(ctx context.Context, baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid base_url %q", baseURL)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg.Redis.Addr == "" {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Relay disabled (single node)"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	r, err := notify.New(pingCtx, notify.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
	})
	if err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: err.Error(), Detail: cfg.Redis.Addr}
	}
	_ = r.Close()
	return CheckResult{
		Name:    "Redis",
		Status:  StatusPass,
		Message: fmt.Sprintf("Reachable at %s (%dms)", cfg.Redis.Addr, time.Since(start).Milliseconds()),
	}
}
