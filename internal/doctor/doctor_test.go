package doctor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentq/internal/config"
)

func loadTestConfig(t *testing.T, yaml string) config.Config {
	t.Helper()
	home := t.TempDir()
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func resultByName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s result in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_DefaultHome(t *testing.T) {
	cfg := loadTestConfig(t, "")
	d := Run(context.Background(), &cfg, nil, "test")

	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	if got := resultByName(t, d, "Config").Status; got != StatusWarn {
		t.Fatalf("config without file = %s, want WARN", got)
	}
	for _, name := range []string{"Permissions", "Database", "Policy"} {
		if r := resultByName(t, d, name); r.Status != StatusPass {
			t.Fatalf("%s = %+v, want PASS", name, r)
		}
	}
	if got := resultByName(t, d, "Redis").Status; got != StatusSkip {
		t.Fatalf("redis without addr = %s, want SKIP", got)
	}
	if d.Failed() {
		t.Fatalf("default home should not fail: %+v", d.Results)
	}
}

func TestRun_ConfigErrorStopsEarly(t *testing.T) {
	d := Run(context.Background(), &config.Config{}, errors.New("store.dsn is required for postgres"), "test")
	if len(d.Results) != 1 {
		t.Fatalf("results = %+v, want only the config check", d.Results)
	}
	if !d.Failed() {
		t.Fatal("config error should fail the diagnosis")
	}
}

func TestCheckPolicy_Invalid(t *testing.T) {
	cfg := loadTestConfig(t, "")
	if err := os.WriteFile(config.PolicyPath(cfg.HomeDir), []byte("require_approval: [\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if r := checkPolicy(context.Background(), &cfg); r.Status != StatusFail {
		t.Fatalf("invalid policy = %+v, want FAIL", r)
	}
}

func TestCheckGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	up := "http://" + ln.Addr().String()

	tests := []struct {
		name string
		gw   config.GatewayConfig
		want string
	}{
		{"echo", config.GatewayConfig{Kind: config.GatewayEcho}, StatusWarn},
		{"reachable with token", config.GatewayConfig{Kind: config.GatewayHTTP, Primary: config.GatewayEndpoint{BaseURL: up, Token: "t"}}, StatusPass},
		{"reachable without token", config.GatewayConfig{Kind: config.GatewayHTTP, Primary: config.GatewayEndpoint{BaseURL: up}}, StatusWarn},
		{"bad url", config.GatewayConfig{Kind: config.GatewayHTTP, Primary: config.GatewayEndpoint{BaseURL: "::"}}, StatusFail},
		{"unreachable fallback", config.GatewayConfig{
			Kind:      config.GatewayHTTP,
			Primary:   config.GatewayEndpoint{BaseURL: up, Token: "t"},
			Fallbacks: []config.GatewayEndpoint{{Name: "dead", BaseURL: "http://127.0.0.1:1"}},
		}, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Gateway: tt.gw}
			if r := checkGateway(context.Background(), cfg); r.Status != tt.want {
				t.Fatalf("got %+v, want %s", r, tt.want)
			}
		})
	}
}

func TestCheckRedis_Unreachable(t *testing.T) {
	cfg := &config.Config{Redis: config.RedisConfig{Addr: "127.0.0.1:1"}}
	if r := checkRedis(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("got %+v, want FAIL", r)
	}
}
