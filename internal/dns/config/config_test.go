package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Env != "prod" {
		t.Errorf("expected Env=prod, got %q", cfg.Env)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected Log.Level=info, got %q", cfg.Log.Level)
	}
	if cfg.DNS.Listen != "0.0.0.0:53" {
		t.Errorf("expected DNS.Listen=0.0.0.0:53, got %q", cfg.DNS.Listen)
	}
	if cfg.DNS.Timeout != 2*time.Second {
		t.Errorf("expected DNS.Timeout=2s, got %s", cfg.DNS.Timeout)
	}
	wantUpstream := []string{"1.1.1.1:53", "1.0.0.1:53"}
	if len(cfg.DNS.Upstream) != len(wantUpstream) {
		t.Fatalf("expected DNS.Upstream length %d, got %d", len(wantUpstream), len(cfg.DNS.Upstream))
	}
	for i, v := range wantUpstream {
		if cfg.DNS.Upstream[i] != v {
			t.Errorf("expected DNS.Upstream[%d]=%q, got %q", i, v, cfg.DNS.Upstream[i])
		}
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected Store.Driver=postgres, got %q", cfg.Store.Driver)
	}
	if cfg.Store.MaxOpenConns != 10 {
		t.Errorf("expected Store.MaxOpenConns=10, got %d", cfg.Store.MaxOpenConns)
	}
	if !cfg.Store.Migrate {
		t.Errorf("expected Store.Migrate=true")
	}
	if cfg.Policy.CacheTTL != 0 {
		t.Errorf("expected Policy.CacheTTL=0, got %s", cfg.Policy.CacheTTL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DNSGATE_ENV", "dev")
	t.Setenv("DNSGATE_LOG__LEVEL", "debug")
	t.Setenv("DNSGATE_DNS__LISTEN", "127.0.0.1:5353")
	t.Setenv("DNSGATE_DNS__UPSTREAM", "8.8.8.8:53 8.8.4.4:53")
	t.Setenv("DNSGATE_DNS__TIMEOUT", "750ms")
	t.Setenv("DNSGATE_DNS__PARALLEL", "true")
	t.Setenv("DNSGATE_HTTP__LISTEN", ":9090")
	t.Setenv("DNSGATE_STORE__DRIVER", "sqlite")
	t.Setenv("DNSGATE_STORE__DSN", "/tmp/dnsgate.db")
	t.Setenv("DNSGATE_STORE__MAX_OPEN_CONNS", "4")
	t.Setenv("DNSGATE_POLICY__CACHE_TTL", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Env != "dev" {
		t.Errorf("expected Env=dev, got %q", cfg.Env)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected Log.Level=debug, got %q", cfg.Log.Level)
	}
	if cfg.DNS.Listen != "127.0.0.1:5353" {
		t.Errorf("expected DNS.Listen=127.0.0.1:5353, got %q", cfg.DNS.Listen)
	}
	if len(cfg.DNS.Upstream) != 2 || cfg.DNS.Upstream[1] != "8.8.4.4:53" {
		t.Errorf("unexpected DNS.Upstream %v", cfg.DNS.Upstream)
	}
	if cfg.DNS.Timeout != 750*time.Millisecond {
		t.Errorf("expected DNS.Timeout=750ms, got %s", cfg.DNS.Timeout)
	}
	if !cfg.DNS.Parallel {
		t.Errorf("expected DNS.Parallel=true")
	}
	if cfg.HTTP.Listen != ":9090" {
		t.Errorf("expected HTTP.Listen=:9090, got %q", cfg.HTTP.Listen)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "/tmp/dnsgate.db" {
		t.Errorf("unexpected Store %+v", cfg.Store)
	}
	if cfg.Store.MaxOpenConns != 4 {
		t.Errorf("expected Store.MaxOpenConns=4, got %d", cfg.Store.MaxOpenConns)
	}
	if cfg.Policy.CacheTTL != 2*time.Second {
		t.Errorf("expected Policy.CacheTTL=2s, got %s", cfg.Policy.CacheTTL)
	}
}

func TestLoad_EnvDSNWithSeparators(t *testing.T) {
	dsns := []string{
		"host=db user=dnsgate dbname=dnsgate sslmode=disable",
		"postgres://dnsgate@h1:5432,h2:5432/dnsgate?target_session_attrs=read-write",
	}
	for _, dsn := range dsns {
		t.Run(dsn, func(t *testing.T) {
			t.Setenv("DNSGATE_STORE__DSN", dsn)

			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() returned error: %v", err)
			}
			if cfg.Store.DSN != dsn {
				t.Errorf("expected Store.DSN=%q, got %q", dsn, cfg.Store.DSN)
			}
		})
	}
}

func TestEnvValue(t *testing.T) {
	if got, ok := envValue("dns.upstream", "8.8.8.8:53, 8.8.4.4:53").([]string); !ok || len(got) != 2 {
		t.Errorf("expected upstream list, got %#v", got)
	}
	if got := envValue("dns.upstream", " 9.9.9.9:53 "); got != "9.9.9.9:53" {
		t.Errorf("expected single upstream kept as string, got %#v", got)
	}
	if got := envValue("store.dsn", "host=db user=x"); got != "host=db user=x" {
		t.Errorf("expected DSN verbatim, got %#v", got)
	}
	if got := envValue("log.level", ""); got != "" {
		t.Errorf("expected empty string, got %#v", got)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsgate.yaml")
	body := `
env: dev
dns:
  upstream:
    - 9.9.9.9:53
store:
  driver: bolt
  dsn: /var/lib/dnsgate/file.db
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DNSGATE_STORE__DSN", "/tmp/env.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Env != "dev" {
		t.Errorf("expected Env=dev from file, got %q", cfg.Env)
	}
	if len(cfg.DNS.Upstream) != 1 || cfg.DNS.Upstream[0] != "9.9.9.9:53" {
		t.Errorf("expected upstream from file, got %v", cfg.DNS.Upstream)
	}
	if cfg.Store.Driver != "bolt" {
		t.Errorf("expected Store.Driver=bolt from file, got %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN != "/tmp/env.db" {
		t.Errorf("expected env to override file DSN, got %q", cfg.Store.DSN)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default Log.Level to survive, got %q", cfg.Log.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "error loading config file") {
		t.Fatalf("expected file load error, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"DNSGATE_ENV":                   "staging",
		"DNSGATE_LOG__LEVEL":            "trace",
		"DNSGATE_DNS__UPSTREAM":         "not_a_server",
		"DNSGATE_DNS__LISTEN":           "nope",
		"DNSGATE_DNS__TIMEOUT":          "0s",
		"DNSGATE_STORE__DRIVER":         "mysql",
		"DNSGATE_STORE__DSN":            "",
		"DNSGATE_STORE__MAX_OPEN_CONNS": "-1",
		"DNSGATE_POLICY__CACHE_SIZE":    "not_a_number",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error for %s=%q, got nil", key, value)
			}
		})
	}
}

func TestLoad_WhenKoanfDefaultLoadFails(t *testing.T) {
	orig := defaultLoader
	defaultLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { defaultLoader = orig }()

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading defaults, got nil")
	}
}

func TestLoad_WhenKoanfEnvLoadFails(t *testing.T) {
	orig := envLoader
	envLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { envLoader = orig }()

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading env, got nil")
	}
}

func TestLoad_RegisterValidationFails(t *testing.T) {
	orig := registerValidation
	registerValidation = func(v *validator.Validate) error { return errors.New("mocked validation error") }
	defer func() { registerValidation = orig }()

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "mocked validation error") {
		t.Fatal("expected error when registering validation, got nil")
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"DNSGATE_ENV":                   "env",
		"DNSGATE_LOG__LEVEL":            "log.level",
		"DNSGATE_STORE__MAX_OPEN_CONNS": "store.max_open_conns",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidIPPort(t *testing.T) {
	cases := []struct {
		input    string
		expected bool
	}{
		{"1.2.3.4:53", true},
		{"127.0.0.1:5353", true},
		{"[::1]:53", true},
		{"::1:53", false},
		{"192.168.1.1:", false},
		{":53", false},
		{"not_an_ip:53", false},
		{"1.2.3.4:notaport", false},
		{"1.2.3.4:0", false},
		{"", false},
		{"1.2.3.4", false},
	}

	validate := validator.New()
	_ = validate.RegisterValidation("ip_port", validIPPort)

	type S struct {
		Addr string `validate:"ip_port"`
	}
	for _, tc := range cases {
		err := validate.Struct(S{Addr: tc.input})
		if tc.expected && err != nil {
			t.Errorf("validIPPort(%q) = false, want true", tc.input)
		}
		if !tc.expected && err == nil {
			t.Errorf("validIPPort(%q) = true, want false", tc.input)
		}
	}
}
