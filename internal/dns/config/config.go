package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every environment variable read by Load.
// A double underscore separates nesting levels: DNSGATE_STORE__DSN is store.dsn.
const EnvPrefix = "DNSGATE_"

// AppConfig is the complete dnsgate configuration.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env    string       `koanf:"env" validate:"required,oneof=dev prod"`
	Log    LogConfig    `koanf:"log"`
	DNS    DNSConfig    `koanf:"dns"`
	HTTP   HTTPConfig   `koanf:"http"`
	Store  StoreConfig  `koanf:"store"`
	Policy PolicyConfig `koanf:"policy"`
}

// LogConfig controls log verbosity: "debug", "info", "warn", or "error".
type LogConfig struct {
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// DNSConfig configures the UDP listener and the upstream forwarder.
type DNSConfig struct {
	Listen string `koanf:"listen" validate:"required,hostname_port"`

	// Upstream is a list of upstream DNS servers in ip:port format.
	Upstream []string      `koanf:"upstream" validate:"required,min=1,dive,ip_port"`
	Timeout  time.Duration `koanf:"timeout" validate:"gt=0"`

	// Parallel races all upstream servers instead of trying them in order.
	Parallel bool `koanf:"parallel"`
}

// HTTPConfig configures the session control surface.
type HTTPConfig struct {
	Listen       string        `koanf:"listen" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gte=0"`
}

// StoreConfig selects and sizes the session store. For "bolt" the DSN is a
// file path; the pool settings only apply to the SQL drivers.
type StoreConfig struct {
	Driver          string        `koanf:"driver" validate:"required,oneof=postgres sqlite bolt"`
	DSN             string        `koanf:"dsn" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gte=0"`

	// Migrate applies pending schema migrations at startup.
	Migrate bool `koanf:"migrate"`
}

// PolicyConfig sizes the per-client policy cache. A zero size or TTL
// disables caching.
type PolicyConfig struct {
	CacheSize int           `koanf:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration `koanf:"cache_ttl" validate:"gte=0"`
}

// DEFAULT_APP_CONFIG defines the configuration used when neither a file nor
// the environment overrides a key.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LogConfig{Level: "info"},
	DNS: DNSConfig{
		Listen:   "0.0.0.0:53",
		Upstream: []string{"1.1.1.1:53", "1.0.0.1:53"},
		Timeout:  2 * time.Second,
		Parallel: false,
	},
	HTTP: HTTPConfig{
		Listen:       "127.0.0.1:8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	},
	Store: StoreConfig{
		Driver:          "postgres",
		DSN:             "postgres://dnsgate@localhost:5432/dnsgate?sslmode=disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		Migrate:         true,
	},
	Policy: PolicyConfig{
		CacheSize: 1024,
		CacheTTL:  0,
	},
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
// It expects the value to be in the format "IP:Port".
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// envKey maps DNSGATE_STORE__MAX_OPEN_CONNS to store.max_open_conns.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// listKeys are the keys whose env values are comma or space separated lists.
// Every other value is taken verbatim, so key/value and multi-host DSNs
// survive intact.
var listKeys = map[string]bool{
	"dns.upstream": true,
}

// envValue splits comma or space separated values into lists for listKeys.
func envValue(key, value string) any {
	value = strings.TrimSpace(value)
	if value == "" || !listKeys[key] {
		return value
	}
	if strings.ContainsAny(value, " ,") {
		return strings.FieldsFunc(value, func(r rune) bool {
			return r == ' ' || r == ','
		})
	}
	return value
}

// envLoader loads environment variables with the DNSGATE_ prefix. It is a
// variable so tests can replace it.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			name := envKey(key)
			return name, envValue(name, value)
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads a YAML configuration file.
var fileLoader = func(k *koanf.Koanf, path string) error {
	return k.Load(file.Provider(path), yaml.Parser())
}

// registerValidation registers the custom "ip_port" tag.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("ip_port", validIPPort)
}

// Load builds an AppConfig from defaults, then the optional YAML file at
// path, then the environment. Later layers win. The result is validated.
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
