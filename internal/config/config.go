package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr          string
	AdminUser     string
	AdminPassword string
	SessionKey    []byte
	CSRFKey       []byte
	DBPath        string

	NetworksFile string
	MonitorsFile string
	AutoDetect   bool

	ProbeTimeout       time.Duration
	ScanConcurrency    int
	MaxHosts           int
	NetworkParallelism int
	RefreshInterval    time.Duration

	Resolvers       []string
	ResolveTimeout  time.Duration
	ResolveCacheTTL time.Duration
	ResolveAll      bool
	DNSServer       string

	MetricsInterval time.Duration
	MonitorInterval time.Duration
}

// Load 从环境变量构建配置，并提供合理的默认值。
func Load() (*Config, error) {
	cfg := &Config{
		Addr:          getenv("NETPRESENCE_HTTP_ADDR", ":8080"),
		AdminUser:     getenv("NETPRESENCE_ADMIN_USER", "admin"),
		AdminPassword: getenv("NETPRESENCE_ADMIN_PASS", "admin123"),
		SessionKey:    []byte(getenv("NETPRESENCE_SESSION_KEY", "0123456789abcdef0123456789abcdef")),
		CSRFKey:       []byte(getenv("NETPRESENCE_CSRF_KEY", "abcdef0123456789abcdef0123456789")),
		DBPath:        getenv("NETPRESENCE_DB_PATH", "data/netpresence.db"),

		NetworksFile: getenv("NETPRESENCE_NETWORKS_FILE", "configuracion/redes.yaml"),
		MonitorsFile: getenv("NETPRESENCE_MONITORS_FILE", "configuracion/monitores.yaml"),
		AutoDetect:   boolEnv("NETPRESENCE_AUTODETECT", false),

		ProbeTimeout:       durationEnv("NETPRESENCE_PROBE_TIMEOUT", time.Second),
		ScanConcurrency:    intEnv("NETPRESENCE_SCAN_CONCURRENCY", 100),
		MaxHosts:           intEnv("NETPRESENCE_MAX_HOSTS", 1<<16),
		NetworkParallelism: intEnv("NETPRESENCE_NETWORK_PARALLELISM", 1),
		RefreshInterval:    durationEnv("NETPRESENCE_REFRESH_INTERVAL", 0),

		Resolvers:       listEnv("NETPRESENCE_RESOLVERS", []string{"system", "dig", "avahi"}),
		ResolveTimeout:  durationEnv("NETPRESENCE_RESOLVE_TIMEOUT", 2*time.Second),
		ResolveCacheTTL: durationEnv("NETPRESENCE_RESOLVE_CACHE_TTL", 10*time.Minute),
		ResolveAll:      boolEnv("NETPRESENCE_RESOLVE_ALL", false),
		DNSServer:       getenv("NETPRESENCE_DNS_SERVER", ""),

		MetricsInterval: durationEnv("NETPRESENCE_METRICS_INTERVAL", 15*time.Second),
		MonitorInterval: durationEnv("NETPRESENCE_MONITOR_INTERVAL", time.Minute),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置的一致性，命令行覆盖之后也应调用。
func (c *Config) Validate() error {
	if len(c.SessionKey) < 32 {
		return fmt.Errorf("session key must be at least 32 bytes, got %d", len(c.SessionKey))
	}
	if len(c.CSRFKey) < 32 {
		return fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(c.CSRFKey))
	}
	if c.AdminUser == "" || c.AdminPassword == "" {
		return fmt.Errorf("admin credentials must not be empty")
	}
	if c.ScanConcurrency <= 0 {
		return fmt.Errorf("scan concurrency must be positive")
	}
	if c.ProbeTimeout <= 0 || c.ResolveTimeout <= 0 {
		return fmt.Errorf("probe and resolve timeouts must be positive")
	}
	if c.MaxHosts <= 0 {
		return fmt.Errorf("max hosts must be positive")
	}
	if len(c.Resolvers) == 0 {
		return fmt.Errorf("at least one hostname resolver is required")
	}
	for _, r := range c.Resolvers {
		if r == "dns" && c.DNSServer == "" {
			return fmt.Errorf("resolver dns requires NETPRESENCE_DNS_SERVER")
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func listEnv(key string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
