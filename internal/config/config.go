package config

import "time"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Routing     RoutingConfig     `yaml:"routing"`
	Swarm       SwarmConfig       `yaml:"swarm"`
	Capability  CapabilityConfig  `yaml:"capability"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Ledger      LedgerConfig      `yaml:"ledger"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	s := ""
	for i > 0 {
		s = string(rune('0'+i%10)) + s
		i /= 10
	}
	return s
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

type RoutingConfig struct {
	DefaultTimeout    time.Duration        `yaml:"default_timeout"`
	MaxRetries        int                  `yaml:"max_retries"`
	LatencyRankWindow time.Duration        `yaml:"latency_rank_window"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	FailureRateThreshold  float64       `yaml:"failure_rate_threshold"`
	MinObservations       int           `yaml:"min_observations"`
	ObservationWindow     time.Duration `yaml:"observation_window"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type SwarmConfig struct {
	MaxConcurrency             int     `yaml:"max_concurrency"`
	DefaultQuorum              int     `yaml:"default_quorum"`
	DefaultSimilarityThreshold float64 `yaml:"default_similarity_threshold"`
	DefaultMinAgreement        float64 `yaml:"default_min_agreement"`
}

type CapabilityConfig struct {
	DiscoveryURL    string              `yaml:"discovery_url"`
	RefreshInterval time.Duration       `yaml:"refresh_interval"`
	RequestTimeout  time.Duration       `yaml:"request_timeout"`
	Static          map[string][]string `yaml:"static,omitempty"`
}

type EntitlementConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type LedgerConfig struct {
	Horizon time.Duration `yaml:"horizon"`

	// MonthlyBudgetUSD caps spend per tenant; tenants without an entry use
	// DefaultMonthlyBudgetUSD. Zero disables budget adjustment.
	MonthlyBudgetUSD        map[string]float64 `yaml:"monthly_budget_usd,omitempty"`
	DefaultMonthlyBudgetUSD float64            `yaml:"default_monthly_budget_usd"`
}

// BudgetFor returns the monthly budget for a tenant.
func (l LedgerConfig) BudgetFor(tenant string) float64 {
	if b, ok := l.MonthlyBudgetUSD[tenant]; ok {
		return b
	}
	return l.DefaultMonthlyBudgetUSD
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "hive",
			User:            "hive",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Routing: RoutingConfig{
			DefaultTimeout:    30 * time.Second,
			MaxRetries:        1,
			LatencyRankWindow: 5 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				FailureRateThreshold:  0.5,
				MinObservations:       10,
				ObservationWindow:     60 * time.Second,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
		Swarm: SwarmConfig{
			MaxConcurrency:             8,
			DefaultQuorum:              3,
			DefaultSimilarityThreshold: 0.9,
			DefaultMinAgreement:        0.5,
		},
		Capability: CapabilityConfig{
			RefreshInterval: 60 * time.Second,
			RequestTimeout:  5 * time.Second,
		},
		Entitlement: EntitlementConfig{
			Enabled:           false,
			BundlePath:        "/etc/hive/policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Ledger: LedgerConfig{
			Horizon:                 time.Hour,
			DefaultMonthlyBudgetUSD: 0,
		},
	}
}
