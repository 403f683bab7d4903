package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	HTTP          struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"http"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Backend struct {
		URL            string        `mapstructure:"url"`
		TokenURL       string        `mapstructure:"token_url"`
		ClientID       string        `mapstructure:"client_id"`
		ClientSecret   string        `mapstructure:"client_secret"`
		Scopes         []string      `mapstructure:"scopes"`
		Timeout        time.Duration `mapstructure:"timeout"`
		Simulate       bool          `mapstructure:"simulate"`
		SimulatedDelay time.Duration `mapstructure:"simulated_delay"`
	} `mapstructure:"backend"`
	Poll struct {
		Interval    time.Duration `mapstructure:"interval"`
		MaxFailures int           `mapstructure:"max_failures"`
	} `mapstructure:"poll"`
	Registry struct {
		Store string `mapstructure:"store"`
		Dir   string `mapstructure:"dir"`
	} `mapstructure:"registry"`
	Cache struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`
	Auth struct {
		IssuerURL    string `mapstructure:"issuer_url"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

// IsDev reports whether the server runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// DSN builds the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("dev_mode_bypass", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	// SSE watch streams stay open; zero disables the write deadline
	v.SetDefault("http.write_timeout", time.Duration(0))
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "forge")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "forge")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.token_url", "")
	v.SetDefault("backend.client_id", "")
	v.SetDefault("backend.client_secret", "")
	v.SetDefault("backend.scopes", []string{})
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.simulate", false)
	v.SetDefault("backend.simulated_delay", 10*time.Second)

	v.SetDefault("poll.interval", 3*time.Second)
	v.SetDefault("poll.max_failures", 5)

	v.SetDefault("registry.store", "postgres")
	v.SetDefault("registry.dir", "./data/sessions")

	v.SetDefault("cache.ttl", time.Minute)

	v.SetDefault("auth.issuer_url", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")

	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{})
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// then not an error. Environment variables override file values, with dots
// replaced by underscores (DB_HOST, POLL_INTERVAL).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()
	config.Auth.IssuerURL = normalizeIssuer(config.Auth.IssuerURL)
	config.Backend.URL = strings.TrimRight(strings.TrimSpace(config.Backend.URL), "/")

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.Registry.Store {
	case "postgres", "file":
	default:
		return fmt.Errorf("registry.store must be postgres or file, got %q", c.Registry.Store)
	}
	if c.Backend.URL == "" && !c.Backend.Simulate {
		return errors.New("backend.url is required unless backend.simulate is set")
	}
	if c.Backend.Simulate && !c.IsDev() {
		return errors.New("backend.simulate is only allowed in the DEV environment")
	}
	if c.Poll.Interval <= 0 || c.Poll.MaxFailures <= 0 {
		return errors.New("poll.interval and poll.max_failures must be positive")
	}
	return nil
}

// normalizeIssuer ensures the provided OIDC issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact, so the URL can be pasted straight from the provider console.
func normalizeIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
