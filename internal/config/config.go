package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr              string        `mapstructure:"addr"`
		ReadTimeout       time.Duration `mapstructure:"read_timeout"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
		RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	} `mapstructure:"server"`
	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"log"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Gateway struct {
		Driver string `mapstructure:"driver"`
		NATS   struct {
			URL           string `mapstructure:"url"`
			Stream        string `mapstructure:"stream"`
			SubjectPrefix string `mapstructure:"subject_prefix"`
		} `mapstructure:"nats"`
		HTTP struct {
			URL     string        `mapstructure:"url"`
			Token   string        `mapstructure:"token"`
			Timeout time.Duration `mapstructure:"timeout"`
		} `mapstructure:"http"`
	} `mapstructure:"gateway"`
	Engine struct {
		MaxSteps        int           `mapstructure:"max_steps"`
		MaxDelay        time.Duration `mapstructure:"max_delay"`
		MaxTotalDelay   time.Duration `mapstructure:"max_total_delay"`
		MaxSubflowDepth int           `mapstructure:"max_subflow_depth"`
		FaqLimit        int           `mapstructure:"faq_limit"`
	} `mapstructure:"engine"`
}

// DSN renders the database section as a libpq keyword/value string.
func (c *Config) DSN() string {
	var b strings.Builder
	add := func(k, v string) {
		if v == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k + "=" + v)
	}
	add("host", c.DB.Host)
	if c.DB.Port > 0 {
		add("port", strconv.Itoa(c.DB.Port))
	}
	add("user", c.DB.User)
	add("password", c.DB.Password)
	add("dbname", c.DB.Name)
	add("sslmode", c.DB.SSLMode)
	return b.String()
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// LoadConfig loads the configuration from a file and the environment. An
// explicit path must exist; otherwise config.yaml is looked up in . and
// ./config and may be absent.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MSGFLOW")
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
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("dev_mode_bypass", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	// write timeout must outlast the longest delay node
	v.SetDefault("server.write_timeout", 150*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.requests_per_second", 20.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "msgflow")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "msgflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")

	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{"localhost", "127.0.0.1"})

	v.SetDefault("gateway.driver", "log")
	v.SetDefault("gateway.nats.url", "nats://localhost:4222")
	v.SetDefault("gateway.nats.stream", "MSGFLOW_OUTBOUND")
	v.SetDefault("gateway.nats.subject_prefix", "msgflow.outbound")
	v.SetDefault("gateway.http.url", "")
	v.SetDefault("gateway.http.token", "")
	v.SetDefault("gateway.http.timeout", 10*time.Second)

	v.SetDefault("engine.max_steps", 300)
	v.SetDefault("engine.max_delay", 120*time.Second)
	v.SetDefault("engine.max_total_delay", 120*time.Second)
	v.SetDefault("engine.max_subflow_depth", 8)
	v.SetDefault("engine.faq_limit", 500)
}

// normalizeOktaIssuer removes any trailing slash from the issuer so users can
// paste the full URL from the Okta admin console.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
