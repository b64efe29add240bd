package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Host              string        `yaml:"host"`
	Port              uint          `yaml:"port"`
	DBUrl             string        `yaml:"db_url"`
	TokenSecret       string        `yaml:"token_secret"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	Debug             bool          `yaml:"debug"`
	BootstrapUser     string        `yaml:"bootstrap_user"`
	BootstrapPassword string        `yaml:"bootstrap_password"`
	Timezone          string        `yaml:"timezone"`
	GeoURL            string        `yaml:"geo_url"`
	GeoTimeout        time.Duration `yaml:"geo_timeout"`

	Addr     string         `yaml:"-"`
	Location *time.Location `yaml:"-"`
}

func Defaults() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              80,
		DBUrl:             "survey.sqlite",
		TokenTTL:          time.Hour,
		BootstrapUser:     "admin",
		BootstrapPassword: "admin123",
		Timezone:          "UTC",
		GeoTimeout:        2 * time.Second,
	}
}

func ParseFlags() (Config, error) {
	return Parse(os.Args[1:])
}

// Parse builds the configuration from defaults, then the YAML file named by
// -config (if any), then the remaining command line flags.
func Parse(args []string) (cfg Config, err error) {
	cfg = Defaults()
	if path := configPath(args); path != "" {
		if err = cfg.load(path); err != nil {
			return
		}
	}

	fs := flag.NewFlagSet("survey", flag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host name")
	fs.UintVar(&cfg.Port, "port", cfg.Port, "listen port number")
	fs.StringVar(&cfg.DBUrl, "db-url", cfg.DBUrl, "path to SQLite3 DB file")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "secret key for token encryption and decryption")
	ttl := uint(cfg.TokenTTL / time.Second)
	fs.UintVar(&ttl, "token-ttl", ttl, "token TTL in seconds, i.e. the session inactivity timeout")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "log at DEBUG level")
	fs.StringVar(&cfg.BootstrapUser, "bootstrap-user", cfg.BootstrapUser, "username of the admin created on first boot")
	fs.StringVar(&cfg.BootstrapPassword, "bootstrap-password", cfg.BootstrapPassword, "password of the admin created on first boot")
	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "IANA zone used to compute the calendar day of a submission")
	fs.StringVar(&cfg.GeoURL, "geo-url", cfg.GeoURL, "IP geolocation endpoint, e.g. http://ip-api.com/json/ (empty disables lookups)")
	geoTimeout := uint(cfg.GeoTimeout / time.Millisecond)
	fs.UintVar(&geoTimeout, "geo-timeout", geoTimeout, "geolocation lookup timeout in milliseconds")
	if err = fs.Parse(args); err != nil {
		return
	}

	cfg.TokenTTL = time.Duration(ttl) * time.Second
	cfg.GeoTimeout = time.Duration(geoTimeout) * time.Millisecond
	cfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))

	cfg.Location, err = time.LoadLocation(cfg.Timezone)
	if err != nil {
		err = fmt.Errorf("invalid -timezone %q: %w", cfg.Timezone, err)
		return
	}

	if cfg.TokenSecret == "" {
		err = errors.New("missing parameter -token-secret")
	}

	return
}

func (cfg *Config) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

func configPath(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if strings.HasPrefix(name, "config=") {
			return strings.TrimPrefix(name, "config=")
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (cfg Config) Url() (url string) {
	url = cfg.Addr
	url = regexp.MustCompile(`^0.0.0.0`).ReplaceAllString(url, "localhost")
	url = "http://" + url
	return
}
