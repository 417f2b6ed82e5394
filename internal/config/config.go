// Package config loads jobserver and jobctl settings from defaults, an
// optional YAML file, JOBSESSION_ environment variables and command line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nixpig/jobsession/internal/registry"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. JOBSESSION_SERVER_PORT.
	EnvPrefix = "JOBSESSION"

	// DirName is the configuration directory under the home directory.
	DirName = ".jobsession"

	BackendRemote = "remote"
	BackendKube   = "kube"
)

// Config holds the settings of both binaries.
type Config struct {
	Backend     string `mapstructure:"backend"`
	SessionsDir string `mapstructure:"sessions_dir"`
	Debug       bool   `mapstructure:"debug"`

	Server Server `mapstructure:"server"`
	Client Client `mapstructure:"client"`
	Kube   Kube   `mapstructure:"kube"`
	Wait   Wait   `mapstructure:"wait"`
	Sweep  Sweep  `mapstructure:"sweep"`
}

// TLS locates the certificates for mutual TLS.
type TLS struct {
	CertPath   string `mapstructure:"cert_path"`
	KeyPath    string `mapstructure:"key_path"`
	CACertPath string `mapstructure:"ca_cert_path"`
}

// Server configures jobserver.
type Server struct {
	Host       string              `mapstructure:"host"`
	Port       int                 `mapstructure:"port"`
	AdminPort  int                 `mapstructure:"admin_port"`
	Slots      int64               `mapstructure:"slots"`
	CgroupRoot string              `mapstructure:"cgroup_root"`
	Categories map[string][]string `mapstructure:"categories"`
	TLS        TLS                 `mapstructure:"tls"`
}

// Client configures jobctl.
type Client struct {
	ServerHostname string `mapstructure:"server_hostname"`
	ServerPort     int    `mapstructure:"server_port"`
	Session        string `mapstructure:"session"`
	TLS            TLS    `mapstructure:"tls"`
}

// Kube configures the Kubernetes backend.
type Kube struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
	Image      string `mapstructure:"image"`
}

// Wait configures job waits.
type Wait struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Sweep configures the jobserver's reaping of orphaned jobs.
type Sweep struct {
	Schedule string `mapstructure:"schedule"`
}

// Addr returns the address jobserver listens on.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdminAddr returns the address of the admin HTTP server.
func (s *Server) AdminAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.AdminPort)
}

// Validate checks the server settings.
func (s *Server) Validate() error {
	if err := validatePort("port", s.Port); err != nil {
		return err
	}

	if s.AdminPort != 0 {
		if err := validatePort("admin-port", s.AdminPort); err != nil {
			return err
		}
	}

	if s.Slots < 1 {
		return errors.New("slots must be positive")
	}

	return s.TLS.validate()
}

// Target returns the gRPC target of the jobserver.
func (c *Client) Target() string {
	return fmt.Sprintf("%s:%d", c.ServerHostname, c.ServerPort)
}

// Validate checks the client settings.
func (c *Client) Validate() error {
	if c.ServerHostname == "" {
		return errors.New("server-hostname cannot be empty")
	}

	if err := validatePort("server-port", c.ServerPort); err != nil {
		return err
	}

	return c.TLS.validate()
}

func (t *TLS) validate() error {
	for _, f := range []struct{ flag, path string }{
		{"cert-path", t.CertPath},
		{"key-path", t.KeyPath},
		{"ca-cert-path", t.CACertPath},
	} {
		if f.path == "" {
			return fmt.Errorf("%s cannot be empty", f.flag)
		}

		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("failed to stat %s: %w", f.flag, err)
		}
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be in valid range: got %d", name, port)
	}

	return nil
}

// Loader reads a Config. Flags bound with BindFlag override every other
// source once set on the command line.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader seeded with the defaults.
func NewLoader() *Loader {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Loader{v: v}
}

// BindFlag binds the flag to key. A missing flag is an error.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}

	return l.v.BindPFlag(key, flag)
}

// BindFlags binds flags by name, keyed by configuration key.
func (l *Loader) BindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := l.BindFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}

	return nil
}

// Load reads file, or config.yaml in the configuration directory when file
// is empty, and returns the merged Config. A missing default file is not an
// error.
func (l *Loader) Load(file string) (*Config, error) {
	if file != "" {
		expanded, err := homedir.Expand(file)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}

		l.v.SetConfigFile(expanded)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}

		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(dir)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if cfg.Wait.PollInterval <= 0 {
		return nil, fmt.Errorf("wait.poll_interval must be positive: got %s", cfg.Wait.PollInterval)
	}

	switch cfg.Backend {
	case BackendRemote, BackendKube:
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return &cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Dir returns the configuration directory path.
func Dir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}

	return filepath.Join(home, DirName), nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.SessionsDir,
		&c.Server.TLS.CertPath,
		&c.Server.TLS.KeyPath,
		&c.Server.TLS.CACertPath,
		&c.Client.TLS.CertPath,
		&c.Client.TLS.KeyPath,
		&c.Client.TLS.CACertPath,
		&c.Kube.Kubeconfig,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}

		*p = expanded
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendRemote)
	v.SetDefault("sessions_dir", registry.DefaultDir)
	v.SetDefault("debug", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.admin_port", 8080)
	v.SetDefault("server.slots", 4)
	v.SetDefault("server.cgroup_root", "")
	v.SetDefault("server.tls.cert_path", "certs/server.crt")
	v.SetDefault("server.tls.key_path", "certs/server.key")
	v.SetDefault("server.tls.ca_cert_path", "certs/ca.crt")

	v.SetDefault("client.server_hostname", "localhost")
	v.SetDefault("client.server_port", 8443)
	v.SetDefault("client.session", "default")
	v.SetDefault("client.tls.cert_path", "certs/client-operator.crt")
	v.SetDefault("client.tls.key_path", "certs/client-operator.key")
	v.SetDefault("client.tls.ca_cert_path", "certs/ca.crt")

	v.SetDefault("kube.kubeconfig", "~/.kube/config")
	v.SetDefault("kube.namespace", "default")
	v.SetDefault("kube.image", "busybox:1.36")

	v.SetDefault("wait.poll_interval", 100*time.Millisecond)
	v.SetDefault("sweep.schedule", "@every 1m")
}
