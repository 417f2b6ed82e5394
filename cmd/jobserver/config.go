package main

import (
	"github.com/spf13/pflag"

	"github.com/nixpig/jobsession/internal/config"
	"github.com/nixpig/jobsession/internal/registry"
)

// flagKeys maps configuration keys to the flags overriding them.
var flagKeys = map[string]string{
	"server.host":             "host",
	"server.port":             "port",
	"server.admin_port":       "admin-port",
	"server.tls.cert_path":    "cert-path",
	"server.tls.key_path":     "key-path",
	"server.tls.ca_cert_path": "ca-cert-path",
	"server.slots":            "slots",
	"server.cgroup_root":      "cgroup-root",
	"sessions_dir":            "sessions-dir",
	"sweep.schedule":          "sweep-schedule",
	"debug":                   "debug",
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("host", "localhost", "gRPC server host to bind")
	flags.Int("port", 8443, "gRPC server port")
	flags.Int("admin-port", 8080, "Admin HTTP server port, 0 to disable")
	flags.Bool("debug", false, "Enable debug logs")

	flags.String("cert-path", "certs/server.crt", "Path to server TLS certificate")
	flags.String("key-path", "certs/server.key", "Path to server TLS private key")
	flags.String("ca-cert-path", "certs/ca.crt", "Path to CA certificate for mTLS")

	flags.String("sessions-dir", registry.DefaultDir, "Directory to persist job sessions in")
	flags.Int64("slots", 4, "Number of slots shared by running jobs")
	flags.String("cgroup-root", "", "cgroup v2 directory to create job cgroups under")
	flags.String("sweep-schedule", "@every 1m", "Cron schedule for reaping orphaned jobs")
}

func loadConfig(flags *pflag.FlagSet, file string) (*config.Config, error) {
	loader := config.NewLoader()

	if err := loader.BindFlags(flags, flagKeys); err != nil {
		return nil, err
	}

	cfg, err := loader.Load(file)
	if err != nil {
		return nil, err
	}

	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
