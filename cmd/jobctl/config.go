package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/nixpig/jobsession/internal/config"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drm/kube"
	"github.com/nixpig/jobsession/internal/drm/remote"
	"github.com/nixpig/jobsession/internal/registry"
	"github.com/nixpig/jobsession/internal/tlsconfig"
)

// flagKeys maps configuration keys to the flags overriding them.
var flagKeys = map[string]string{
	"backend":                 "backend",
	"client.server_hostname":  "server-hostname",
	"client.server_port":      "server-port",
	"client.session":          "session",
	"client.tls.cert_path":    "cert-path",
	"client.tls.key_path":     "key-path",
	"client.tls.ca_cert_path": "ca-cert-path",
	"kube.kubeconfig":         "kubeconfig",
	"kube.namespace":          "namespace",
	"sessions_dir":            "sessions-dir",
	"debug":                   "debug",
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("backend", config.BackendRemote, "Resource manager to use: remote or kube")
	flags.StringP("session", "s", "default", "Job session to use")
	flags.Bool("debug", false, "Enable debug logs")

	flags.String("server-hostname", "localhost", "Server hostname")
	flags.Int("server-port", 8443, "Server port")
	flags.String("cert-path", "certs/client-operator.crt", "Path to client TLS certificate")
	flags.String("key-path", "certs/client-operator.key", "Path to client TLS private key")
	flags.String("ca-cert-path", "certs/ca.crt", "Path to CA certificate for mTLS")

	flags.String("kubeconfig", "", "Path to kubeconfig for the kube backend")
	flags.String("namespace", "", "Namespace to run jobs in with the kube backend")
	flags.String("sessions-dir", registry.DefaultDir, "Directory to persist job sessions in with the kube backend")
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

	if cfg.Backend == config.BackendRemote {
		if err := cfg.Client.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// connectFunc returns the resource manager and session store to use, and
// what to close when done.
type connectFunc func(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (drm.Backend, registry.Store, io.Closer, error)

// connect talks to a jobserver for the remote backend, which also serves the
// session store, and to a cluster with a local session store for the kube
// backend.
func connect(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (drm.Backend, registry.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendRemote:
		creds, err := tlsconfig.Credentials(&tlsconfig.Config{
			CertPath:   cfg.Client.TLS.CertPath,
			KeyPath:    cfg.Client.TLS.KeyPath,
			CACertPath: cfg.Client.TLS.CACertPath,
			ServerName: cfg.Client.ServerHostname,
		})
		if err != nil {
			return nil, nil, nil, err
		}

		client, err := remote.Dial(ctx, cfg.Client.Target(), creds, remote.WithLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}

		return client, client, client, nil

	case config.BackendKube:
		cs, err := kube.NewClientset(cfg.Kube.Kubeconfig)
		if err != nil {
			return nil, nil, nil, err
		}

		m, err := kube.NewManager(
			cs,
			kube.WithNamespace(cfg.Kube.Namespace),
			kube.WithImage(cfg.Kube.Image),
			kube.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, nil, err
		}

		store, err := registry.NewFileStore(cfg.SessionsDir)
		if err != nil {
			return nil, nil, nil, err
		}

		return m, store, nil, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
