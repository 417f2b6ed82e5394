// Package tlsconfig builds the mutual TLS configuration shared by jobserver
// and its clients.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// Config locates the certificates of one side of the connection.
type Config struct {
	CertPath   string
	KeyPath    string
	CACertPath string

	// ServerName verifies the server certificate. Clients only.
	ServerName string

	Server bool
}

// SetupTLS loads the key pair and CA. Servers require and verify client
// certificates against the CA; clients verify the server against it.
func SetupTLS(config *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	caCert, err := os.ReadFile(config.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if config.Server {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = caCertPool
	} else {
		tlsConfig.ServerName = config.ServerName
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}

// Credentials returns gRPC transport credentials for config.
func Credentials(config *Config) (credentials.TransportCredentials, error) {
	tlsConfig, err := SetupTLS(config)
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}
