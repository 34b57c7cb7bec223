// Package tls builds the server TLS configuration for the sidecar API,
// generating a self-signed certificate on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"

	defaultValidDays = 365 * 5
)

// Config configures HTTPS for the API listener.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`           // holds tls.crt and tls.key
	AutoGenerate bool     `mapstructure:"auto_generate"` // self-sign into Dir when missing
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // 1.2 or 1.3
}

// Validate reports configuration that Setup cannot use.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, ok := parseTLSVersion(c.MinVersion); !ok {
		return fmt.Errorf("tls.min_version %q: want 1.2 or 1.3", c.MinVersion)
	}
	hasFiles := c.CertFile != "" && c.KeyFile != ""
	if !hasFiles && c.Dir == "" {
		return errors.New("tls enabled but neither cert_file/key_file nor dir is set")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}

// CertPaths returns the certificate and key files Setup will load.
func (c Config) CertPaths() (cert, key string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, tlsCrt), filepath.Join(c.Dir, tlsKey)
}

func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// Explicit cert/key files win over Dir. Certificates are re-read on each
// handshake so a rotated pair is picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertPaths()
	if c.CertFile == "" && c.AutoGenerate && !certificatesExist(certPath, keyPath) {
		if err := generate(c); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	minVer, _ := parseTLSVersion(c.MinVersion)
	return &tls.Config{
		GetCertificate: certificateLoader(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

func certificateLoader(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	commonName := c.CommonName
	if commonName == "" {
		commonName = "localhost"
	}
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := c.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	certPath, keyPath := c.CertPaths()
	return GenerateSelfSigned(CertOptions{
		CommonName:   commonName,
		Organization: "comfyvisor",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}
