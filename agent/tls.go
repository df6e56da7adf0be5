package agent

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/guseggert/subserver/agent/channel"
	"github.com/guseggert/subserver/agent/installer"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"nhooyr.io/websocket"
)

// ClientTLSConfig builds the TLS config used to reach a controller behind wss/https.
// caCertPEM replaces the system roots if set, and certPEM/keyPEM enable client certificate authentication.
func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if len(caCertPEM) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertPEM) {
			return nil, errors.New("no certificates found in CA PEM")
		}
		cfg.RootCAs = caCertPool
	}

	if len(certPEM) > 0 || len(keyPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// LoadClientTLSConfig is ClientTLSConfig over PEM files. Empty paths are skipped.
func LoadClientTLSConfig(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	read := func(path string) ([]byte, error) {
		if path == "" {
			return nil, nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		return b, nil
	}
	caCertPEM, err := read(caCertFile)
	if err != nil {
		return nil, err
	}
	certPEM, err := read(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := read(keyFile)
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(caCertPEM, certPEM, keyPEM)
}

// WithTLSConfig sets the TLS config for both the controller connection and artifact downloads.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(a *Agent) {
		a.channelOpts = append(a.channelOpts, channel.WithDialOptions(&websocket.DialOptions{
			HTTPClient: &http.Client{Transport: tlsTransport(cfg)},
		}))
		a.installerOpts = append(a.installerOpts, installer.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
			r.HTTPClient.Transport = tlsTransport(cfg)
		}))
	}
}

// tlsTransport is cleanhttp's pooled transport, keeping its proxy and timeout settings, with cfg for TLS.
func tlsTransport(cfg *tls.Config) *http.Transport {
	t := cleanhttp.DefaultPooledTransport()
	t.TLSClientConfig = cfg
	return t
}
