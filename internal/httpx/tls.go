package httpx

import (
	"crypto/tls"
	"fmt"
)

// TrustAllTLSConfig returns a client TLS configuration that accepts any
// server certificate chain, self-signed included, for any host name.
//
// SECURITY: this is intentionally insecure. Traffic is encrypted but the
// server is never authenticated. The relay has to reach arbitrary test
// backends whatever their certificates look like; do not reuse this for
// general-purpose clients.
//
// clientCertPEM and clientKeyPEM optionally supply a client certificate for
// backends that require mutual TLS. Both must be set together.
func TrustAllTLSConfig(clientCertPEM, clientKeyPEM []byte) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // trust-all is required, see above
		MinVersion:         tls.VersionTLS10,
	}

	if len(clientCertPEM) == 0 && len(clientKeyPEM) == 0 {
		return cfg, nil
	}
	if len(clientCertPEM) == 0 || len(clientKeyPEM) == 0 {
		return nil, fmt.Errorf("client certificate and key must be provided together")
	}

	pair, err := tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{pair}
	return cfg, nil
}
