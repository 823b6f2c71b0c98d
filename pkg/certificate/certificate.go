// Package certificate loads and sanity-checks the TLS material the agent
// uses to talk to its server.
package certificate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
)

// LoadPEM reads a PEM bundle into a cert pool.
func LoadPEM(path string) (*x509.CertPool, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}

	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(contents); !ok {
		return nil, fmt.Errorf("no valid certificates found in %s", path)
	}
	return pool, nil
}

// ValidateConnection dials serverURL and verifies its certificate chain
// against pool. It exists to surface certificate problems with a readable
// error at startup instead of a failed first heartbeat.
func ValidateConnection(ctx context.Context, pool *x509.CertPool, serverURL string) error {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	dialer := &tls.Dialer{
		Config: &tls.Config{
			RootCAs: pool,
			// verification happens in VerifyConnection so that the error
			// names the failing certificate
			InsecureSkipVerify: true,
			VerifyConnection: func(state tls.ConnectionState) error {
				if len(state.PeerCertificates) == 0 {
					return errors.New("no peer certificates")
				}
				_, err := state.PeerCertificates[0].Verify(x509.VerifyOptions{
					DNSName:       parsed.Hostname(),
					Roots:         pool,
					Intermediates: intermediates(state.PeerCertificates),
				})
				if err != nil {
					return fmt.Errorf("verify certificate: %w", err)
				}
				return nil
			},
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", hostPort(parsed))
	if err != nil {
		return fmt.Errorf("dial for validate: %w", err)
	}
	return conn.Close()
}

func intermediates(chain []*x509.Certificate) *x509.CertPool {
	if len(chain) < 2 {
		return nil
	}
	pool := x509.NewCertPool()
	for _, cert := range chain[1:] {
		pool.AddCert(cert)
	}
	return pool
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return u.Hostname() + ":443"
}
