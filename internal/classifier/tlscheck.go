package classifier

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
)

// CertChecker validates the certificate a host presents. A *CertError means the
// certificate itself is bad; any other error means the check could not run.
type CertChecker interface {
	Check(ctx context.Context, host, port string) error
}

type CertError struct {
	Host string
	Err  error
}

func (e *CertError) Error() string {
	return fmt.Sprintf("certificate problem for %s: %v", e.Host, e.Err)
}

func (e *CertError) Unwrap() error { return e.Err }

// UTLSChecker performs a full handshake with a Chrome ClientHello, so hosts
// that fingerprint clients answer the same way they would for a browser.
type UTLSChecker struct {
	Timeout time.Duration
	RootCAs *x509.CertPool // nil means system roots
}

func NewUTLSChecker(timeout time.Duration) *UTLSChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &UTLSChecker{Timeout: timeout}
}

func (c *UTLSChecker) Check(ctx context.Context, host, port string) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	defer raw.Close()

	uconn := utls.UClient(raw, &utls.Config{ServerName: host, RootCAs: c.RootCAs}, utls.HelloChrome_Auto)
	defer uconn.Close()

	if err := uconn.HandshakeContext(ctx); err != nil {
		if isCertError(err) {
			return &CertError{Host: host, Err: err}
		}
		return err
	}
	return nil
}

func isCertError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		noRoots          x509.SystemRootsError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &noRoots)
}
