package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

const (
	schemeLDAP  = "ldap"
	schemeLDAPS = "ldaps"
)

// Policy controls how the connector negotiates one session.
type Policy struct {
	// EnforceTLS makes a failed in-band TLS upgrade fatal for plaintext
	// addresses instead of downgrading.
	EnforceTLS bool

	// OnlyTrustedCerts requires server certificate chain validation.
	// Without it, unauthenticated TLS is accepted for compatibility with
	// self-signed directory deployments.
	OnlyTrustedCerts bool

	// UseSystemTrust selects the system CA store over the local bundle.
	UseSystemTrust bool

	// NoReferrals disables following of protocol referrals.
	NoReferrals bool

	// NetworkTimeout bounds the TCP/TLS connection establishment.
	// Zero or negative means no limit.
	NetworkTimeout time.Duration `default:"5s"`

	// ResponseTimeout bounds each protocol round trip on the session.
	// Zero or negative means no limit.
	ResponseTimeout time.Duration
}

// DefaultPolicy returns a policy with the struct-tag defaults applied.
func DefaultPolicy() Policy {
	var p Policy
	if err := defaults.Set(&p); err != nil {
		// struct tags are static; a parse failure here is a programming error
		panic(err)
	}
	return p
}

// Connector turns one endpoint address and a policy into a live session.
// The trust store is an explicit dependency so tests can substitute their
// own bundle instead of mutating process-global TLS state.
type Connector struct {
	trust *TrustStore
	log   hclog.Logger
}

// NewConnector creates a connector backed by the shared trust store.
func NewConnector(trust *TrustStore, log hclog.Logger) *Connector {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Connector{trust: trust, log: log}
}

// Connect establishes a session with one endpoint. Transport failures
// surface as *ConnectError, certificate negotiation failures as *TLSError
// and unrecognized address schemes as *ProtocolError. Binding a credential
// is a separate, caller-driven step on the returned session.
func (c *Connector) Connect(address string, pol Policy) (*Session, error) {
	address = strings.TrimSpace(address)

	u, err := url.Parse(address)
	if err != nil {
		return nil, &ProtocolError{Address: address, Reason: "not a valid URL"}
	}
	if u.Scheme != schemeLDAP && u.Scheme != schemeLDAPS {
		return nil, &ProtocolError{Address: address, Reason: "scheme must be ldap or ldaps"}
	}

	tlsConf, err := c.tlsConfig(u, pol)
	if err != nil {
		return nil, &TLSError{Address: address, Err: err}
	}

	dialOpts := []ldap.DialOpt{}
	if pol.NetworkTimeout > 0 {
		dialOpts = append(dialOpts, ldap.DialWithDialer(&net.Dialer{Timeout: pol.NetworkTimeout}))
	}

	var conn *ldap.Conn
	switch u.Scheme {
	case schemeLDAPS:
		conn, err = ldap.DialURL(address, append(dialOpts, ldap.DialWithTLSConfig(tlsConf))...)
		if err != nil {
			return nil, classifyDialError(address, err)
		}

	case schemeLDAP:
		conn, err = ldap.DialURL(address, dialOpts...)
		if err != nil {
			return nil, &ConnectError{Address: address, Err: err}
		}

		// A plaintext address always gets an in-band upgrade attempt.
		// Only when TLS is enforced does a refused upgrade end the
		// connection; otherwise we fall back to a fresh plaintext
		// session with the same timeouts.
		if err := conn.StartTLS(tlsConf); err != nil {
			conn.Close()
			if pol.EnforceTLS {
				c.log.Error("in-band TLS upgrade refused with TLS enforced", "address", address, "error", err)
				return nil, &TLSError{Address: address, Err: err}
			}
			c.log.Warn("in-band TLS upgrade refused, falling back to plaintext", "address", address, "error", err)
			conn, err = ldap.DialURL(address, dialOpts...)
			if err != nil {
				return nil, &ConnectError{Address: address, Err: err}
			}
		}
	}

	if pol.ResponseTimeout > 0 {
		conn.SetTimeout(pol.ResponseTimeout)
	}

	c.log.Debug("directory session established",
		"address", address, "scheme", u.Scheme, "referrals_disabled", pol.NoReferrals)

	return &Session{
		conn:            conn,
		address:         address,
		responseTimeout: pol.ResponseTimeout,
		noReferrals:     pol.NoReferrals,
	}, nil
}

// tlsConfig selects the certificate trust source and verification posture
// for one connection attempt.
func (c *Connector) tlsConfig(u *url.URL, pol Policy) (*tls.Config, error) {
	host := u.Hostname()
	conf := &tls.Config{
		ServerName: host,
		// Unauthenticated TLS is deliberately accepted unless the
		// operator opts into strict validation.
		InsecureSkipVerify: !pol.OnlyTrustedCerts,
	}

	if pol.UseSystemTrust {
		// RootCAs nil selects the system trust store.
		return conf, nil
	}

	if c.trust != nil {
		pem, err := os.ReadFile(c.trust.Path())
		switch {
		case err == nil && len(pem) > 0:
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(pem) {
				conf.RootCAs = pool
			}
		case err != nil && !os.IsNotExist(err):
			return nil, err
		}
	}
	return conf, nil
}

// classifyDialError separates certificate failures from plain transport
// failures on a direct TLS dial.
func classifyDialError(address string, err error) error {
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return &TLSError{Address: address, Err: err}
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return &TLSError{Address: address, Err: err}
	}
	return &ConnectError{Address: address, Err: err}
}

// Session is one live connection to one endpoint. It is owned exclusively
// by the operation that created it and is never shared across concurrent
// requests: the lifecycle is open, optional bind, queries, close.
type Session struct {
	conn            *ldap.Conn
	address         string
	responseTimeout time.Duration
	noReferrals     bool
}

// Address returns the endpoint this session is connected to.
func (s *Session) Address() string { return s.address }

// Bind authenticates the session with a simple bind.
func (s *Session) Bind(dn, password string) error {
	return s.conn.Bind(dn, password)
}

// Search runs one search request on the session.
func (s *Session) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	result, err := s.conn.Search(req)
	if err != nil {
		return result, err
	}
	if s.noReferrals {
		result.Referrals = nil
	}
	return result, nil
}

// TimeLimitSeconds returns the per-round-trip bound configured at connect
// time, expressed in whole seconds for protocol time limits.
func (s *Session) TimeLimitSeconds() int {
	if s.responseTimeout <= 0 {
		return 0
	}
	secs := int(s.responseTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Close releases the session's connection. Safe to call more than once.
func (s *Session) Close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
