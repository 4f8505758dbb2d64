package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors for per-call protocol and data failures.
var (
	// ErrPagingUnsupported is returned when the server answers a paged
	// search without echoing the paged-results control.
	ErrPagingUnsupported = errors.New("server ignores the paged results control")

	// ErrIdentifierNotFound is returned when the configured identifier
	// attribute is absent from an otherwise valid directory record.
	ErrIdentifierNotFound = errors.New("no usable identifier in directory record")
)

// ProtocolError reports an address the connector refuses to speak to,
// typically an unrecognized URL scheme.
type ProtocolError struct {
	Address string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unsupported directory address %q: %s", e.Address, e.Reason)
}

// ConnectError reports a transport-level failure reaching an endpoint.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TLSError reports a certificate or TLS negotiation failure, including a
// refused in-band upgrade when TLS is enforced.
type TLSError struct {
	Address string
	Err     error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("TLS negotiation with %s: %v", e.Address, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// IsInvalidCredentials reports whether err is the directory rejecting the
// presented credential. This is terminal for a verification attempt and
// must never be treated as a connectivity fault.
func IsInvalidCredentials(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials)
}

// IsConnectivity reports whether err looks like a failure to reach or keep
// a connection to the directory, the class of error that endpoint failover
// retries across.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}

	var connErr *ConnectError
	var tlsErr *TLSError
	if errors.As(err, &connErr) || errors.As(err, &tlsErr) {
		return true
	}

	if ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultConnectError) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultTimeout) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network",
		"timeout",
		"i/o deadline",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsSizeLimitExceeded reports whether the server truncated a result set.
// Partial results accompanying this error are still usable.
func IsSizeLimitExceeded(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded)
}

// IsNoSuchObject reports whether the searched entry does not exist, a
// non-fatal data condition for lookup paths.
func IsNoSuchObject(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject)
}
