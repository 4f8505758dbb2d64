package ldapresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/openauthn/ldapresolver/internal/secret"
)

// Parameter keys accepted by the resolver configuration. The names are
// fixed by the hosting platform's configuration store.
const (
	paramURI          = "LDAPURI"
	paramBase         = "LDAPBASE"
	paramBindDN       = "BINDDN"
	paramBindPW       = "BINDPW"
	paramLoginAttr    = "LOGINNAMEATTRIBUTE"
	paramFilter       = "LDAPFILTER"
	paramSearchFilter = "LDAPSEARCHFILTER"
	paramUserInfo     = "USERINFO"
	paramUIDType      = "UIDTYPE"
	paramEnforceTLS   = "EnforceTLS"
	paramOnlyTrusted  = "only_trusted_certs"
	paramNoReferrals  = "NOREFERRALS"
	paramProxy        = "PROXY"
	paramTimeout      = "TIMEOUT"
	paramSizeLimit    = "SIZELIMIT"
	paramSystemCerts  = "certificates.use_system_certificates"
	paramCACert       = "CACERTIFICATE"
)

// DefaultIdentifierAttr is the identifier scheme used when UIDTYPE is not
// configured.
const DefaultIdentifierAttr = "DN"

// DefaultSizeLimit bounds result sets when SIZELIMIT is not configured.
const DefaultSizeLimit = 500

// timeoutNoLimit is the sentinel for an unbounded timeout.
const timeoutNoLimit = "-1"

type paramKind int

const (
	kindText paramKind = iota
	kindBool
	kindInt
	kindEncrypted
)

type paramSpec struct {
	key      string
	required bool
	def      string
	kind     paramKind
}

// schema is the declarative parameter table: key, required, default,
// coercion. Validation walks the whole table and reports every failure,
// not just the first.
var schema = []paramSpec{
	{paramURI, true, "", kindText},
	{paramBase, true, "", kindText},
	{paramBindDN, true, "", kindText},
	{paramBindPW, true, "", kindEncrypted},
	{paramLoginAttr, true, "", kindText},
	{paramFilter, true, "", kindText},
	{paramSearchFilter, true, "", kindText},
	{paramUserInfo, true, "", kindText},
	{paramUIDType, false, DefaultIdentifierAttr, kindText},
	{paramEnforceTLS, false, "false", kindBool},
	{paramOnlyTrusted, false, "false", kindBool},
	{paramNoReferrals, false, "false", kindBool},
	{paramProxy, false, "false", kindBool},
	{paramTimeout, false, timeoutNoLimit, kindText},
	{paramSizeLimit, false, strconv.Itoa(DefaultSizeLimit), kindInt},
	{paramSystemCerts, false, "false", kindBool},
	{paramCACert, false, "", kindText},
}

// ConfigError aggregates every missing key and coercion failure found in
// one validation pass.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid resolver configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is one validated resolver configuration. The bind secret is held
// sealed; plaintext is recovered only at bind time.
type Config struct {
	InstanceID string

	Endpoints      []string
	BaseDN         string
	BindDN         string
	BindSecret     *secret.Sealed
	LoginAttr      string
	Filter         string // single-user filter with a %s placeholder
	SearchFilter   string // enumeration filter
	FieldMap       map[string]string
	IdentifierAttr string

	EnforceTLS       bool
	OnlyTrustedCerts bool
	UseSystemTrust   bool
	NoReferrals      bool
	Proxy            bool

	NetworkTimeout  time.Duration // zero means no limit
	ResponseTimeout time.Duration // zero means no limit
	SizeLimit       int

	CACertificate string
}

// ParseConfig validates params against the schema and builds a Config.
// Instance-scoped keys ("<key>.<instanceID>") shadow global keys, which
// shadow defaults. The bind secret is sealed into store before this
// function returns; the plaintext parameter value is not retained.
func ParseConfig(ctx context.Context, params map[string]string, instanceID string, store *secret.Store) (*Config, error) {
	var errs *multierror.Error
	resolved := make(map[string]string, len(schema))

	for _, spec := range schema {
		value, ok := lookupParam(params, spec.key, instanceID)
		if !ok {
			if spec.required {
				errs = multierror.Append(errs, fmt.Errorf("missing required entry %q", spec.key))
				continue
			}
			value = spec.def
		}
		resolved[spec.key] = value

		switch spec.kind {
		case kindBool:
			if _, err := parseBool(value); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("entry %q: %w", spec.key, err))
			}
		case kindInt:
			if _, err := strconv.Atoi(strings.TrimSpace(value)); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("entry %q: not an integer: %q", spec.key, value))
			}
		}
	}

	if raw, ok := resolved[paramUserInfo]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &map[string]string{}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("entry %q: not a JSON field mapping: %w", paramUserInfo, err))
		}
	}
	if raw, ok := resolved[paramTimeout]; ok {
		if _, _, err := parseTimeout(raw); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("entry %q: %w", paramTimeout, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, &ConfigError{Err: err}
	}

	cfg := &Config{
		InstanceID:     instanceID,
		BaseDN:         resolved[paramBase],
		BindDN:         resolved[paramBindDN],
		LoginAttr:      resolved[paramLoginAttr],
		Filter:         resolved[paramFilter],
		SearchFilter:   resolved[paramSearchFilter],
		IdentifierAttr: resolved[paramUIDType],
		CACertificate:  resolved[paramCACert],
	}

	for _, uri := range strings.Split(resolved[paramURI], ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			cfg.Endpoints = append(cfg.Endpoints, uri)
		}
	}

	cfg.FieldMap = map[string]string{}
	if raw := resolved[paramUserInfo]; raw != "" {
		// already validated above
		_ = json.Unmarshal([]byte(raw), &cfg.FieldMap)
	}

	cfg.EnforceTLS, _ = parseBool(resolved[paramEnforceTLS])
	cfg.OnlyTrustedCerts, _ = parseBool(resolved[paramOnlyTrusted])
	cfg.UseSystemTrust, _ = parseBool(resolved[paramSystemCerts])
	cfg.NoReferrals, _ = parseBool(resolved[paramNoReferrals])
	cfg.Proxy, _ = parseBool(resolved[paramProxy])
	cfg.SizeLimit, _ = strconv.Atoi(strings.TrimSpace(resolved[paramSizeLimit]))
	cfg.NetworkTimeout, cfg.ResponseTimeout, _ = parseTimeout(resolved[paramTimeout])

	if store != nil {
		sealed, err := store.Seal(ctx, resolved[paramBindPW])
		if err != nil {
			return nil, fmt.Errorf("sealing bind secret: %w", err)
		}
		cfg.BindSecret = sealed
	}

	return cfg, nil
}

// lookupParam resolves one key: the instance-scoped entry shadows the
// global one.
func lookupParam(params map[string]string, key, instanceID string) (string, bool) {
	if instanceID != "" {
		if v, ok := params[key+"."+instanceID]; ok {
			return v, true
		}
	}
	v, ok := params[key]
	return v, ok
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", value)
}

// parseTimeout interprets the TIMEOUT entry. A "net;resp" pair sets both
// bounds; a single value sets only the network bound. Each value is halved
// because every operation budgets up to two connection attempts per
// endpoint. Non-positive values mean no limit.
func parseTimeout(value string) (network, response time.Duration, err error) {
	const div = 2.0

	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0, nil
	}

	parts := strings.SplitN(value, ";", 2)
	nf, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("not a timeout value: %q", value)
	}
	if nf > 0 {
		network = time.Duration(nf / div * float64(time.Second))
	}

	if len(parts) == 2 {
		rf, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("not a timeout value: %q", value)
		}
		if rf > 0 {
			response = time.Duration(rf / div * float64(time.Second))
		}
	}
	return network, response, nil
}

// PrimaryKeyChanged reports whether a parameter update switches the
// identifier scheme. A changed scheme invalidates every identifier the
// host has stored for this resolver.
func PrimaryKeyChanged(newParams, prevParams map[string]string) bool {
	return newParams[paramUIDType] != prevParams[paramUIDType]
}
