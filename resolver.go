// Package ldapresolver resolves user identities against LDAP-compatible
// directories: login name to stable identifier, identifier to profile
// attributes, user enumeration and credential verification, with endpoint
// failover and per-deployment TLS postures.
package ldapresolver

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/openauthn/ldapresolver/internal/ldap"
	"github.com/openauthn/ldapresolver/internal/secret"
)

// UserRecord is one user's mapped profile: logical field names (the keys
// of the USERINFO mapping, plus "userid") to single string values.
type UserRecord map[string]string

// searchFields lists the logical fields enumeration criteria may filter
// on, with their value types.
var searchFields = map[string]string{
	"username":    "text",
	"userid":      "text",
	"description": "text",
	"email":       "text",
	"givenname":   "text",
	"surname":     "text",
}

// ResolverUnavailableError is returned when every endpoint attempt of an
// operation failed for connectivity reasons.
type ResolverUnavailableError struct {
	Endpoints []string
	Err       error
}

func (e *ResolverUnavailableError) Error() string {
	return fmt.Sprintf("no directory endpoint reachable (%s): %v",
		strings.Join(e.Endpoints, ", "), e.Err)
}

func (e *ResolverUnavailableError) Unwrap() error { return e.Err }

// Shared is the process-wide state every resolver instance hangs off: the
// certificate trust store, the endpoint block-list, the secret store and
// the root logger. Construct one per process and pass it to every New.
type Shared struct {
	Trust   *ldap.TrustStore
	Blocks  *ldap.BlockList
	Secrets *secret.Store
	Log     hclog.Logger
}

// NewShared builds the process-wide state. certDir locates the CA bundle
// file; empty means the system temp directory.
func NewShared(ctx context.Context, certDir string, log hclog.Logger) (*Shared, error) {
	if log == nil {
		log = hclog.Default().Named("ldapresolver")
	}
	secrets, err := secret.NewEphemeralStore(ctx)
	if err != nil {
		return nil, err
	}
	return &Shared{
		Trust:   ldap.NewTrustStore(certDir, log.Named("truststore")),
		Blocks:  ldap.NewBlockList(),
		Secrets: secrets,
		Log:     log,
	}, nil
}

// Options tunes resolver behavior that is not part of the directory
// configuration itself.
type Options struct {
	// BindTries is how many failover rounds a service-bind operation
	// makes over the endpoint list.
	BindTries int `default:"2"`

	// VerifyTries is how many failover rounds credential verification
	// makes. Verification is latency-sensitive, so it gets one round.
	VerifyTries int `default:"1"`

	// BlockDelay is how long a failed endpoint stays blocked.
	BlockDelay time.Duration `default:"30s"`
}

// DefaultOptions returns Options with the struct-tag defaults applied.
func DefaultOptions() Options {
	var o Options
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return o
}

// directorySession is the slice of a live session the resolver drives.
// *ldap.Session implements it; tests substitute fakes.
type directorySession interface {
	Bind(dn, password string) error
	Search(*goldap.SearchRequest) (*goldap.SearchResult, error)
	TimeLimitSeconds() int
	Close()
}

// Resolver is one configured identity source. It is safe for sequential
// use within one logical request; the bound session is cached across
// operations until Close.
type Resolver struct {
	shared *Shared
	opts   Options
	dial   func(address string, pol ldap.Policy) (directorySession, error)
	log    hclog.Logger

	mu      sync.Mutex
	cfg     *Config
	mapper  *ldap.Mapper
	macros  *ldap.MacroExpander
	session directorySession
}

// New creates a resolver from raw configuration parameters. All parameter
// failures are reported together in a *ConfigError.
func New(ctx context.Context, params map[string]string, instanceID string, shared *Shared, opts Options) (*Resolver, error) {
	if shared == nil {
		return nil, fmt.Errorf("shared state is required")
	}
	if opts == (Options{}) {
		opts = DefaultOptions()
	}

	log := shared.Log
	if log == nil {
		log = hclog.Default().Named("ldapresolver")
	}
	if instanceID != "" {
		log = log.With("instance", instanceID)
	}

	connector := ldap.NewConnector(shared.Trust, log.Named("connector"))
	r := &Resolver{
		shared: shared,
		opts:   opts,
		dial: func(address string, pol ldap.Policy) (directorySession, error) {
			return connector.Connect(address, pol)
		},
		log: log,
	}
	if err := r.LoadConfig(ctx, params, instanceID); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadConfig validates and applies a parameter set, replacing the current
// configuration. The cached session is dropped so the next operation binds
// with the new parameters.
func (r *Resolver) LoadConfig(ctx context.Context, params map[string]string, instanceID string) error {
	cfg, err := ParseConfig(ctx, params, instanceID, r.shared.Secrets)
	if err != nil {
		return err
	}

	if cfg.CACertificate != "" {
		if err := r.shared.Trust.Register(cfg.CACertificate); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropSessionLocked()
	r.cfg = cfg
	r.mapper = &ldap.Mapper{
		IdentifierAttr: cfg.IdentifierAttr,
		Log:            r.log.Named("mapper"),
	}
	r.macros = &ldap.MacroExpander{
		AD: ldap.DetectAD(cfg.LoginAttr, cfg.Filter, cfg.SearchFilter),
	}
	return nil
}

// ID identifies this resolver instance for the host.
func (r *Resolver) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := "ldapresolver"
	if r.cfg != nil && r.cfg.InstanceID != "" {
		id += "." + r.cfg.InstanceID
	}
	return id
}

// SearchFields returns the logical fields enumeration criteria may filter on.
func (r *Resolver) SearchFields() map[string]string {
	out := make(map[string]string, len(searchFields))
	for k, v := range searchFields {
		out[k] = v
	}
	return out
}

// Close releases the cached session. The resolver stays usable; the next
// operation binds a fresh session.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropSessionLocked()
}

func (r *Resolver) dropSessionLocked() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
}

func policyFor(cfg *Config) ldap.Policy {
	pol := ldap.DefaultPolicy()
	pol.EnforceTLS = cfg.EnforceTLS
	pol.OnlyTrustedCerts = cfg.OnlyTrustedCerts
	pol.UseSystemTrust = cfg.UseSystemTrust
	pol.NoReferrals = cfg.NoReferrals
	if cfg.NetworkTimeout > 0 {
		pol.NetworkTimeout = cfg.NetworkTimeout
	}
	pol.ResponseTimeout = cfg.ResponseTimeout
	return pol
}

// bind returns the cached session or establishes and service-binds a new
// one, failing over across endpoints. Exhaustion yields
// *ResolverUnavailableError.
func (r *Resolver) bind(ctx context.Context) (directorySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		return r.session, nil
	}

	session, err := r.bindNewLocked(ctx, r.opts.BindTries)
	if err != nil {
		return nil, err
	}
	r.session = session
	return session, nil
}

// bindNewLocked dials and service-binds a fresh session without touching
// the cache. Callers hold r.mu.
func (r *Resolver) bindNewLocked(ctx context.Context, tries int) (directorySession, error) {
	bindpw, err := r.cfg.BindSecret.Open(ctx)
	if err != nil {
		return nil, err
	}

	sched := ldap.NewScheduler(r.cfg.Endpoints, tries, r.shared.Blocks, r.log.Named("scheduler"))
	sched.SetBlockDelay(r.opts.BlockDelay)

	var lastErr error
	for it := sched.Attempts(); ; {
		attempt, ok := it.Next()
		if !ok {
			break
		}

		session, err := r.dial(attempt.Address, policyFor(r.cfg))
		if err != nil {
			r.log.Warn("endpoint unreachable", "address", attempt.Address,
				"round", attempt.Round, "error", err)
			sched.Block(attempt.Address)
			lastErr = err
			continue
		}

		if err := session.Bind(r.cfg.BindDN, bindpw); err != nil {
			session.Close()
			r.log.Warn("service bind failed", "address", attempt.Address,
				"round", attempt.Round, "error", err)
			sched.Block(attempt.Address)
			lastErr = err
			continue
		}

		r.log.Debug("service bind established", "address", attempt.Address)
		return session, nil
	}

	r.log.Error("no directory endpoint reachable", "endpoints", r.cfg.Endpoints)
	return nil, &ResolverUnavailableError{Endpoints: r.cfg.Endpoints, Err: lastErr}
}

// ResolveIdentifier maps a login name to its stable identifier. An empty
// login or a login without a directory match resolves to "". Connectivity
// exhaustion is the only error.
func (r *Resolver) ResolveIdentifier(ctx context.Context, loginName string) (string, error) {
	if loginName == "" {
		return "", nil
	}

	session, err := r.bind(ctx)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	cfg, mapper := r.cfg, r.mapper
	filter := strings.ReplaceAll(r.macros.Expand(cfg.Filter), "%s", goldap.EscapeFilter(loginName))
	r.mu.Unlock()

	var attrs []string
	if !mapper.UsesDN() {
		attrs = append(attrs, cfg.IdentifierAttr)
	}

	req := goldap.NewSearchRequest(cfg.BaseDN, goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, cfg.SizeLimit, session.TimeLimitSeconds(),
		false, filter, attrs, nil)

	result, err := session.Search(req)
	if err != nil && !ldap.IsSizeLimitExceeded(err) {
		r.log.Warn("identifier lookup failed", "login", loginName, "error", err)
		return "", nil
	}
	if result == nil {
		return "", nil
	}
	for _, entry := range result.Entries {
		if entry.DN == "" {
			continue
		}
		id, err := mapper.ExtractIdentifier(entry)
		if err != nil {
			r.log.Info("matched record has no usable identifier",
				"login", loginName, "scheme", cfg.IdentifierAttr)
			return "", nil
		}
		return id, nil
	}

	r.log.Info("no directory match for login", "login", loginName)
	return "", nil
}

// lookupEntry fetches the full directory record for one identifier,
// according to the identifier scheme. A nil entry with nil error means no
// match.
func (r *Resolver) lookupEntry(ctx context.Context, identifier string, attrs []string) (*goldap.Entry, error) {
	session, err := r.bind(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	cfg, mapper := r.cfg, r.mapper
	r.mu.Unlock()

	var req *goldap.SearchRequest
	switch {
	case mapper.UsesDN():
		req = goldap.NewSearchRequest(identifier, goldap.ScopeBaseObject,
			goldap.NeverDerefAliases, cfg.SizeLimit, session.TimeLimitSeconds(),
			false, "(objectClass=*)", attrs, nil)

	case mapper.UsesGUID() && !cfg.Proxy:
		// GUID-addressable search base, the directory's native form.
		req = goldap.NewSearchRequest(fmt.Sprintf("<guid=%s>", identifier),
			goldap.ScopeBaseObject, goldap.NeverDerefAliases, cfg.SizeLimit,
			session.TimeLimitSeconds(), false, "(objectClass=*)", attrs, nil)

	case mapper.UsesGUID():
		// Behind a proxy the GUID base form is not routable; fall back
		// to a subtree filter over the raw GUID bytes.
		raw, err := hex.DecodeString(identifier)
		if err != nil {
			return nil, fmt.Errorf("identifier is not a hex GUID: %w", err)
		}
		filter := fmt.Sprintf("(objectGUID=%s)", goldap.EscapeFilter(string(raw)))
		req = goldap.NewSearchRequest(cfg.BaseDN, goldap.ScopeWholeSubtree,
			goldap.NeverDerefAliases, cfg.SizeLimit, session.TimeLimitSeconds(),
			false, filter, attrs, nil)

	default:
		filter := fmt.Sprintf("(%s=%s)", cfg.IdentifierAttr, goldap.EscapeFilter(identifier))
		req = goldap.NewSearchRequest(cfg.BaseDN, goldap.ScopeWholeSubtree,
			goldap.NeverDerefAliases, cfg.SizeLimit, session.TimeLimitSeconds(),
			false, filter, attrs, nil)
	}

	result, err := session.Search(req)
	if err != nil && !ldap.IsSizeLimitExceeded(err) {
		if ldap.IsNoSuchObject(err) {
			return nil, nil
		}
		r.log.Warn("record lookup failed", "identifier", identifier, "error", err)
		return nil, nil
	}
	if result == nil || len(result.Entries) == 0 {
		return nil, nil
	}
	return result.Entries[0], nil
}

// GetRawAttributes returns the full directory record for an identifier,
// every attribute with every value, plus the entry DN under "dn". No match
// or a connectivity degrade yields an empty map.
func (r *Resolver) GetRawAttributes(ctx context.Context, identifier string) (map[string][]string, error) {
	entry, err := r.lookupEntry(ctx, identifier, nil)
	if err != nil {
		return map[string][]string{}, err
	}
	if entry == nil {
		return map[string][]string{}, nil
	}

	r.mu.Lock()
	mapper := r.mapper
	r.mu.Unlock()

	out := mapper.RawAttributes(entry)
	out["dn"] = []string{entry.DN}
	return out, nil
}

// GetAttributes returns the mapped profile for an identifier: each logical
// field of the configured mapping, empty string when the record lacks the
// attribute, plus "userid". No match and per-query failures degrade to an
// empty record with a nil error. A non-nil error occurs only when no
// endpoint could be bound at all (*ResolverUnavailableError); the record
// is empty then too, so hosts that treat this read path as best-effort may
// ignore the error, while hosts distinguishing "user unknown" from
// "directory down" can inspect it.
func (r *Resolver) GetAttributes(ctx context.Context, identifier string) (UserRecord, error) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	attrs := make([]string, 0, len(cfg.FieldMap))
	for _, attr := range cfg.FieldMap {
		attrs = append(attrs, attr)
	}

	entry, err := r.lookupEntry(ctx, identifier, attrs)
	if err != nil {
		return UserRecord{}, err
	}
	if entry == nil {
		return UserRecord{}, nil
	}

	r.mu.Lock()
	mapper := r.mapper
	r.mu.Unlock()

	values := mapper.Normalize(entry)
	record := UserRecord{"userid": identifier}
	for field, attr := range cfg.FieldMap {
		record[field] = valueFor(values, attr)
	}
	return record, nil
}

// GetUsername returns the login name recorded for an identifier, or ""
// when the record is missing or lacks the login attribute.
func (r *Resolver) GetUsername(ctx context.Context, identifier string) (string, error) {
	r.mu.Lock()
	loginAttr := r.cfg.LoginAttr
	r.mu.Unlock()

	entry, err := r.lookupEntry(ctx, identifier, []string{loginAttr})
	if err != nil || entry == nil {
		return "", err
	}

	r.mu.Lock()
	mapper := r.mapper
	r.mu.Unlock()

	return valueFor(mapper.Normalize(entry), loginAttr), nil
}

// valueFor finds attr in a normalized value map, case-insensitively.
func valueFor(values map[string]string, attr string) string {
	if v, ok := values[attr]; ok {
		return v
	}
	for name, v := range values {
		if strings.EqualFold(name, attr) {
			return v
		}
	}
	return ""
}

// VerifyCredential checks a user credential by binding as the user. An
// empty credential is rejected immediately with no directory round trip:
// many directories treat an empty password as an anonymous bind, which
// would succeed. A credential the directory rejects returns (false, nil)
// without failover; connectivity failures fail over and exhaust into
// *ResolverUnavailableError.
func (r *Resolver) VerifyCredential(ctx context.Context, identifier, credential string) (bool, error) {
	if credential == "" {
		return false, nil
	}

	r.mu.Lock()
	cfg, mapper := r.cfg, r.mapper
	r.mu.Unlock()

	userDN := identifier
	if !mapper.UsesDN() {
		raw, err := r.GetRawAttributes(ctx, identifier)
		if err != nil {
			return false, err
		}
		dns := raw["dn"]
		if len(dns) == 0 || dns[0] == "" {
			r.log.Info("no directory record for identifier", "identifier", identifier)
			return false, nil
		}
		userDN = dns[0]
	}

	sched := ldap.NewScheduler(cfg.Endpoints, r.opts.VerifyTries, r.shared.Blocks, r.log.Named("scheduler"))
	sched.SetBlockDelay(r.opts.BlockDelay)

	var lastErr error
	for it := sched.Attempts(); ; {
		attempt, ok := it.Next()
		if !ok {
			break
		}

		session, err := r.dial(attempt.Address, policyFor(cfg))
		if err != nil {
			sched.Block(attempt.Address)
			lastErr = err
			continue
		}

		err = session.Bind(userDN, credential)
		session.Close()

		switch {
		case err == nil:
			return true, nil
		case ldap.IsInvalidCredentials(err):
			r.log.Info("credential rejected", "dn", userDN)
			return false, nil
		default:
			r.log.Warn("credential check failed", "address", attempt.Address, "error", err)
			sched.Block(attempt.Address)
			lastErr = err
		}
	}

	return false, &ResolverUnavailableError{Endpoints: cfg.Endpoints, Err: lastErr}
}
