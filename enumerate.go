package ldapresolver

import (
	"context"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/openauthn/ldapresolver/internal/ldap"
)

// buildSearchFilter combines the configured enumeration filter with
// per-field criteria. Criteria keys must be logical field names; unknown
// keys are ignored with a warning. Values are escaped.
func (r *Resolver) buildSearchFilter(criteria map[string]string) string {
	r.mu.Lock()
	cfg := r.cfg
	filter := r.macros.Expand(cfg.SearchFilter)
	r.mu.Unlock()

	for field, value := range criteria {
		attr, ok := cfg.FieldMap[field]
		if !ok {
			r.log.Warn("ignoring unknown search field", "field", field)
			continue
		}
		filter += fmt.Sprintf("(%s=%s)", attr, goldap.EscapeFilter(value))
	}
	return "(&" + filter + ")"
}

// enumerationAttrs is the attribute list for enumeration queries: every
// mapped attribute plus the identifier attribute when it is not the DN.
func (r *Resolver) enumerationAttrs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	attrs := make([]string, 0, len(r.cfg.FieldMap)+1)
	for _, attr := range r.cfg.FieldMap {
		attrs = append(attrs, attr)
	}
	if !r.mapper.UsesDN() {
		attrs = append(attrs, r.cfg.IdentifierAttr)
	}
	return attrs
}

// entryRecord maps one directory entry to a UserRecord. ok is false for
// entries without a DN or a usable identifier, which enumeration skips.
func (r *Resolver) entryRecord(entry *goldap.Entry) (UserRecord, bool) {
	if entry.DN == "" {
		return nil, false
	}

	r.mu.Lock()
	cfg, mapper := r.cfg, r.mapper
	r.mu.Unlock()

	id, err := mapper.ExtractIdentifier(entry)
	if err != nil {
		r.log.Info("skipping record without identifier", "dn", entry.DN)
		return nil, false
	}

	values := mapper.Normalize(entry)
	record := UserRecord{"userid": id}
	for field, attr := range cfg.FieldMap {
		if v := valueFor(values, attr); v != "" {
			record[field] = v
		}
	}
	return record, true
}

// ListUsers retrieves every user matching the criteria in one bounded,
// non-paged query. Result sets the server truncates are returned as far as
// they go. Prefer Enumerate for large result sets.
func (r *Resolver) ListUsers(ctx context.Context, criteria map[string]string) ([]UserRecord, error) {
	session, err := r.bind(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	req := goldap.NewSearchRequest(cfg.BaseDN, goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, cfg.SizeLimit, session.TimeLimitSeconds(),
		false, r.buildSearchFilter(criteria), r.enumerationAttrs(), nil)

	result, err := session.Search(req)
	if err != nil && !ldap.IsSizeLimitExceeded(err) {
		r.log.Warn("user listing failed", "error", err)
		return []UserRecord{}, nil
	}
	if result == nil {
		return []UserRecord{}, nil
	}

	records := make([]UserRecord, 0, len(result.Entries))
	for _, entry := range result.Entries {
		if record, ok := r.entryRecord(entry); ok {
			records = append(records, record)
		}
	}
	return records, nil
}

// UserIterator walks an enumeration lazily, fetching directory pages on
// demand. It owns a dedicated session; Close releases it.
type UserIterator struct {
	resolver *Resolver
	pages    *ldap.PageIterator
}

// Next yields the next user record. ok=false marks exhaustion; check Err
// afterwards.
func (it *UserIterator) Next() (UserRecord, bool) {
	for {
		entry, ok := it.pages.Next()
		if !ok {
			return nil, false
		}
		if record, ok := it.resolver.entryRecord(entry); ok {
			return record, true
		}
	}
}

// Err returns the first error the underlying paged search encountered.
func (it *UserIterator) Err() error { return it.pages.Err() }

// Close releases the iterator's session. Safe to call more than once.
func (it *UserIterator) Close() { it.pages.Close() }

// Enumerate starts a lazy paged enumeration of users matching the
// criteria. The iterator binds its own session so long enumerations do not
// monopolize the resolver's cached one. Callers must Close the iterator.
func (r *Resolver) Enumerate(ctx context.Context, criteria map[string]string) (*UserIterator, error) {
	r.mu.Lock()
	cfg := r.cfg
	session, err := r.bindNewLocked(ctx, r.opts.BindTries)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	req := goldap.NewSearchRequest(cfg.BaseDN, goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, 0, session.TimeLimitSeconds(),
		false, r.buildSearchFilter(criteria), r.enumerationAttrs(), nil)

	pages := ldap.NewPageIterator(session, req, nil, cfg.SizeLimit,
		r.log.Named("paging"), session.Close)

	return &UserIterator{resolver: r, pages: pages}, nil
}

// TestConnection validates a parameter set end to end: schema validation,
// endpoint connect and service bind, then a sample enumeration. It returns
// the matched records so an operator can see the mapping applied to real
// data. The probe shares the process trust store and block-list but leaves
// no session behind.
func TestConnection(ctx context.Context, params map[string]string, instanceID string, shared *Shared) ([]UserRecord, error) {
	r, err := New(ctx, params, instanceID, shared, Options{})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	records, err := r.ListUsers(ctx, nil)
	if err != nil {
		return nil, err
	}
	return records, nil
}
