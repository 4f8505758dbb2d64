package ldap

import (
	"fmt"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSearcher serves scripted pages and records the paging controls of
// every request it sees.
type fakeSearcher struct {
	pages    []*goldap.SearchResult
	requests []*goldap.SearchRequest
	calls    int
}

func (f *fakeSearcher) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	f.requests = append(f.requests, req)
	if f.calls >= len(f.pages) {
		return &goldap.SearchResult{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func entriesNamed(names ...string) []*goldap.Entry {
	out := make([]*goldap.Entry, 0, len(names))
	for _, n := range names {
		out = append(out, &goldap.Entry{DN: "cn=" + n})
	}
	return out
}

func pageWithCookie(cookie []byte, names ...string) *goldap.SearchResult {
	ctrl := goldap.NewControlPaging(10)
	ctrl.SetCookie(cookie)
	return &goldap.SearchResult{
		Entries:  entriesNamed(names...),
		Controls: []goldap.Control{ctrl},
	}
}

func drain(it *PageIterator) []string {
	var names []string
	for {
		entry, ok := it.Next()
		if !ok {
			return names
		}
		names = append(names, entry.DN)
	}
}

func TestPageSizeFor(t *testing.T) {
	tests := []struct {
		sizeLimit int
		want      uint32
	}{
		{500, 125},
		{40, 10},
		{4, 1},
		{3, 1},
		{1, 1},
		{0, 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit_%d", tt.sizeLimit), func(t *testing.T) {
			assert.Equal(t, tt.want, pageSizeFor(tt.sizeLimit))
		})
	}
}

func TestPageIterator_WalksAllPages(t *testing.T) {
	server := &fakeSearcher{pages: []*goldap.SearchResult{
		pageWithCookie([]byte("next"), "u1", "u2"),
		pageWithCookie(nil, "u3"),
	}}

	req := goldap.NewSearchRequest("dc=example", goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, 0, 0, false, "(objectClass=*)", nil, nil)
	it := NewPageIterator(server, req, StandardPaging{}, 8, nil, nil)

	names := drain(it)
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"cn=u1", "cn=u2", "cn=u3"}, names)
	assert.Equal(t, 2, server.calls)

	// second request must carry the continuation cookie
	require.Len(t, server.requests, 2)
	ctrl := goldap.FindControl(server.requests[1].Controls, ControlTypePaging)
	require.NotNil(t, ctrl)
	assert.Equal(t, []byte("next"), ctrl.(*goldap.ControlPaging).Cookie)
}

func TestPageIterator_RequestsDerivedPageSize(t *testing.T) {
	server := &fakeSearcher{pages: []*goldap.SearchResult{
		pageWithCookie(nil, "u1"),
	}}

	req := goldap.NewSearchRequest("dc=example", goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, 0, 0, false, "(objectClass=*)", nil, nil)
	it := NewPageIterator(server, req, StandardPaging{}, 40, nil, nil)
	drain(it)

	require.Len(t, server.requests, 1)
	ctrl := goldap.FindControl(server.requests[0].Controls, ControlTypePaging)
	require.NotNil(t, ctrl)
	assert.Equal(t, uint32(10), ctrl.(*goldap.ControlPaging).PagingSize)
}

func TestPageIterator_ExactTruncationAtSizeLimit(t *testing.T) {
	server := &fakeSearcher{pages: []*goldap.SearchResult{
		pageWithCookie([]byte("a"), "u1", "u2"),
		pageWithCookie([]byte("b"), "u3", "u4"),
		pageWithCookie(nil, "u5", "u6"),
	}}

	req := goldap.NewSearchRequest("dc=example", goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, 0, 0, false, "(objectClass=*)", nil, nil)
	it := NewPageIterator(server, req, StandardPaging{}, 3, nil, nil)

	names := drain(it)
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"cn=u1", "cn=u2", "cn=u3"}, names)
	// the third page is never fetched
	assert.Equal(t, 2, server.calls)
}

func TestPageIterator_MissingResponseControl(t *testing.T) {
	server := &fakeSearcher{pages: []*goldap.SearchResult{
		{Entries: entriesNamed("u1")},
	}}

	req := goldap.NewSearchRequest("dc=example", goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, 0, 0, false, "(objectClass=*)", nil, nil)
	it := NewPageIterator(server, req, StandardPaging{}, 10, nil, nil)

	_, ok := it.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, it.Err(), ErrPagingUnsupported)
}

func TestPageIterator_ControlDroppedMidStream(t *testing.T) {
	// the control disappearing on a later page is the same protocol
	// violation as on the first: completing cleanly here would truncate
	// the enumeration silently
	server := &fakeSearcher{pages: []*goldap.SearchResult{
		pageWithCookie([]byte("next"), "u1", "u2"),
		{Entries: entriesNamed("u3")},
	}}

	req := goldap.NewSearchRequest("dc=example", goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, 0, 0, false, "(objectClass=*)", nil, nil)
	it := NewPageIterator(server, req, StandardPaging{}, 10, nil, nil)

	names := drain(it)
	assert.Equal(t, []string{"cn=u1", "cn=u2"}, names)
	assert.ErrorIs(t, it.Err(), ErrPagingUnsupported)
	assert.Equal(t, 2, server.calls)
}

func TestPageIterator_CloseReleasesSessionOnce(t *testing.T) {
	closed := 0
	it := NewPageIterator(&fakeSearcher{}, nil, StandardPaging{}, 10, nil,
		func() { closed++ })

	it.Close()
	it.Close()
	assert.Equal(t, 1, closed)

	_, ok := it.Next()
	assert.False(t, ok)
}

func TestDetectPagingCodec_Stable(t *testing.T) {
	first := DetectPagingCodec()
	second := DetectPagingCodec()

	require.NotNil(t, first)
	assert.Equal(t, first.Name(), second.Name())
}

func TestLegacyControl_CrossDecode(t *testing.T) {
	ctrl := LegacyPaging{}.Request(25, []byte("cookie"))

	decoded, err := goldap.DecodeControl(ctrl.Encode())
	require.NoError(t, err)

	paging, ok := decoded.(*goldap.ControlPaging)
	require.True(t, ok, "hand-encoded control must decode as the structured control")
	assert.Equal(t, uint32(25), paging.PagingSize)
	assert.Equal(t, []byte("cookie"), paging.Cookie)
}

func TestLegacyPaging_CookieFromEitherShape(t *testing.T) {
	structured := goldap.NewControlPaging(10)
	structured.SetCookie([]byte("s"))

	tests := []struct {
		name     string
		controls []goldap.Control
		want     []byte
		ok       bool
	}{
		{"structured", []goldap.Control{structured}, []byte("s"), true},
		{"hand-encoded", []goldap.Control{&legacyPagingControl{cookie: []byte("h")}}, []byte("h"), true},
		{"absent", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cookie, ok := LegacyPaging{}.Cookie(tt.controls)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, cookie)
			}
		})
	}
}

func TestStandardPaging_CookieAbsent(t *testing.T) {
	_, ok := StandardPaging{}.Cookie(nil)
	assert.False(t, ok)
}
