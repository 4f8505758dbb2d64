package ldap

import (
	"fmt"
	"sync"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// ControlTypePaging is the simple paged results control OID (RFC 2696).
const ControlTypePaging = "1.2.840.113556.1.4.319"

// PagingCodec builds the paged-results request control for one page and
// extracts the continuation cookie from a response's control set. Two
// encodings exist in the wild; see StandardPaging and LegacyPaging.
type PagingCodec interface {
	// Request returns the control announcing a page of at most size
	// entries, continuing from cookie (empty for the first page).
	Request(size uint32, cookie []byte) ldap.Control

	// Cookie extracts the continuation cookie from the response controls.
	// ok is false when the server echoed no paged-results control at all,
	// which means it does not support paging.
	Cookie(controls []ldap.Control) (cookie []byte, ok bool)

	// Name identifies the codec in logs.
	Name() string
}

// StandardPaging delegates to the protocol library's own control type.
type StandardPaging struct{}

func (StandardPaging) Name() string { return "standard" }

func (StandardPaging) Request(size uint32, cookie []byte) ldap.Control {
	ctrl := ldap.NewControlPaging(size)
	if len(cookie) > 0 {
		ctrl.SetCookie(cookie)
	}
	return ctrl
}

func (StandardPaging) Cookie(controls []ldap.Control) ([]byte, bool) {
	ctrl := ldap.FindControl(controls, ControlTypePaging)
	if ctrl == nil {
		return nil, false
	}
	paging, ok := ctrl.(*ldap.ControlPaging)
	if !ok {
		return nil, false
	}
	return paging.Cookie, true
}

// LegacyPaging hand-assembles the RFC 2696 control value with the BER
// library, matching servers and middleboxes that only accept the older
// tuple layout. Responses may still be auto-decoded into the library's
// structured control, so cookie extraction handles both shapes.
type LegacyPaging struct{}

func (LegacyPaging) Name() string { return "legacy" }

func (LegacyPaging) Request(size uint32, cookie []byte) ldap.Control {
	return &legacyPagingControl{size: size, cookie: cookie}
}

func (LegacyPaging) Cookie(controls []ldap.Control) ([]byte, bool) {
	ctrl := ldap.FindControl(controls, ControlTypePaging)
	if ctrl == nil {
		return nil, false
	}
	switch c := ctrl.(type) {
	case *ldap.ControlPaging:
		return c.Cookie, true
	case *legacyPagingControl:
		return c.cookie, true
	case *ldap.ControlString:
		return []byte(c.ControlValue), true
	}
	return nil, false
}

// legacyPagingControl carries a hand-encoded paged-results control value.
type legacyPagingControl struct {
	size   uint32
	cookie []byte
}

func (c *legacyPagingControl) GetControlType() string { return ControlTypePaging }

func (c *legacyPagingControl) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString,
		ControlTypePaging, "Control Type"))

	value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Search Control Value")
	value.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger,
		int64(c.size), "Paging Size"))
	cookie := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Cookie")
	cookie.Value = c.cookie
	cookie.Data.Write(c.cookie)
	value.AppendChild(cookie)

	wrapped := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value")
	wrapped.AppendChild(value)
	packet.AppendChild(wrapped)
	return packet
}

func (c *legacyPagingControl) String() string {
	return fmt.Sprintf("Paged Results Control (legacy encoding)  Size: %d  Cookie: %q", c.size, c.cookie)
}

// detectCodec probes, once per process, whether the protocol library
// round-trips its own structured control cleanly. When the probe fails the
// legacy hand-encoded layout is used instead.
var detectCodec = sync.OnceValue(func() PagingCodec {
	probe := ldap.NewControlPaging(4)
	probe.SetCookie([]byte{0x01, 0x02})

	decoded, err := ldap.DecodeControl(probe.Encode())
	if err != nil {
		return LegacyPaging{}
	}
	back, ok := decoded.(*ldap.ControlPaging)
	if !ok || back.PagingSize != 4 || len(back.Cookie) != 2 {
		return LegacyPaging{}
	}
	return StandardPaging{}
})

// DetectPagingCodec returns the paging codec for this process. The probe
// runs once; every search shares the outcome.
func DetectPagingCodec() PagingCodec {
	return detectCodec()
}

// pageSizeFor derives the per-page entry count from the overall size limit.
// The limit is split over several round trips so a single response stays
// well under server-side transfer limits.
func pageSizeFor(sizeLimit int) uint32 {
	size := sizeLimit / 4
	if size < 1 {
		size = 1
	}
	return uint32(size)
}

// Searcher is the slice of a session the paging engine needs.
type Searcher interface {
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
}

// PageIterator walks a paged search lazily, one entry at a time. Pages are
// fetched on demand; the configured size limit is exact, with the final
// page truncated client-side rather than overshooting. The iterator owns
// its session: Close releases it.
type PageIterator struct {
	session Searcher
	req     *ldap.SearchRequest
	codec   PagingCodec
	log     hclog.Logger

	sizeLimit int
	pageSize  uint32
	cookie    []byte
	buf       []*ldap.Entry
	page      int
	seen      int
	done      bool
	err       error
	closeFn   func()
}

// NewPageIterator starts a paged search on session. req's Controls field is
// managed by the iterator and must be left unset. closeFn, if non-nil, is
// invoked exactly once by Close.
func NewPageIterator(session Searcher, req *ldap.SearchRequest, codec PagingCodec,
	sizeLimit int, log hclog.Logger, closeFn func()) *PageIterator {
	if codec == nil {
		codec = DetectPagingCodec()
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &PageIterator{
		session:   session,
		req:       req,
		codec:     codec,
		log:       log,
		sizeLimit: sizeLimit,
		pageSize:  pageSizeFor(sizeLimit),
		closeFn:   closeFn,
	}
}

// Next yields the next entry, fetching further pages as needed. ok=false
// marks exhaustion; check Err afterwards. Any response that does not echo
// the paging control surfaces ErrPagingUnsupported.
func (it *PageIterator) Next() (*ldap.Entry, bool) {
	for {
		if it.err != nil {
			return nil, false
		}
		if it.sizeLimit > 0 && it.seen >= it.sizeLimit {
			if !it.done {
				it.log.Debug("paged search truncated at size limit",
					"limit", it.sizeLimit, "pages", it.page)
			}
			return nil, false
		}
		if len(it.buf) > 0 {
			entry := it.buf[0]
			it.buf = it.buf[1:]
			it.seen++
			return entry, true
		}
		if it.done {
			return nil, false
		}
		it.fetch()
	}
}

// Err returns the first error encountered, if any.
func (it *PageIterator) Err() error { return it.err }

// Close releases the iterator's session. Safe to call more than once.
func (it *PageIterator) Close() {
	it.done = true
	it.buf = nil
	if it.closeFn != nil {
		it.closeFn()
		it.closeFn = nil
	}
}

// fetch retrieves one page into the buffer.
func (it *PageIterator) fetch() {
	it.req.Controls = []ldap.Control{it.codec.Request(it.pageSize, it.cookie)}
	it.page++

	result, err := it.session.Search(it.req)
	if err != nil && !IsSizeLimitExceeded(err) {
		it.err = err
		it.done = true
		return
	}
	if result == nil {
		it.done = true
		return
	}
	it.buf = result.Entries

	next, ok := it.codec.Cookie(result.Controls)
	switch {
	case !ok:
		// every response must echo the control; a server that stops
		// doing so mid-stream would otherwise truncate the result set
		// silently
		it.err = ErrPagingUnsupported
		it.done = true
		it.buf = nil
	case len(next) == 0:
		it.done = true
	default:
		it.cookie = next
	}
}
