package ldap

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Identifier scheme names, matched case-insensitively against the
// configured identifier attribute.
const (
	IdentifierDN   = "dn"
	IdentifierGUID = "objectguid"
)

// Attribute names with type-aware normalization.
const (
	attrObjectSID  = "objectsid"
	attrObjectGUID = "objectguid"
)

// GUIDCodec converts the raw 16-byte directory GUID value into its stable
// string form.
type GUIDCodec interface {
	String(raw []byte) string
}

// LegacyGUIDCodec renders the GUID as the plain hex of the raw bytes, in
// storage order. This does NOT apply the mixed-endian byte reorder the
// directory's own tools display, but it is the historical on-disk form of
// existing identifier mappings, so it stays the default: changing the
// codec changes every stored identifier.
type LegacyGUIDCodec struct{}

func (LegacyGUIDCodec) String(raw []byte) string {
	return fmt.Sprintf("%x", raw)
}

// NativeGUIDCodec renders the GUID the way directory tooling displays it:
// the first three groups are byte-swapped from the stored little-endian
// layout before formatting as a UUID.
type NativeGUIDCodec struct{}

func (NativeGUIDCodec) String(raw []byte) string {
	if len(raw) != 16 {
		return fmt.Sprintf("%x", raw)
	}
	ordered := []byte{
		raw[3], raw[2], raw[1], raw[0],
		raw[5], raw[4],
		raw[7], raw[6],
		raw[8], raw[9], raw[10], raw[11], raw[12], raw[13], raw[14], raw[15],
	}
	id, err := uuid.FromBytes(ordered)
	if err != nil {
		return fmt.Sprintf("%x", raw)
	}
	return id.String()
}

// Mapper turns raw directory entries into stable identifiers and normalized
// attribute maps according to one resolver configuration.
type Mapper struct {
	// IdentifierAttr selects the identifier scheme: the literal "dn",
	// the literal "objectGUID", or any other attribute name taken
	// verbatim from the entry. Matching is case-insensitive.
	IdentifierAttr string

	// GUIDs renders binary GUID values. Defaults to LegacyGUIDCodec.
	GUIDs GUIDCodec

	// Log receives warnings about undecodable attribute values.
	Log hclog.Logger
}

func (m *Mapper) guids() GUIDCodec {
	if m.GUIDs == nil {
		return LegacyGUIDCodec{}
	}
	return m.GUIDs
}

func (m *Mapper) log() hclog.Logger {
	if m.Log == nil {
		return hclog.NewNullLogger()
	}
	return m.Log
}

// UsesDN reports whether the identifier scheme is the entry DN.
func (m *Mapper) UsesDN() bool {
	return strings.EqualFold(m.IdentifierAttr, IdentifierDN)
}

// UsesGUID reports whether the identifier scheme is the binary GUID.
func (m *Mapper) UsesGUID() bool {
	return strings.EqualFold(m.IdentifierAttr, IdentifierGUID)
}

// ExtractIdentifier derives the stable identifier from one entry. A record
// that lacks the configured identifier attribute yields
// ErrIdentifierNotFound.
func (m *Mapper) ExtractIdentifier(entry *ldap.Entry) (string, error) {
	switch {
	case m.UsesDN():
		if entry.DN == "" {
			return "", ErrIdentifierNotFound
		}
		return entry.DN, nil

	case m.UsesGUID():
		raw := entry.GetRawAttributeValue("objectGUID")
		if len(raw) == 0 {
			return "", ErrIdentifierNotFound
		}
		return m.guids().String(raw), nil

	default:
		for _, attr := range entry.Attributes {
			if !strings.EqualFold(attr.Name, m.IdentifierAttr) {
				continue
			}
			if len(attr.Values) == 0 || attr.Values[0] == "" {
				return "", ErrIdentifierNotFound
			}
			return attr.Values[0], nil
		}
		return "", ErrIdentifierNotFound
	}
}

// Normalize flattens an entry's attributes to single string values:
// the first value of each attribute, with binary security identifiers and
// GUIDs rendered in their string forms. Values that are neither known
// binary types nor valid UTF-8 are hex-encoded with a warning rather than
// dropped.
func (m *Mapper) Normalize(entry *ldap.Entry) map[string]string {
	out := make(map[string]string, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		if len(attr.ByteValues) == 0 {
			out[attr.Name] = ""
			continue
		}
		out[attr.Name] = m.normalizeValue(attr.Name, attr.ByteValues[0])
	}
	return out
}

func (m *Mapper) normalizeValue(name string, raw []byte) string {
	switch strings.ToLower(name) {
	case attrObjectSID:
		if sid, ok := decodeSID(raw); ok {
			return sid
		}
		m.log().Warn("attribute value is not a valid security identifier, hex-encoding",
			"attribute", name, "bytes", len(raw))
		return fmt.Sprintf("%x", raw)
	case attrObjectGUID:
		return m.guids().String(raw)
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	m.log().Warn("attribute value is not valid UTF-8, hex-encoding",
		"attribute", name, "bytes", len(raw))
	return fmt.Sprintf("%x", raw)
}

// decodeSID renders a binary security identifier. ok is false for values
// whose length does not carry the 8-byte header plus the declared
// sub-authority count; a misbehaving directory must not be able to crash
// normalization with a truncated value.
func decodeSID(raw []byte) (string, bool) {
	if len(raw) < 8 || len(raw) != 8+4*int(raw[1]) {
		return "", false
	}
	return objectsid.Decode(raw).String(), true
}

// RawAttributes preserves every value of every attribute as returned by the
// directory, decoding only the known binary types.
func (m *Mapper) RawAttributes(entry *ldap.Entry) map[string][]string {
	out := make(map[string][]string, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		values := make([]string, 0, len(attr.ByteValues))
		for _, raw := range attr.ByteValues {
			values = append(values, m.normalizeValue(attr.Name, raw))
		}
		out[attr.Name] = values
	}
	return out
}
