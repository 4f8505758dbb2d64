package ldap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetectAD(t *testing.T) {
	tests := []struct {
		name      string
		loginAttr string
		filters   []string
		want      bool
	}{
		{"login attribute", "sAMAccountName", []string{"(uid=%s)"}, true},
		{"user filter", "uid", []string{"(&(sAMAccountName=%s)(objectClass=user))"}, true},
		{"search filter", "uid", []string{"(uid=%s)", "(&(sAMAccountName=*)(objectClass=user))"}, true},
		{"posix directory", "uid", []string{"(&(uid=%s)(objectClass=posixAccount))"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectAD(tt.loginAttr, tt.filters...))
		})
	}
}

func TestMacroExpander_NoTokenUnchanged(t *testing.T) {
	m := &MacroExpander{AD: true}
	filter := "(&(uid=%s)(objectClass=person))"
	assert.Equal(t, filter, m.Expand(filter))
}

func TestMacroExpander_UnixTimestamp(t *testing.T) {
	m := &MacroExpander{
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}

	got := m.Expand("(&(objectClass=user)(shadowExpire>=%(now)s))")
	assert.Equal(t, "(&(objectClass=user)(shadowExpire>=1700000000))", got)
}

func TestMacroExpander_ADTimestamp(t *testing.T) {
	m := &MacroExpander{
		AD:  true,
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}

	// 1700000000*1e7 + 116444736000000000 + 864000000000
	got := m.Expand("(accountExpires>=%(now)s)")
	assert.Equal(t, "(accountExpires>=133445600000000000)", got)
}

func TestMacroExpander_ReplacesEveryOccurrence(t *testing.T) {
	m := &MacroExpander{
		Now: func() time.Time { return time.Unix(42, 0) },
	}

	got := m.Expand("(|(a>=%(now)s)(b>=%(now)s))")
	assert.Equal(t, "(|(a>=42)(b>=42))", got)
}
