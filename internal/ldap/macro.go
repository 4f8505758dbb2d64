package ldap

import (
	"strconv"
	"strings"
	"time"
)

// Macro token accepted in search filters.
const macroNow = "%(now)s"

const (
	// ticksPerSecond is the Active Directory timestamp resolution
	// (100ns ticks).
	ticksPerSecond = 10_000_000

	// epochOffsetTicks shifts the Unix epoch to the directory epoch
	// (1601-01-01).
	epochOffsetTicks = 116_444_736_000_000_000

	// expiryGraceTicks adds one day: account-expiry timestamps count
	// from 31/12/1601, not 01/01/1601. Applied unconditionally since
	// the token is only used for expiry comparisons.
	expiryGraceTicks = 864_000_000_000
)

// adMarkerAttribute is the attribute whose presence in the login attribute
// or either filter marks the directory as Active Directory.
const adMarkerAttribute = "sAMAccountName"

// DetectAD reports whether the configured attribute names look like an
// Active Directory deployment.
func DetectAD(loginAttr string, filters ...string) bool {
	if strings.Contains(loginAttr, adMarkerAttribute) {
		return true
	}
	for _, f := range filters {
		if strings.Contains(f, adMarkerAttribute) {
			return true
		}
	}
	return false
}

// MacroExpander substitutes runtime tokens into configured search filters.
// The zero value targets a non-AD directory and uses the wall clock.
type MacroExpander struct {
	// AD selects the Active Directory interval-timestamp rendering of
	// the now token; otherwise plain Unix seconds are substituted.
	AD bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Expand replaces every macro token in filter. Filters without tokens are
// returned unchanged.
func (m *MacroExpander) Expand(filter string) string {
	if !strings.Contains(filter, macroNow) {
		return filter
	}
	return strings.ReplaceAll(filter, macroNow, m.nowTimestamp())
}

// nowTimestamp renders the current time for filter comparison: AD interval
// ticks since 1601 plus the expiry grace day, or Unix seconds elsewhere.
func (m *MacroExpander) nowTimestamp() string {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	unix := now().Unix()
	if !m.AD {
		return strconv.FormatInt(unix, 10)
	}
	ticks := unix*ticksPerSecond + epochOffsetTicks + expiryGraceTicks
	return strconv.FormatInt(ticks, 10)
}
