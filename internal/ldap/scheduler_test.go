package ldap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectAttempts(s *Scheduler) []Attempt {
	var out []Attempt
	for it := s.Attempts(); ; {
		attempt, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, attempt)
	}
}

func TestScheduler_FullProduct(t *testing.T) {
	addresses := []string{"ldap://a", "ldap://b", "ldap://c"}
	s := NewScheduler(addresses, 2, NewBlockList(), nil)

	attempts := collectAttempts(s)
	require.Len(t, attempts, 6)

	assert.Equal(t, Attempt{Round: 1, Address: "ldap://a"}, attempts[0])
	assert.Equal(t, Attempt{Round: 1, Address: "ldap://c"}, attempts[2])
	assert.Equal(t, Attempt{Round: 2, Address: "ldap://a"}, attempts[3])
	assert.Equal(t, Attempt{Round: 2, Address: "ldap://c"}, attempts[5])
}

func TestScheduler_BlockedAddressSkippedNextRound(t *testing.T) {
	blocks := NewBlockList()
	s := NewScheduler([]string{"ldap://a", "ldap://b"}, 2, blocks, nil)

	it := s.Attempts()

	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "ldap://a", first.Address)

	// a fails; b succeeds conceptually, but keep iterating to observe
	// that round 2 omits a.
	s.Block("ldap://a")

	var rest []Attempt
	for {
		attempt, ok := it.Next()
		if !ok {
			break
		}
		rest = append(rest, attempt)
	}

	require.Len(t, rest, 2)
	assert.Equal(t, Attempt{Round: 1, Address: "ldap://b"}, rest[0])
	assert.Equal(t, Attempt{Round: 2, Address: "ldap://b"}, rest[1])
}

func TestScheduler_BlockExpiry(t *testing.T) {
	now := time.Now()
	blocks := NewBlockList()
	blocks.now = func() time.Time { return now }

	blocks.Block("ldap://a", 30*time.Second)
	assert.True(t, blocks.Blocked("ldap://a"))
	assert.Equal(t, 1, blocks.Failures("ldap://a"))

	now = now.Add(29 * time.Second)
	assert.True(t, blocks.Blocked("ldap://a"))

	now = now.Add(2 * time.Second)
	assert.False(t, blocks.Blocked("ldap://a"))

	// failure count survives expiry
	assert.Equal(t, 1, blocks.Failures("ldap://a"))
}

func TestScheduler_AllBlockedYieldsEverything(t *testing.T) {
	blocks := NewBlockList()
	addresses := []string{"ldap://a", "ldap://b"}
	s := NewScheduler(addresses, 1, blocks, nil)

	for _, addr := range addresses {
		s.Block(addr)
	}

	attempts := collectAttempts(s)
	require.Len(t, attempts, 2)
	assert.Equal(t, "ldap://a", attempts[0].Address)
	assert.Equal(t, "ldap://b", attempts[1].Address)
}

func TestScheduler_SharedBlockListAcrossSchedulers(t *testing.T) {
	blocks := NewBlockList()

	first := NewScheduler([]string{"ldap://a", "ldap://b"}, 1, blocks, nil)
	first.Block("ldap://a")

	second := NewScheduler([]string{"ldap://a", "ldap://b"}, 1, blocks, nil)
	attempts := collectAttempts(second)

	require.Len(t, attempts, 1)
	assert.Equal(t, "ldap://b", attempts[0].Address)
}

func TestScheduler_TriesFloor(t *testing.T) {
	s := NewScheduler([]string{"ldap://a"}, 0, NewBlockList(), nil)
	assert.Len(t, collectAttempts(s), 1)
}

func TestScheduler_NoAddresses(t *testing.T) {
	s := NewScheduler(nil, 2, NewBlockList(), nil)
	assert.Empty(t, collectAttempts(s))
}
