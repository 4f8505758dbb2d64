package ldap

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultBlockDelay is how long a directory endpoint stays on the block-list
// after a failed connection attempt.
const DefaultBlockDelay = 30 * time.Second

// blockEntry records the transient failure state of one endpoint address.
type blockEntry struct {
	blockedUntil time.Time
	failures     int
}

// BlockList tracks transiently failed endpoint addresses. One BlockList is
// shared by every resolver instance in the process so that a server found
// dead by one request is skipped by the next, regardless of which resolver
// configuration issued it.
type BlockList struct {
	mu      sync.Mutex
	entries map[string]blockEntry
	now     func() time.Time
}

// NewBlockList creates an empty block-list.
func NewBlockList() *BlockList {
	return &BlockList{
		entries: make(map[string]blockEntry),
		now:     time.Now,
	}
}

// Block marks an address as unusable until now+delay and bumps its failure count.
func (b *BlockList) Block(address string, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[address]
	entry.blockedUntil = b.now().Add(delay)
	entry.failures++
	b.entries[address] = entry
}

// Blocked reports whether the address is currently on the block-list.
func (b *BlockList) Blocked(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[address]
	return ok && b.now().Before(entry.blockedUntil)
}

// Failures returns the cumulative failure count recorded for an address.
func (b *BlockList) Failures(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.entries[address].failures
}

// Scheduler produces the ordered sequence of endpoint connection attempts
// for one operation: for each of `tries` rounds it yields every address
// whose block expiry has passed, in original configuration order. The
// block-list is a constructor dependency, not package state, so tests can
// substitute their own.
type Scheduler struct {
	addresses  []string
	tries      int
	blockDelay time.Duration
	blocks     *BlockList
	log        hclog.Logger
}

// NewScheduler creates a scheduler over the configured address list.
// tries values below 1 are treated as 1.
func NewScheduler(addresses []string, tries int, blocks *BlockList, log hclog.Logger) *Scheduler {
	if tries < 1 {
		tries = 1
	}
	if blocks == nil {
		blocks = NewBlockList()
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Scheduler{
		addresses:  addresses,
		tries:      tries,
		blockDelay: DefaultBlockDelay,
		blocks:     blocks,
		log:        log,
	}
}

// SetBlockDelay overrides the default block delay. Non-positive values are
// ignored.
func (s *Scheduler) SetBlockDelay(d time.Duration) {
	if d > 0 {
		s.blockDelay = d
	}
}

// Block reports a failed connection attempt for an address. The address is
// skipped by later rounds until the block delay passes.
func (s *Scheduler) Block(address string) {
	s.log.Debug("blocking endpoint after connection failure",
		"address", address, "delay", s.blockDelay, "failures", s.blocks.Failures(address)+1)
	s.blocks.Block(address, s.blockDelay)
}

// Attempt is one scheduled connection attempt.
type Attempt struct {
	Round   int
	Address string
}

// AttemptIter lazily walks the (round x address) attempt product. Block
// state is re-evaluated at the start of every round, so an address blocked
// during round N is skipped in round N+1.
type AttemptIter struct {
	sched   *Scheduler
	round   int
	pending []string
}

// Attempts starts a fresh iteration over the scheduled attempts.
func (s *Scheduler) Attempts() *AttemptIter {
	return &AttemptIter{sched: s}
}

// Next yields the next attempt, or ok=false once the full round x address
// product is exhausted.
func (it *AttemptIter) Next() (Attempt, bool) {
	for len(it.pending) == 0 {
		if it.round >= it.sched.tries {
			return Attempt{}, false
		}
		it.round++
		it.pending = it.sched.roundCandidates()
	}

	addr := it.pending[0]
	it.pending = it.pending[1:]
	return Attempt{Round: it.round, Address: addr}, true
}

// roundCandidates returns the addresses eligible for one round. When every
// address is blocked the full list is returned anyway: a temporary network
// partition must not starve the operation indefinitely.
func (s *Scheduler) roundCandidates() []string {
	candidates := make([]string, 0, len(s.addresses))
	for _, addr := range s.addresses {
		if !s.blocks.Blocked(addr) {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 && len(s.addresses) > 0 {
		s.log.Warn("all endpoints blocked, yielding full list anyway",
			"endpoints", len(s.addresses))
		candidates = append(candidates, s.addresses...)
	}
	return candidates
}
