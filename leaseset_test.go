package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeaseExpired(t *testing.T) {
	now := int64(1_000_000)
	l := Lease{EndDate: now + 1000}
	assert.False(t, l.Expired(now))
	assert.True(t, l.Expired(now+1000))
	assert.True(t, l.Expired(now+2000))
}

func TestLeaseSetNonExpiredLeases(t *testing.T) {
	now := int64(1_000_000)
	ls := &LeaseSet{
		Owner: IdentHash{1},
		Leases: []Lease{
			{TunnelID: 1, EndDate: now - 1},
			{TunnelID: 2, EndDate: now + 1000},
			{TunnelID: 3, EndDate: now + 5000},
		},
	}

	live := ls.NonExpiredLeases(now)
	require := make(map[uint32]bool)
	for _, l := range live {
		require[l.TunnelID] = true
	}
	assert.Len(t, live, 2)
	assert.True(t, require[2])
	assert.True(t, require[3])
	assert.False(t, require[1])
}

func TestLeaseSetIdentHash(t *testing.T) {
	owner := IdentHash{9, 9, 9}
	ls := &LeaseSet{Owner: owner}
	assert.Equal(t, owner, ls.IdentHash())
}
