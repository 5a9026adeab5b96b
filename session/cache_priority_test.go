package session

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/trxbook/common"
	"github.com/stretchr/testify/require"
)

type fakeDatabases struct {
	mu         sync.Mutex
	priorities map[common.DBID]common.CachePriority
}

func newFakeDatabases() *fakeDatabases {
	return &fakeDatabases{priorities: make(map[common.DBID]common.CachePriority)}
}

func (d *fakeDatabases) DatabaseCachePriority(dbid common.DBID) common.CachePriority {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.priorities[dbid]; ok {
		return p
	}
	return common.CachePriorityUnassigned
}

func (d *fakeDatabases) set(dbid common.DBID, p common.CachePriority) {
	d.mu.Lock()
	d.priorities[dbid] = p
	d.mu.Unlock()
}

func rawPriority(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func TestResolveCachePriority_Precedence(t *testing.T) {
	t.Parallel()

	u := common.CachePriorityUnassigned
	tests := []struct {
		name     string
		session  common.CachePriority
		database common.CachePriority
		instance common.CachePriority
		want     common.CachePriority
	}{
		{name: "instance default", session: u, database: u, instance: 20, want: 20},
		{name: "database only", session: u, database: 40, instance: 10, want: 40},
		{name: "session only", session: 30, database: u, instance: 10, want: 30},
		{name: "session below database", session: 30, database: 40, instance: 10, want: 30},
		{name: "database below session", session: 70, database: 40, instance: 10, want: 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ResolveCachePriority(tt.session, tt.database, tt.instance))
		})
	}
}

func TestSession_CachePriorityResolution(t *testing.T) {
	t.Parallel()

	dbs := newFakeDatabases()
	dbs.set(1, 40)
	r := newTestRegistry(t, DefaultOptions(), Dependencies{
		Databases: dbs,
		Instance:  StaticInstancePriority(20),
	})
	h, err := r.CreateSession(common.ProcIDNil)
	require.NoError(t, err)

	// Resolved at creation
	p, err := r.ResolvedCachePriority(h, 1)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(40), p)
	p, err = r.ResolvedCachePriority(h, 0)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(20), p)

	require.NoError(t, r.SetCachePriority(h, rawPriority(30)))
	p, err = r.ResolvedCachePriority(h, 1)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(30), p)
	p, err = r.ResolvedCachePriority(h, 0)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(30), p)

	s, err := r.Session(h)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(30), s.EffectiveCachePriority())
}

func TestSession_SetCachePriorityValidation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, DefaultOptions(), Dependencies{Instance: StaticInstancePriority(20)})
	h, err := r.CreateSession(common.ProcIDNil)
	require.NoError(t, err)

	require.True(t, errors.Is(r.SetCachePriority(h, []byte{1, 2}), ErrInvalidBufferSize))
	require.True(t, errors.Is(r.SetCachePriority(h, make([]byte, 8)), ErrInvalidBufferSize))
	require.True(t, errors.Is(r.SetCachePriority(h, rawPriority(1001)), ErrInvalidParameter))

	s, err := r.Session(h)
	require.NoError(t, err)
	require.False(t, s.CachePriority().IsAssigned(), "rejected values leave the override unset")
	require.Equal(t, common.CachePriority(20), s.EffectiveCachePriority())

	require.NoError(t, r.SetCachePriority(h, rawPriority(1000)))
	require.NoError(t, r.SetCachePriority(h, rawPriority(0)))
	require.Equal(t, common.CachePriority(0), s.CachePriority())

	_, err = r.ResolvedCachePriority(h, common.DBID(DefaultMaxDatabases))
	require.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestRegistry_ResolveCachePriorityForDB(t *testing.T) {
	t.Parallel()

	dbs := newFakeDatabases()
	r := newTestRegistry(t, DefaultOptions(), Dependencies{
		Databases: dbs,
		Instance:  StaticInstancePriority(20),
	})
	h1, err := r.CreateSession(common.ProcIDNil)
	require.NoError(t, err)
	h2, err := r.CreateSession(common.ProcIDNil)
	require.NoError(t, err)
	require.NoError(t, r.SetCachePriority(h2, rawPriority(50)))

	// Database attached after the sessions were created
	dbs.set(3, 60)
	p, err := r.ResolvedCachePriority(h1, 3)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(20), p, "cached until re-resolved")

	r.ResolveCachePriorityForDB(3)

	p, err = r.ResolvedCachePriority(h1, 3)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(60), p)
	p, err = r.ResolvedCachePriority(h2, 3)
	require.NoError(t, err)
	require.Equal(t, common.CachePriority(50), p)
}

func TestSession_ResolvedNeverUnassigned(t *testing.T) {
	t.Parallel()

	dbs := newFakeDatabases()
	dbs.set(2, 0)
	r := newTestRegistry(t, DefaultOptions(), Dependencies{Databases: dbs})
	h, err := r.CreateSession(common.ProcIDNil)
	require.NoError(t, err)

	for dbid := 0; dbid < DefaultMaxDatabases; dbid++ {
		p, err := r.ResolvedCachePriority(h, common.DBID(dbid))
		require.NoError(t, err)
		require.True(t, p.IsValid(), "slot %d resolved to %d", dbid, p)
	}
}
