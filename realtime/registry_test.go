package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookupCount(t *testing.T) {
	r := NewRegistry()
	c1, c2, c3 := newTestConn(t, 1), newTestConn(t, 1), newTestConn(t, 1)

	require.NoError(t, r.Register("u1", c1))
	require.NoError(t, r.Register("u1", c2))
	require.NoError(t, r.Register("u2", c3))

	require.Equal(t, 2, r.Count("u1"))
	require.Equal(t, 1, r.Count("u2"))
	require.Equal(t, 0, r.Count("nobody"))
	require.Empty(t, r.Lookup("nobody"))
	require.ElementsMatch(t, []*Conn{c1, c2}, r.Lookup("u1"))
	require.Equal(t, []string{"u1", "u2"}, r.Identities())

	// Same pair twice is a no-op.
	require.NoError(t, r.Register("u1", c1))
	require.Equal(t, 2, r.Count("u1"))

	require.ErrorIs(t, r.Register("u2", c1), ErrAlreadyRegistered)
	require.ErrorIs(t, r.Register(" ", c1), ErrEmptyIdentity)
	require.Equal(t, 1, r.Count("u2"))
}

func TestRegistry_LookupReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newTestConn(t, 1), newTestConn(t, 1)
	require.NoError(t, r.Register("u1", c1))

	snap := r.Lookup("u1")
	require.NoError(t, r.Register("u1", c2))
	r.Unregister("u1", c1)

	require.Equal(t, []*Conn{c1}, snap)
	require.Equal(t, []*Conn{c2}, r.Lookup("u1"))
}

func TestRegistry_UnregisterDropsEmptySets(t *testing.T) {
	r := NewRegistry()
	c1 := newTestConn(t, 1)
	require.NoError(t, r.Register("u1", c1))

	// Unknown pairs are ignored.
	r.Unregister("u2", c1)
	r.Unregister("u1", newTestConn(t, 1))
	r.Unregister("u1", nil)
	require.Equal(t, 1, r.Count("u1"))

	r.Unregister("u1", c1)
	r.Unregister("u1", c1)
	require.Equal(t, 0, r.Count("u1"))
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.Identities())

	// Once unregistered, the conn may be registered under another identity.
	require.NoError(t, r.Register("u2", c1))
}

func TestRegistry_ClosedConnIsNeverIndexed(t *testing.T) {
	r := NewRegistry()
	c := newTestConn(t, 1)
	require.NoError(t, c.Authenticate("u1", nil))
	c.Close()

	require.ErrorIs(t, r.Register("u1", c), ErrConnClosed)
	r.Attach(c)
	require.ErrorIs(t, r.Join("lobby", c), ErrConnClosed)

	require.Empty(t, r.Lookup("u1"))
	require.Equal(t, 0, r.Count("u1"))
	require.Empty(t, r.Resolve(ToAll()))
	require.Empty(t, r.LookupRoom("lobby"))
	require.Equal(t, 0, r.Len())
}

func TestRegistry_RoomsAndDetach(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newTestConn(t, 1), newTestConn(t, 1)
	r.Attach(c1)
	r.Attach(c2)

	require.NoError(t, r.Join("lobby", c1))
	require.NoError(t, r.Join("lobby", c2))
	require.NoError(t, r.Join("ops", c1))
	require.ErrorIs(t, r.Join("  ", c1), ErrInvalidTarget)

	require.Equal(t, []string{"lobby", "ops"}, r.Rooms(c1))
	require.ElementsMatch(t, []*Conn{c1, c2}, r.LookupRoom("lobby"))

	r.Leave("lobby", c2)
	require.Equal(t, []*Conn{c1}, r.LookupRoom("lobby"))
	require.Empty(t, r.Rooms(c2))

	r.Detach(c1)
	require.Empty(t, r.LookupRoom("lobby"))
	require.Empty(t, r.LookupRoom("ops"))
	require.Empty(t, r.Rooms(c1))
	require.Equal(t, []*Conn{c2}, r.Resolve(ToAll()))

	c2.Close()
	require.ErrorIs(t, r.Join("lobby", c2), ErrConnClosed)
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	authed, anon := newTestConn(t, 1), newTestConn(t, 1)
	r.Attach(authed)
	r.Attach(anon)
	require.NoError(t, r.Register("u1", authed))
	require.NoError(t, r.Join("lobby", anon))

	require.Equal(t, []*Conn{authed}, r.Resolve(ToUser("u1")))
	require.Equal(t, []*Conn{anon}, r.Resolve(ToRoom("lobby")))
	require.Equal(t, []*Conn{authed}, r.Resolve(ToAuthenticated()))
	require.ElementsMatch(t, []*Conn{authed, anon}, r.Resolve(ToAll()))
	require.Empty(t, r.Resolve(Target{Kind: "bogus"}))
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			identity := fmt.Sprintf("u%d", w%4)
			for i := 0; i < perWorker; i++ {
				c := NewConn(fmt.Sprintf("c-%d-%d", w, i), time.Time{}, 1)
				if err := r.Register(identity, c); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				_ = r.Lookup(identity)
				_ = r.Resolve(ToAuthenticated())
				r.Unregister(identity, c)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 0, r.Len())
	for w := 0; w < 4; w++ {
		require.Equal(t, 0, r.Count(fmt.Sprintf("u%d", w)))
	}
}
