package admin_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	. "github.com/AnotherlandServer/anotherland-sub012/internal/testsupport"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/admin"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/client"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/listener"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*listener.Listener, string) {
	t.Helper()
	l, err := listener.New(RandomLocalhostAddrPort(), listener.WithMaxConnections(8))
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	srv, err := admin.New(l, netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return l, "http://" + srv.Addr().String()
}

func TestStatusAndConnections(t *testing.T) {
	l, base := setup(t)

	st, err := admin.Status(t.Context(), base)
	require.NoError(t, err)
	require.True(t, st.Listening)
	require.Equal(t, 8, st.MaxConnections)
	require.Equal(t, l.Guid().String(), st.Guid)
	require.Zero(t, st.Connections)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	cli, err := client.Dial(ctx, l.Addr())
	require.NoError(t, err)
	defer cli.Close()
	_, err = l.Accept(ctx)
	require.NoError(t, err)

	conns, err := admin.Connections(t.Context(), base)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "Connected", conns[0].State)
	require.Equal(t, cli.LocalAddr().String(), conns[0].Address)

	st, err = admin.Status(t.Context(), base)
	require.NoError(t, err)
	require.Equal(t, 1, st.Established)
	require.NotZero(t, st.DatagramsIn)
}

func TestBans(t *testing.T) {
	l, base := setup(t)

	bi, err := admin.Ban(t.Context(), base, "203.0.113.9", 10*time.Minute, "testing")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", bi.IP)
	require.False(t, bi.Permanent)
	require.WithinDuration(t, time.Now().Add(10*time.Minute), bi.Until, time.Minute)

	bi, err = admin.Ban(t.Context(), base, "198.51.100.1", 0, "")
	require.NoError(t, err)
	require.True(t, bi.Permanent)

	require.True(t, l.Bans().IsBanned(netip.MustParseAddr("203.0.113.9")))
	bans, err := admin.Bans(t.Context(), base)
	require.NoError(t, err)
	require.Len(t, bans, 2)

	require.NoError(t, admin.Unban(t.Context(), base, "203.0.113.9"))
	require.False(t, l.Bans().IsBanned(netip.MustParseAddr("203.0.113.9")))

	// unbanning twice is a 404
	err = admin.Unban(t.Context(), base, "203.0.113.9")
	require.ErrorIs(t, err, admin.ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "404")

	_, err = admin.Ban(t.Context(), base, "not-an-ip", time.Minute, "")
	require.ErrorIs(t, err, admin.ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "400")
}
