package route

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dsmeta/common/kvstore"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/store"
	"github.com/cubefs/dsmeta/util"
)

var ctx = context.Background()

func newStore(t *testing.T) *store.Store {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	st, err := store.NewStore(ctx, &store.Config{Path: dir, KVOption: kvstore.Option{InMemory: true}})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("mgm1:1094")
	require.NoError(t, err)
	require.Equal(t, Endpoint{Host: "mgm1", Port: 1094}, ep)
	require.Equal(t, "mgm1:1094", ep.String())

	ep, err = ParseEndpoint("mgm2:1094:8000")
	require.NoError(t, err)
	require.Equal(t, 8000, ep.HttpPort)
	require.Equal(t, "mgm2:1094:8000", ep.String())

	for _, s := range []string{"mgm", ":1094", "mgm:x", "mgm:0", "mgm:1:2:3", "mgm:70000"} {
		_, err = ParseEndpoint(s)
		require.ErrorIs(t, err, apierrors.ErrInvalidArgument, s)
	}
}

func TestTable(t *testing.T) {
	st := newStore(t)
	tbl := NewTable(st)
	a := Endpoint{Host: "a", Port: 1}
	b := Endpoint{Host: "b", Port: 2}

	require.ErrorIs(t, tbl.Link(ctx, "rel/path", a), apierrors.ErrInvalidArgument)
	require.ErrorIs(t, tbl.Link(ctx, "/eos"), apierrors.ErrInvalidArgument)
	require.NoError(t, tbl.Link(ctx, "/eos/user", a))
	require.NoError(t, tbl.Link(ctx, "/eos/user/", a, b))
	require.NoError(t, tbl.Link(ctx, "/eos//project/./x", b))

	routes, err := tbl.List("")
	require.NoError(t, err)
	require.Equal(t, []Route{
		{Path: "/eos/project/x/", Endpoints: []Endpoint{b}},
		{Path: "/eos/user/", Endpoints: []Endpoint{a, b}},
	}, routes)

	r, ok := tbl.Lookup("/eos/user/alice/file")
	require.True(t, ok)
	require.Equal(t, "/eos/user/", r.Path)
	r, ok = tbl.Lookup("/eos/user")
	require.True(t, ok)
	require.Equal(t, "/eos/user/", r.Path)
	_, ok = tbl.Lookup("/eos/project")
	require.False(t, ok)
	_, ok = tbl.Lookup("relative")
	require.False(t, ok)

	// survives a reload
	reloaded := NewTable(st)
	require.NoError(t, reloaded.Load(ctx))
	routes2, err := reloaded.List("")
	require.NoError(t, err)
	require.Equal(t, routes, routes2)

	require.NoError(t, tbl.Unlink(ctx, "/eos/user", a))
	routes, err = tbl.List("/eos/user")
	require.NoError(t, err)
	require.Equal(t, []Endpoint{b}, routes[0].Endpoints)
	require.NoError(t, tbl.Unlink(ctx, "/eos/user"))
	_, err = tbl.List("/eos/user")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	require.ErrorIs(t, tbl.Unlink(ctx, "/eos/user"), apierrors.ErrNotFound)

	// a root route catches everything else
	require.NoError(t, tbl.Link(ctx, "/", a))
	r, ok = tbl.Lookup("/eos/user/alice")
	require.True(t, ok)
	require.Equal(t, "/", r.Path)

	reloaded = NewTable(st)
	require.NoError(t, reloaded.Load(ctx))
	routes, err = reloaded.List("")
	require.NoError(t, err)
	require.Len(t, routes, 2)
}
