package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/dsmeta/errors"
)

func TestServer_Roles(t *testing.T) {
	cfg := &Config{Roles: []string{RoleStorageNode}}
	require.True(t, cfg.hasRole(RoleStorageNode))
	require.False(t, cfg.hasRole(RoleMaster))

	// a lone storage node needs to know its master
	_, err := NewServer(context.Background(), cfg)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	_, err = NewServer(context.Background(), &Config{})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
}

func TestServer_Audited(t *testing.T) {
	for method, want := range map[string]bool{
		"/dsmeta.Node/WriteReplica":      true,
		"/dsmeta.Node/CopyReplica":       true,
		"/dsmeta.Node/DeleteReplica":     true,
		"/dsmeta.Node/StageRemove":       true,
		"/dsmeta.Node/UpdateReplicaMeta": true,
		"/dsmeta.Node/StatReplica":       false,
		"/dsmeta.Node/ReadReplica":       false,
		"/dsmeta.Node/ListReplicas":      false,
		"/dsmeta.Node/StatFs":            false,
	} {
		require.Equal(t, want, audited(method), method)
	}
}
