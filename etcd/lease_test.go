package etcd_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etcdgw/etcdgw/etcd"
)

func TestGrantRejectsBadTTL(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Grant(context.Background(), 0, 0)
	require.Error(t, err)
}

func TestLeaseLifecycle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	lease, err := c.Grant(ctx, 60, 0)
	require.NoError(t, err)
	assert.NotZero(t, lease.ID)
	assert.Equal(t, int64(60), lease.TTL)
	assert.False(t, lease.Expired())

	_, err = c.Put(ctx, []byte("ephemeral"), []byte("v"), &etcd.PutOptions{Lease: lease.ID})
	require.NoError(t, err)

	rem, err := lease.Remaining(ctx)
	require.NoError(t, err)
	assert.Positive(t, rem)
	assert.LessOrEqual(t, rem, int64(60))

	keys, err := lease.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("ephemeral"), keys[0])

	_, err = lease.Refresh(ctx)
	require.NoError(t, err)
}

func TestLeaseGrantWithExplicitID(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	lease, err := c.Grant(ctx, 30, 424242)
	require.NoError(t, err)
	assert.Equal(t, int64(424242), lease.ID)

	// Granting the same ID again fails at the store.
	_, err = c.Grant(ctx, 30, 424242)
	require.Error(t, err)
	var serr *etcd.StoreError
	require.ErrorAs(t, err, &serr)
}

func TestLeaseExpiryIsTerminal(t *testing.T) {
	c, gw := newTestClient(t)
	ctx := context.Background()

	lease, err := c.Grant(ctx, 60, 0)
	require.NoError(t, err)
	_, err = c.Put(ctx, []byte("doomed"), []byte("v"), &etcd.PutOptions{Lease: lease.ID})
	require.NoError(t, err)

	gw.ExpireLease(lease.ID)

	// First call after expiry observes it over the wire.
	_, err = lease.Remaining(ctx)
	require.ErrorIs(t, err, etcd.ErrLeaseExpired)
	assert.True(t, lease.Expired())

	// Every further call fails fast, no round trip needed.
	_, err = lease.Keys(ctx)
	require.ErrorIs(t, err, etcd.ErrLeaseExpired)
	_, err = lease.Refresh(ctx)
	require.ErrorIs(t, err, etcd.ErrLeaseExpired)
	_, err = lease.Revoke(ctx)
	require.ErrorIs(t, err, etcd.ErrLeaseExpired)

	// The attached key went with the lease.
	res, err := c.Get(ctx, mustKeySet(t, "doomed"), nil)
	require.NoError(t, err)
	assert.Empty(t, res.KVs)
}

func TestLeaseRevokeDeletesKeys(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	lease, err := c.Grant(ctx, 60, 0)
	require.NoError(t, err)
	_, err = c.Put(ctx, []byte("r/1"), []byte("v"), &etcd.PutOptions{Lease: lease.ID})
	require.NoError(t, err)
	_, err = c.Put(ctx, []byte("r/2"), []byte("v"), &etcd.PutOptions{Lease: lease.ID})
	require.NoError(t, err)

	header, err := lease.Revoke(ctx)
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.True(t, lease.Expired())

	res, err := c.Get(ctx, mustPrefix(t, "r/"), nil)
	require.NoError(t, err)
	assert.Empty(t, res.KVs)
}

func TestPutWithUnknownLeaseFails(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Put(context.Background(), []byte("k"), []byte("v"), &etcd.PutOptions{Lease: 999999})
	require.Error(t, err)
	var serr *etcd.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "lease not found")
}
