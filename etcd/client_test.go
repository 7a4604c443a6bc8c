package etcd_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etcdgw/etcdgw/etcd"
	"github.com/etcdgw/etcdgw/etcd/etcdtest"
)

func newTestClient(t *testing.T) (*etcd.Client, *etcdtest.Gateway) {
	t.Helper()
	gw := etcdtest.New()
	t.Cleanup(gw.Close)
	c, err := etcd.NewClient(gw.ClientConfig())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, gw
}

func mustKeySet(t *testing.T, key string) etcd.KeySet {
	t.Helper()
	ks, err := etcd.NewKeySet([]byte(key))
	require.NoError(t, err)
	return ks
}

func mustPrefix(t *testing.T, prefix string) etcd.KeySet {
	t.Helper()
	ks, err := etcd.NewPrefixKeySet([]byte(prefix))
	require.NoError(t, err)
	return ks
}

func TestClientStatus(t *testing.T) {
	c, _ := newTestClient(t)
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.3.0", st.Version)
	require.NotNil(t, st.Header)
	assert.Positive(t, st.Header.Revision)
}

func TestClientPutGetDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	rev, err := c.Put(ctx, []byte("user/1"), []byte("alice"), nil)
	require.NoError(t, err)
	require.NotNil(t, rev.Header)

	res, err := c.Get(ctx, mustKeySet(t, "user/1"), nil)
	require.NoError(t, err)
	require.Len(t, res.KVs, 1)
	assert.Equal(t, []byte("alice"), res.KVs[0].Value)
	assert.Equal(t, int64(1), res.KVs[0].Version)
	assert.Equal(t, res.KVs[0].CreateRevision, res.KVs[0].ModRevision)

	del, err := c.Delete(ctx, mustKeySet(t, "user/1"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.Deleted)

	res, err = c.Get(ctx, mustKeySet(t, "user/1"), nil)
	require.NoError(t, err)
	assert.Empty(t, res.KVs)
	assert.Zero(t, res.Count)
}

func TestClientPutReturnsPrevKV(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Put(ctx, []byte("k"), []byte("v1"), nil)
	require.NoError(t, err)

	rev, err := c.Put(ctx, []byte("k"), []byte("v2"), &etcd.PutOptions{PrevKV: true})
	require.NoError(t, err)
	require.NotNil(t, rev.Prev)
	assert.Equal(t, []byte("v1"), rev.Prev.Value)
}

func TestClientRevisionIncreasesPerPut(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		rev, err := c.Put(ctx, []byte("counter"), []byte{byte('0' + i)}, nil)
		require.NoError(t, err)
		assert.Greater(t, rev.Header.Revision, last)
		last = rev.Header.Revision
	}

	res, err := c.Get(ctx, mustKeySet(t, "counter"), nil)
	require.NoError(t, err)
	require.Len(t, res.KVs, 1)
	assert.Equal(t, int64(3), res.KVs[0].Version)
}

func TestClientPrefixGetIsSorted(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"p/c", "p/a", "p/b", "q/x"} {
		_, err := c.Put(ctx, []byte(k), []byte("v"), nil)
		require.NoError(t, err)
	}

	res, err := c.Get(ctx, mustPrefix(t, "p/"), nil)
	require.NoError(t, err)
	require.Len(t, res.KVs, 3)
	assert.Equal(t, []byte("p/a"), res.KVs[0].Key)
	assert.Equal(t, []byte("p/b"), res.KVs[1].Key)
	assert.Equal(t, []byte("p/c"), res.KVs[2].Key)
}

func TestClientGetCountOnly(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"n/1", "n/2"} {
		_, err := c.Put(ctx, []byte(k), []byte("v"), nil)
		require.NoError(t, err)
	}

	res, err := c.Get(ctx, mustPrefix(t, "n/"), &etcd.GetOptions{CountOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
	assert.Empty(t, res.KVs)
}

func TestClientGetLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"l/1", "l/2", "l/3"} {
		_, err := c.Put(ctx, []byte(k), []byte("v"), nil)
		require.NoError(t, err)
	}

	res, err := c.Get(ctx, mustPrefix(t, "l/"), &etcd.GetOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.KVs, 2)
	assert.True(t, res.More)
}

func TestClientDeletePrefixWithPrevKV(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"d/1", "d/2"} {
		_, err := c.Put(ctx, []byte(k), []byte("v"), nil)
		require.NoError(t, err)
	}

	del, err := c.Delete(ctx, mustPrefix(t, "d/"), &etcd.DeleteOptions{PrevKV: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.Deleted)
	assert.Len(t, del.Prev, 2)
}

func TestClientSubmitBranches(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	// Guard holds: key does not exist yet, version 0.
	res, err := c.Submit(ctx, etcd.Txn{
		If:   []etcd.Cmp{etcd.CmpVersion([]byte("t"), etcd.CmpEqual, 0)},
		Then: []etcd.Op{etcd.OpPut([]byte("t"), []byte("created"), nil)},
		Else: []etcd.Op{etcd.OpGet(mustKeySet(t, "t"), nil)},
	})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	require.Len(t, res.Responses, 1)
	_, ok := res.Responses[0].(*etcd.Revision)
	assert.True(t, ok)

	// Same guard now fails; the else branch reads the key.
	res, err = c.Submit(ctx, etcd.Txn{
		If:   []etcd.Cmp{etcd.CmpVersion([]byte("t"), etcd.CmpEqual, 0)},
		Then: []etcd.Op{etcd.OpPut([]byte("t"), []byte("clobbered"), nil)},
		Else: []etcd.Op{etcd.OpGet(mustKeySet(t, "t"), nil)},
	})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	require.Len(t, res.Responses, 1)
	rng, ok := res.Responses[0].(*etcd.RangeResult)
	require.True(t, ok)
	require.Len(t, rng.KVs, 1)
	assert.Equal(t, []byte("created"), rng.KVs[0].Value)
}

func TestClientSubmitDuplicateKeyIsStoreError(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Submit(context.Background(), etcd.Txn{
		Then: []etcd.Op{
			etcd.OpPut([]byte("dup"), []byte("1"), nil),
			etcd.OpPut([]byte("dup"), []byte("2"), nil),
		},
	})
	require.Error(t, err)
	var serr *etcd.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "duplicate key")
}

func TestClientTxnExecutesAtomicallyAtOneRevision(t *testing.T) {
	c, gw := newTestClient(t)
	ctx := context.Background()

	before := gw.Revision()
	res, err := c.Submit(ctx, etcd.Txn{
		Then: []etcd.Op{
			etcd.OpPut([]byte("a/1"), []byte("x"), nil),
			etcd.OpPut([]byte("a/2"), []byte("y"), nil),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, res.Header.Revision)

	get, err := c.Get(ctx, mustPrefix(t, "a/"), nil)
	require.NoError(t, err)
	require.Len(t, get.KVs, 2)
	assert.Equal(t, get.KVs[0].ModRevision, get.KVs[1].ModRevision)
}
