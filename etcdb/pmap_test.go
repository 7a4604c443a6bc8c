package etcdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etcdgw/etcdgw/etcd"
	"github.com/etcdgw/etcdgw/etcdb"
)

const (
	usersSlot   uint16 = 200
	emailSlot   uint16 = 201
	numbersSlot uint16 = 202
)

type user struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Age   int    `json:"age"`
}

func newUsersMap() *etcdb.PersistentMap[string, user] {
	return etcdb.NewMapStringJSON[user](usersSlot)
}

func TestPersistentMapCRUD(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users := newUsersMap()

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.Put(txn, "alice", user{Name: "Alice", Email: "alice@example.com", Age: 30})
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		got, ok, err := users.Get(txn, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Alice", got.Name)
		assert.Equal(t, 30, got.Age)

		_, ok, err = users.Get(txn, "bob")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(ctx, func(txn *etcdb.Txn) error {
		existed, err := users.Delete(txn, "alice")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = users.Delete(txn, "alice")
		require.NoError(t, err)
		assert.False(t, existed)
		return nil
	})
	require.NoError(t, err)
}

func TestPersistentMapSelectAndCount(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users := newUsersMap()

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		for _, name := range []string{"carol", "alice", "bob"} {
			if err := users.Put(txn, name, user{Name: name}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		entries, err := users.Select(txn, nil)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		// Key order follows the encoded key order.
		assert.Equal(t, "alice", entries[0].Key)
		assert.Equal(t, "bob", entries[1].Key)
		assert.Equal(t, "carol", entries[2].Key)

		limited, err := users.Select(txn, &etcdb.SelectOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		ranged, err := users.SelectRange(txn, "alice", "carol", nil)
		require.NoError(t, err)
		require.Len(t, ranged, 2)
		assert.Equal(t, "alice", ranged[0].Key)
		assert.Equal(t, "bob", ranged[1].Key)

		keysOnly, err := users.Select(txn, &etcdb.SelectOptions{KeysOnly: true})
		require.NoError(t, err)
		require.Len(t, keysOnly, 3)
		assert.Empty(t, keysOnly[0].Value.Name)

		n, err := users.Count(txn)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		return nil
	})
	require.NoError(t, err)
}

func TestPersistentMapSlotsAreIsolated(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users := newUsersMap()
	numbers := etcdb.NewMapUint64Uint64(numbersSlot)

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		if err := users.Put(txn, "alice", user{Name: "Alice"}); err != nil {
			return err
		}
		return numbers.Put(txn, 1, 100)
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		uEntries, err := users.Select(txn, nil)
		require.NoError(t, err)
		assert.Len(t, uEntries, 1)

		nEntries, err := numbers.Select(txn, nil)
		require.NoError(t, err)
		require.Len(t, nEntries, 1)
		assert.Equal(t, uint64(100), nEntries[0].Value)
		return nil
	})
	require.NoError(t, err)
}

func TestPersistentMapTruncate(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users := newUsersMap()

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		for _, name := range []string{"a", "b", "c"} {
			if err := users.Put(txn, name, user{Name: name}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.Update(ctx, func(txn *etcdb.Txn) error {
		n, err := users.Truncate(txn)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		return nil
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		n, err := users.Count(txn)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
}

func newIndexedUsers() (*etcdb.PersistentMap[string, user], *etcdb.PersistentMap[string, string]) {
	users := newUsersMap()
	byEmail := etcdb.NewMapStringString(emailSlot)
	users.AttachIndex(etcdb.NewIndex("by-email", byEmail, func(u user) (string, bool) {
		return u.Email, u.Email != ""
	}))
	return users, byEmail
}

func TestIndexFollowsPuts(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users, byEmail := newIndexedUsers()

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.Put(txn, "alice", user{Name: "Alice", Email: "a@example.com"})
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		owner, ok, err := byEmail.Get(txn, "a@example.com")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alice", owner)
		return nil
	})
	require.NoError(t, err)
}

func TestIndexRemovesSupersededEntry(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users, byEmail := newIndexedUsers()

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.Put(txn, "alice", user{Name: "Alice", Email: "old@example.com"})
	})
	require.NoError(t, err)

	err = db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.Put(txn, "alice", user{Name: "Alice", Email: "new@example.com"})
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		_, ok, err := byEmail.Get(txn, "old@example.com")
		require.NoError(t, err)
		assert.False(t, ok, "stale index entry must be gone")

		owner, ok, err := byEmail.Get(txn, "new@example.com")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alice", owner)
		return nil
	})
	require.NoError(t, err)
}

func TestIndexFollowsDeletes(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users, byEmail := newIndexedUsers()

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.Put(txn, "alice", user{Name: "Alice", Email: "a@example.com"})
	})
	require.NoError(t, err)

	err = db.Update(ctx, func(txn *etcdb.Txn) error {
		existed, err := users.Delete(txn, "alice")
		require.True(t, existed)
		return err
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		_, ok, err := byEmail.Get(txn, "a@example.com")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestIndexSkipsUnindexableValues(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users, byEmail := newIndexedUsers()

	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.Put(txn, "ghost", user{Name: "Ghost"})
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		n, err := byEmail.Count(txn)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
}

func TestRebuildIndex(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	// Populate without the index attached, then attach and rebuild.
	plain := newUsersMap()
	err := db.Update(ctx, func(txn *etcdb.Txn) error {
		if err := plain.Put(txn, "alice", user{Name: "Alice", Email: "a@example.com"}); err != nil {
			return err
		}
		return plain.Put(txn, "bob", user{Name: "Bob", Email: "b@example.com"})
	})
	require.NoError(t, err)

	users, byEmail := newIndexedUsers()
	idx := etcdb.NewIndex("by-email", byEmail, func(u user) (string, bool) {
		return u.Email, u.Email != ""
	})
	err = db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.RebuildIndex(txn, idx)
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *etcdb.Txn) error {
		owner, ok, err := byEmail.Get(txn, "b@example.com")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bob", owner)
		return nil
	})
	require.NoError(t, err)
}

func TestDetachIndex(t *testing.T) {
	users, _ := newIndexedUsers()
	assert.True(t, users.DetachIndex("by-email"))
	assert.False(t, users.DetachIndex("by-email"))
}

func TestPersistentMapWatch(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	users := newUsersMap()

	events := make(chan etcdb.MapEvent[string, user], 8)
	w, err := users.Watch(ctx, db, func(ev etcdb.MapEvent[string, user]) {
		events <- ev
	})
	require.NoError(t, err)
	defer w.Cancel()

	err = db.Update(ctx, func(txn *etcdb.Txn) error {
		return users.Put(txn, "alice", user{Name: "Alice"})
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, etcd.EventPut, ev.Type)
		assert.Equal(t, "alice", ev.Key)
		assert.Equal(t, "Alice", ev.Value.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for map event")
	}

	err = db.Update(ctx, func(txn *etcdb.Txn) error {
		_, err := users.Delete(txn, "alice")
		return err
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, etcd.EventDelete, ev.Type)
		assert.Equal(t, "alice", ev.Key)
		assert.Empty(t, ev.Value.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for map delete event")
	}
}
