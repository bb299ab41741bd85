package queuestorage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	anystore "github.com/anyproto/any-store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/domain"
	"github.com/flatmates/flat-sync/storage"
)

var ctx = context.Background()

type fixture struct {
	QueueStorage
	db anystore.DB
	a  *app.App
}

func newFixture(t *testing.T) *fixture {
	return newFixturePath(t, filepath.Join(t.TempDir(), "flatsync.db"))
}

func newFixturePath(t *testing.T, path string) *fixture {
	db, err := anystore.Open(ctx, path, nil)
	require.NoError(t, err)
	fx := &fixture{
		QueueStorage: New(),
		db:           db,
		a:            new(app.App),
	}
	fx.a.Register(storage.NewWithDB(db)).Register(fx.QueueStorage)
	require.NoError(t, fx.a.Start(ctx))
	t.Cleanup(func() {
		fx.finish(t)
	})
	return fx
}

func (fx *fixture) finish(t *testing.T) {
	if fx.db == nil {
		return
	}
	require.NoError(t, fx.a.Close(ctx))
	require.NoError(t, fx.db.Close())
	fx.db = nil
}

func todoKey(id string) domain.Key {
	return domain.Key{Type: domain.TypeTodo, Id: id}
}

func TestQueueStorage_Enqueue(t *testing.T) {
	t.Run("assigns increasing sequence numbers", func(t *testing.T) {
		fx := newFixture(t)
		seq1, err := fx.Enqueue(ctx, todoKey("t1"), domain.OpCreate, []byte(`{"id":"t1"}`))
		require.NoError(t, err)
		seq2, err := fx.Enqueue(ctx, todoKey("t2"), domain.OpCreate, []byte(`{"id":"t2"}`))
		require.NoError(t, err)
		assert.Greater(t, seq2, seq1)
	})
	t.Run("one active entry per entity", func(t *testing.T) {
		fx := newFixture(t)
		_, err := fx.Enqueue(ctx, todoKey("t1"), domain.OpCreate, []byte(`{"id":"t1","title":"a"}`))
		require.NoError(t, err)
		_, err = fx.Enqueue(ctx, todoKey("t1"), domain.OpCreate, []byte(`{"id":"t1","title":"b"}`))
		require.NoError(t, err)

		entries, err := fx.ListPending(ctx, 0, 3)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.JSONEq(t, `{"id":"t1","title":"b"}`, string(entries[0].Payload))
	})
}

func TestQueueStorage_ListPending(t *testing.T) {
	t.Run("enqueue order", func(t *testing.T) {
		fx := newFixture(t)
		for _, id := range []string{"c", "a", "b"} {
			_, err := fx.Enqueue(ctx, todoKey(id), domain.OpCreate, []byte(`{"id":"`+id+`"}`))
			require.NoError(t, err)
		}
		entries, err := fx.ListPending(ctx, 0, 3)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "c", entries[0].Key.Id)
		assert.Equal(t, "a", entries[1].Key.Id)
		assert.Equal(t, "b", entries[2].Key.Id)
	})
	t.Run("respects limit", func(t *testing.T) {
		fx := newFixture(t)
		for _, id := range []string{"a", "b", "c"} {
			_, err := fx.Enqueue(ctx, todoKey(id), domain.OpCreate, nil)
			require.NoError(t, err)
		}
		entries, err := fx.ListPending(ctx, 2, 3)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "a", entries[0].Key.Id)
	})
	t.Run("excludes entries at the retry ceiling", func(t *testing.T) {
		fx := newFixture(t)
		_, err := fx.Enqueue(ctx, todoKey("dead"), domain.OpCreate, nil)
		require.NoError(t, err)
		_, err = fx.Enqueue(ctx, todoKey("live"), domain.OpCreate, nil)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, fx.IncrementRetry(ctx, todoKey("dead"), errors.New("boom")))
		}
		entries, err := fx.ListPending(ctx, 0, 3)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "live", entries[0].Key.Id)

		// the dead entry stays durable
		count, err := fx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestQueueStorage_IncrementRetry(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.Enqueue(ctx, todoKey("t1"), domain.OpUpdate, nil)
	require.NoError(t, err)

	require.NoError(t, fx.IncrementRetry(ctx, todoKey("t1"), errors.New("connection refused")))
	entries, err := fx.ListPending(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "connection refused", entries[0].LastError)

	err = fx.IncrementRetry(ctx, todoKey("missing"), errors.New("boom"))
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestQueueStorage_ResetRetries(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.Enqueue(ctx, todoKey("dead"), domain.OpCreate, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, fx.IncrementRetry(ctx, todoKey("dead"), errors.New("boom")))
	}
	entries, err := fx.ListPending(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, entries, 0)

	require.NoError(t, fx.ResetRetries(ctx))
	entries, err = fx.ListPending(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].RetryCount)
}

func TestQueueStorage_Entry(t *testing.T) {
	fx := newFixture(t)
	seq, err := fx.Enqueue(ctx, todoKey("t1"), domain.OpUpdate, []byte(`{"id":"t1"}`))
	require.NoError(t, err)

	entry, err := fx.Entry(ctx, todoKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, seq, entry.Seq)
	assert.Equal(t, domain.OpUpdate, entry.Operation)

	_, err = fx.Entry(ctx, todoKey("missing"))
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestQueueStorage_RemoveKeys(t *testing.T) {
	t.Run("missing entries tolerated", func(t *testing.T) {
		fx := newFixture(t)
		var snapshot []Entry
		for _, id := range []string{"a", "b", "c"} {
			seq, err := fx.Enqueue(ctx, todoKey(id), domain.OpCreate, nil)
			require.NoError(t, err)
			snapshot = append(snapshot, Entry{Seq: seq, Key: todoKey(id)})
		}
		// entries the user already removed are not an error
		err := fx.RemoveKeys(ctx, []Entry{snapshot[0], {Seq: 99, Key: todoKey("missing")}, snapshot[2]})
		require.NoError(t, err)

		entries, err := fx.ListPending(ctx, 0, 3)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "b", entries[0].Key.Id)
	})
	t.Run("re-enqueued entry survives the drain", func(t *testing.T) {
		fx := newFixture(t)
		old, err := fx.Enqueue(ctx, todoKey("t1"), domain.OpUpdate, []byte(`{"id":"t1","title":"old"}`))
		require.NoError(t, err)
		// the entity was written again after the snapshot was taken
		fresh, err := fx.Enqueue(ctx, todoKey("t1"), domain.OpUpdate, []byte(`{"id":"t1","title":"new"}`))
		require.NoError(t, err)

		require.NoError(t, fx.RemoveKeys(ctx, []Entry{{Seq: old, Key: todoKey("t1")}}))

		entries, err := fx.ListPending(ctx, 0, 3)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, fresh, entries[0].Seq)
		assert.JSONEq(t, `{"id":"t1","title":"new"}`, string(entries[0].Payload))

		// draining with the current seq removes it
		require.NoError(t, fx.RemoveKeys(ctx, []Entry{{Seq: fresh, Key: todoKey("t1")}}))
		count, err := fx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestQueueStorage_ClearAll(t *testing.T) {
	fx := newFixture(t)
	for _, id := range []string{"a", "b"} {
		_, err := fx.Enqueue(ctx, todoKey(id), domain.OpCreate, nil)
		require.NoError(t, err)
	}
	require.NoError(t, fx.ClearAll(ctx))
	count, err := fx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestQueueStorage_SeqRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flatsync.db")
	fx := newFixturePath(t, path)
	var last int64
	for _, id := range []string{"a", "b", "c"} {
		seq, err := fx.Enqueue(ctx, todoKey(id), domain.OpCreate, nil)
		require.NoError(t, err)
		last = seq
	}
	fx.finish(t)

	fx = newFixturePath(t, path)
	seq, err := fx.Enqueue(ctx, todoKey("d"), domain.OpCreate, nil)
	require.NoError(t, err)
	assert.Greater(t, seq, last)
}

type countObserver struct {
	counts []int
}

func (o *countObserver) OnQueueChange(count int) {
	o.counts = append(o.counts, count)
}

func TestQueueStorage_Observer(t *testing.T) {
	fx := newFixture(t)
	obs := &countObserver{}
	fx.AddObserver(obs)

	_, err := fx.Enqueue(ctx, todoKey("a"), domain.OpCreate, nil)
	require.NoError(t, err)
	_, err = fx.Enqueue(ctx, todoKey("b"), domain.OpCreate, nil)
	require.NoError(t, err)
	require.NoError(t, fx.RemoveByEntity(ctx, todoKey("a")))

	assert.Equal(t, []int{1, 2, 1}, obs.counts)
}
