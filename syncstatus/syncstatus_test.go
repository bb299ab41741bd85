package syncstatus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	anystore "github.com/anyproto/any-store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/domain"
	"github.com/flatmates/flat-sync/storage"
	"github.com/flatmates/flat-sync/storage/queuestorage"
	"github.com/flatmates/flat-sync/syncservice"
)

var ctx = context.Background()

type fixture struct {
	Service
	queue queuestorage.QueueStorage
}

func newFixture(t *testing.T) *fixture {
	db, err := anystore.Open(ctx, filepath.Join(t.TempDir(), "flatsync.db"), nil)
	require.NoError(t, err)
	fx := &fixture{
		Service: New(),
		queue:   queuestorage.New(),
	}
	a := new(app.App)
	a.Register(storage.NewWithDB(db)).
		Register(fx.queue).
		Register(fx.Service)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, a.Close(ctx))
		require.NoError(t, db.Close())
	})
	return fx
}

func TestService_InitialStatus(t *testing.T) {
	fx := newFixture(t)
	status := fx.Status()
	assert.Equal(t, StatusIdle, status.Status)
	assert.Zero(t, status.PendingCount)
	assert.Empty(t, status.LastError)
}

func TestService_QueueChanges(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.queue.Enqueue(ctx, domain.Key{Type: domain.TypeTodo, Id: "t1"}, domain.OpCreate, nil)
	require.NoError(t, err)

	status := fx.Status()
	// queued work shows as PENDING even while the scheduler rests
	assert.Equal(t, StatusPending, status.Status)
	assert.Equal(t, 1, status.PendingCount)

	require.NoError(t, fx.queue.RemoveByEntity(ctx, domain.Key{Type: domain.TypeTodo, Id: "t1"}))
	status = fx.Status()
	assert.Equal(t, StatusIdle, status.Status)
	assert.Zero(t, status.PendingCount)
}

func TestService_SchedulerStates(t *testing.T) {
	fx := newFixture(t)
	receiver := fx.Service.(syncservice.StateReceiver)

	receiver.OnSyncState(syncservice.StateRunning, nil)
	assert.Equal(t, StatusSyncing, fx.Status().Status)

	receiver.OnSyncState(syncservice.StateFailed, errors.New("boom"))
	status := fx.Status()
	assert.Equal(t, StatusFailed, status.Status)
	assert.Equal(t, "boom", status.LastError)

	// success clears the error and stamps the sync time
	receiver.OnSyncState(syncservice.StateSynced, nil)
	status = fx.Status()
	assert.Equal(t, StatusSynced, status.Status)
	assert.Empty(t, status.LastError)
	assert.NotZero(t, status.LastSyncUnix)
}

func TestService_Watch(t *testing.T) {
	fx := newFixture(t)
	w := fx.Watch()

	// the current snapshot arrives first
	event, err := w.WaitOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, event.Status)

	fx.Service.(syncservice.StateReceiver).OnSyncState(syncservice.StateRunning, nil)
	event, err = w.WaitOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSyncing, event.Status)
}

func TestService_WatchClosedWithService(t *testing.T) {
	fx := newFixture(t)
	w := fx.Watch()
	_, err := w.WaitOne(ctx)
	require.NoError(t, err)

	require.NoError(t, fx.Close(ctx))
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = w.WaitOne(waitCtx)
	assert.Error(t, err)
}
