// Package localwrite is the foreground write path: every local edit
// tags the entity with its pending status and replaces the queue entry
// for that entity, so the queue never holds two conflicting operations.
package localwrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	anystore "github.com/anyproto/any-store"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/app/logger"
	"github.com/flatmates/flat-sync/domain"
	"github.com/flatmates/flat-sync/storage"
	"github.com/flatmates/flat-sync/storage/entitystorage"
	"github.com/flatmates/flat-sync/storage/queuestorage"
)

const CName = "flatsync.localwrite"

var log = logger.NewNamed(CName)

var (
	ErrNotFound = errors.New("entity not found")
	ErrDeleted  = errors.New("entity is pending delete")
)

// syncRequester is implemented by the sync service; looked up lazily so
// the writer works without a scheduler in tests.
type syncRequester interface {
	RequestImmediate()
}

type Writer interface {
	app.Component
	// Create inserts a new entity; an id is generated when the payload
	// carries none, so creation works fully offline
	Create(ctx context.Context, tp domain.EntityType, data json.RawMessage) (domain.Record, error)
	Update(ctx context.Context, tp domain.EntityType, id string, data json.RawMessage) (domain.Record, error)
	Delete(ctx context.Context, tp domain.EntityType, id string) error
}

func New() Writer {
	return &writer{}
}

type writer struct {
	db        anystore.DB
	entities  entitystorage.EntityStorage
	queue     queuestorage.QueueStorage
	requester syncRequester
}

func (w *writer) Init(a *app.App) (err error) {
	w.db = a.MustComponent(storage.CName).(storage.Service).DB()
	w.entities = a.MustComponent(entitystorage.CName).(entitystorage.EntityStorage)
	w.queue = a.MustComponent(queuestorage.CName).(queuestorage.QueueStorage)
	if c := a.Component("flatsync.syncservice"); c != nil {
		w.requester = c.(syncRequester)
	}
	return
}

// inTx runs the entity write and its queue entry as one transaction, a
// crash can not leave a pending record without a matching entry.
func (w *writer) inTx(ctx context.Context, do func(txCtx context.Context) error) (err error) {
	tx, err := w.db.WriteTx(ctx)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return do(tx.Context())
}

func (w *writer) Name() (name string) {
	return CName
}

func (w *writer) Create(ctx context.Context, tp domain.EntityType, data json.RawMessage) (rec domain.Record, err error) {
	id, data, err := ensureId(data)
	if err != nil {
		return
	}
	rec = domain.Record{
		Id:           id,
		Type:         tp,
		Status:       domain.StatusPendingCreate,
		LastModified: time.Now().UnixMilli(),
		Data:         data,
	}
	if err = w.inTx(ctx, func(txCtx context.Context) error {
		if err := w.entities.Upsert(txCtx, rec); err != nil {
			return err
		}
		_, err := w.queue.Enqueue(txCtx, domain.Key{Type: tp, Id: id}, domain.OpCreate, data)
		return err
	}); err != nil {
		return
	}
	log.Debug("created locally", zap.String("type", tp.String()), zap.String("id", id))
	w.kick()
	return
}

func (w *writer) Update(ctx context.Context, tp domain.EntityType, id string, data json.RawMessage) (rec domain.Record, err error) {
	key := domain.Key{Type: tp, Id: id}
	existing, err := w.entities.Get(ctx, key)
	if err != nil {
		if errors.Is(err, entitystorage.ErrNotFound) {
			return rec, ErrNotFound
		}
		return
	}
	status := domain.StatusPendingUpdate
	op := domain.OpUpdate
	switch existing.Status {
	case domain.StatusPendingCreate:
		// the entity was never synced, the authority must still see one CREATE
		status = domain.StatusPendingCreate
		op = domain.OpCreate
	case domain.StatusPendingDelete:
		return rec, ErrDeleted
	case domain.StatusSynced, domain.StatusPendingUpdate:
	}
	rec = domain.Record{
		Id:           id,
		Type:         tp,
		Status:       status,
		LastModified: time.Now().UnixMilli(),
		Data:         data,
	}
	if err = w.inTx(ctx, func(txCtx context.Context) error {
		if err := w.entities.Upsert(txCtx, rec); err != nil {
			return err
		}
		if err := w.queue.RemoveByEntity(txCtx, key); err != nil {
			return err
		}
		_, err := w.queue.Enqueue(txCtx, key, op, data)
		return err
	}); err != nil {
		return
	}
	w.kick()
	return
}

func (w *writer) Delete(ctx context.Context, tp domain.EntityType, id string) (err error) {
	key := domain.Key{Type: tp, Id: id}
	existing, err := w.entities.Get(ctx, key)
	if err != nil {
		if errors.Is(err, entitystorage.ErrNotFound) {
			return ErrNotFound
		}
		return
	}
	// soft-hidden until a session confirms the delete
	existing.Status = domain.StatusPendingDelete
	existing.LastModified = time.Now().UnixMilli()
	if err = w.inTx(ctx, func(txCtx context.Context) error {
		if err := w.entities.Upsert(txCtx, existing); err != nil {
			return err
		}
		if err := w.queue.RemoveByEntity(txCtx, key); err != nil {
			return err
		}
		_, err := w.queue.Enqueue(txCtx, key, domain.OpDelete, []byte(fmt.Sprintf("%q", id)))
		return err
	}); err != nil {
		return
	}
	w.kick()
	return
}

func (w *writer) kick() {
	if w.requester != nil {
		w.requester.RequestImmediate()
	}
}

// ensureId extracts the id from the payload or injects a fresh one.
func ensureId(data json.RawMessage) (id string, out json.RawMessage, err error) {
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("payload is not a json object: %w", err)
	}
	if raw, ok := fields["id"]; ok {
		if err = json.Unmarshal(raw, &id); err != nil {
			return "", nil, fmt.Errorf("payload id: %w", err)
		}
	}
	if id == "" {
		id = uuid.New().String()
		fields["id"], _ = json.Marshal(id)
		if out, err = json.Marshal(fields); err != nil {
			return "", nil, err
		}
		return id, out, nil
	}
	return id, data, nil
}
