// Package queuestorage is the durable mutation queue.
//
// any-store document structure:
//
//	id (string)  - entityType/entityId, so one active entry per entity
//	seq (int)    - monotonic local sequence number
//	tp (int)     - entity type
//	eid (string) - entity id
//	op (int)     - CREATE/UPDATE/DELETE
//	pl (bytes)   - payload snapshot, JSON
//	ca (int)     - created at, unix millis
//	rc (int)     - retry count
//	le (string)  - last error
package queuestorage

import (
	"context"
	"errors"
	"sync"
	"time"

	anystore "github.com/anyproto/any-store"
	"github.com/anyproto/any-store/anyenc"
	"github.com/anyproto/any-store/query"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/domain"
	"github.com/flatmates/flat-sync/storage"
)

const CName = "flatsync.storage.queuestorage"

const (
	queueCollectionName = "syncQueue"

	idKey        = "id"
	seqKey       = "seq"
	typeKey      = "tp"
	entityIdKey  = "eid"
	operationKey = "op"
	payloadKey   = "pl"
	createdAtKey = "ca"
	retryKey     = "rc"
	lastErrKey   = "le"
)

var ErrEntryNotFound = errors.New("queue entry not found")

// Entry is one pending local mutation.
type Entry struct {
	Seq        int64
	Key        domain.Key
	Operation  domain.Operation
	Payload    []byte
	CreatedAt  int64
	RetryCount int
	LastError  string
}

// Observer is notified after every queue mutation with the new depth.
type Observer interface {
	OnQueueChange(count int)
}

type QueueStorage interface {
	app.ComponentRunnable
	// Enqueue durably appends an entry, replacing any active entry for
	// the same entity; the assigned sequence number is returned
	Enqueue(ctx context.Context, key domain.Key, op domain.Operation, payload []byte) (seq int64, err error)
	RemoveByEntity(ctx context.Context, key domain.Key) error
	// ListPending returns entries in enqueue order, excluding entries
	// at or above the retry ceiling
	ListPending(ctx context.Context, limit, maxRetries int) ([]Entry, error)
	// Entry returns the active entry for the entity, dead-lettered or not
	Entry(ctx context.Context, key domain.Key) (Entry, error)
	IncrementRetry(ctx context.Context, key domain.Key, entryErr error) error
	// ResetRetries re-admits dead entries into automatic batches
	ResetRetries(ctx context.Context) error
	Remove(ctx context.Context, key domain.Key) error
	// RemoveKeys drains the given entries in one transaction; an entry
	// replaced since the snapshot was taken keeps its newer seq and is
	// left in place
	RemoveKeys(ctx context.Context, entries []Entry) error
	ClearAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	AddObserver(observer Observer)
}

func New() QueueStorage {
	return &queueStorage{}
}

type queueStorage struct {
	db        anystore.DB
	coll      anystore.Collection
	arenaPool *anyenc.ArenaPool

	mu        sync.Mutex
	seq       int64
	observers []Observer
}

func (q *queueStorage) Init(a *app.App) (err error) {
	q.db = a.MustComponent(storage.CName).(storage.Service).DB()
	q.arenaPool = &anyenc.ArenaPool{}
	return
}

func (q *queueStorage) Name() (name string) {
	return CName
}

func (q *queueStorage) Run(ctx context.Context) (err error) {
	q.coll, err = q.db.Collection(ctx, queueCollectionName)
	if err != nil {
		return
	}
	seqIdx := anystore.IndexInfo{
		Name:   seqKey,
		Fields: []string{seqKey},
	}
	if err = q.coll.EnsureIndex(ctx, seqIdx); err != nil {
		return
	}
	// restore the sequence counter from the persisted tail
	iter, err := q.coll.Find(nil).Iter(ctx)
	if err != nil {
		return
	}
	defer func() {
		_ = iter.Close()
	}()
	var doc anystore.Doc
	for iter.Next() {
		if doc, err = iter.Doc(); err != nil {
			return
		}
		if seq := int64(doc.Value().GetInt(seqKey)); seq > q.seq {
			q.seq = seq
		}
	}
	return
}

func (q *queueStorage) Close(ctx context.Context) (err error) {
	return
}

func (q *queueStorage) AddObserver(observer Observer) {
	// registration happens on startup before any writes, no lock needed
	q.observers = append(q.observers, observer)
}

func (q *queueStorage) Enqueue(ctx context.Context, key domain.Key, op domain.Operation, payload []byte) (seq int64, err error) {
	q.mu.Lock()
	q.seq++
	seq = q.seq
	q.mu.Unlock()

	arena := q.arenaPool.Get()
	defer q.arenaPool.Put(arena)
	arena.Reset()

	obj := arena.NewObject()
	obj.Set(idKey, arena.NewString(key.String()))
	obj.Set(seqKey, arena.NewNumberInt(int(seq)))
	obj.Set(typeKey, arena.NewNumberInt(int(key.Type)))
	obj.Set(entityIdKey, arena.NewString(key.Id))
	obj.Set(operationKey, arena.NewNumberInt(int(op)))
	obj.Set(payloadKey, arena.NewBinary(payload))
	obj.Set(createdAtKey, arena.NewNumberInt(int(time.Now().UnixMilli())))
	obj.Set(retryKey, arena.NewNumberInt(0))
	obj.Set(lastErrKey, arena.NewString(""))

	// the document id is the entity key, so an existing active entry
	// for the same entity is replaced in place
	if err = q.coll.UpsertOne(ctx, obj); err != nil {
		return 0, err
	}
	q.notify(ctx)
	return
}

func (q *queueStorage) RemoveByEntity(ctx context.Context, key domain.Key) (err error) {
	err = q.coll.DeleteId(ctx, key.String())
	if errors.Is(err, anystore.ErrDocNotFound) {
		return nil
	}
	if err == nil {
		q.notify(ctx)
	}
	return
}

func (q *queueStorage) ListPending(ctx context.Context, limit, maxRetries int) (entries []Entry, err error) {
	qry := query.Key{Path: []string{retryKey}, Filter: query.NewComp(query.CompOpLt, maxRetries)}
	iter, err := q.coll.Find(qry).Sort(seqKey).Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = iter.Close()
	}()
	var doc anystore.Doc
	for iter.Next() {
		if doc, err = iter.Doc(); err != nil {
			return nil, err
		}
		entries = append(entries, entryFromDoc(doc))
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return
}

func (q *queueStorage) Entry(ctx context.Context, key domain.Key) (Entry, error) {
	doc, err := q.coll.FindId(ctx, key.String())
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return entryFromDoc(doc), nil
}

func (q *queueStorage) IncrementRetry(ctx context.Context, key domain.Key, entryErr error) (err error) {
	if _, err = q.coll.FindId(ctx, key.String()); err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return ErrEntryNotFound
		}
		return err
	}
	var msg string
	if entryErr != nil {
		msg = entryErr.Error()
	}
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		v.Set(retryKey, a.NewNumberInt(v.GetInt(retryKey)+1))
		v.Set(lastErrKey, a.NewString(msg))
		return v, true, nil
	})
	_, err = q.coll.UpsertId(ctx, key.String(), mod)
	return
}

func (q *queueStorage) ResetRetries(ctx context.Context) (err error) {
	keys, err := q.allIds(ctx)
	if err != nil {
		return
	}
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		v.Set(retryKey, a.NewNumberInt(0))
		return v, true, nil
	})
	tx, err := q.coll.WriteTx(ctx)
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
	for _, id := range keys {
		if _, err = q.coll.UpsertId(tx.Context(), id, mod); err != nil {
			return
		}
	}
	return
}

func (q *queueStorage) Remove(ctx context.Context, key domain.Key) (err error) {
	return q.RemoveByEntity(ctx, key)
}

func (q *queueStorage) RemoveKeys(ctx context.Context, entries []Entry) (err error) {
	if len(entries) == 0 {
		return
	}
	tx, err := q.coll.WriteTx(ctx)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
			if err == nil {
				q.notify(ctx)
			}
		}
	}()
	var doc anystore.Doc
	for _, entry := range entries {
		id := entry.Key.String()
		if doc, err = q.coll.FindId(tx.Context(), id); err != nil {
			if errors.Is(err, anystore.ErrDocNotFound) {
				err = nil
				continue
			}
			return
		}
		// a newer seq means the entity was re-enqueued after the
		// snapshot, that entry still has to reach the authority
		if int64(doc.Value().GetInt(seqKey)) != entry.Seq {
			continue
		}
		if err = q.coll.DeleteId(tx.Context(), id); err != nil {
			return
		}
	}
	return
}

func (q *queueStorage) ClearAll(ctx context.Context) (err error) {
	ids, err := q.allIds(ctx)
	if err != nil {
		return
	}
	tx, err := q.coll.WriteTx(ctx)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
			if err == nil {
				q.notify(ctx)
			}
		}
	}()
	for _, id := range ids {
		if err = q.coll.DeleteId(tx.Context(), id); err != nil {
			return
		}
	}
	return
}

func (q *queueStorage) Count(ctx context.Context) (int, error) {
	return q.coll.Count(ctx)
}

func (q *queueStorage) allIds(ctx context.Context) (ids []string, err error) {
	iter, err := q.coll.Find(nil).Iter(ctx)
	if err != nil {
		return
	}
	defer func() {
		_ = iter.Close()
	}()
	var doc anystore.Doc
	for iter.Next() {
		if doc, err = iter.Doc(); err != nil {
			return
		}
		ids = append(ids, doc.Value().GetString(idKey))
	}
	return
}

func (q *queueStorage) notify(ctx context.Context) {
	count, err := q.coll.Count(ctx)
	if err != nil {
		return
	}
	for _, observer := range q.observers {
		observer.OnQueueChange(count)
	}
}

func entryFromDoc(doc anystore.Doc) Entry {
	return Entry{
		Seq: int64(doc.Value().GetInt(seqKey)),
		Key: domain.Key{
			Type: domain.EntityType(doc.Value().GetInt(typeKey)),
			Id:   doc.Value().GetString(entityIdKey),
		},
		Operation:  domain.Operation(doc.Value().GetInt(operationKey)),
		Payload:    append([]byte(nil), doc.Value().GetBytes(payloadKey)...),
		CreatedAt:  int64(doc.Value().GetInt(createdAtKey)),
		RetryCount: doc.Value().GetInt(retryKey),
		LastError:  doc.Value().GetString(lastErrKey),
	}
}
