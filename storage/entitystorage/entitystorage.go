// Package entitystorage keeps the per-type synchronizable records and
// the sync watermark.
//
// any-store document structure per entity collection:
//
//	id (string) - entity id
//	st (int)   - sync status
//	lm (int)   - last local write, unix millis
//	d (bytes)  - business payload, JSON
package entitystorage

import (
	"context"
	"errors"

	anystore "github.com/anyproto/any-store"
	"github.com/anyproto/any-store/anyenc"
	"github.com/anyproto/any-store/query"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/domain"
	"github.com/flatmates/flat-sync/storage"
)

const CName = "flatsync.storage.entitystorage"

const (
	idKey           = "id"
	statusKey       = "st"
	lastModifiedKey = "lm"
	dataKey         = "d"

	stateCollectionName = "syncState"
	watermarkDocId      = "watermark"
	householdDocId      = "activeHousehold"
	valueKey            = "v"
)

var ErrNotFound = errors.New("entity not found")

type EntityStorage interface {
	app.ComponentRunnable
	// Pending returns records of the given type whose status is not SYNCED
	Pending(ctx context.Context, tp domain.EntityType) ([]domain.Record, error)
	PendingCount(ctx context.Context) (int, error)
	Get(ctx context.Context, key domain.Key) (domain.Record, error)
	// Upsert unconditionally overwrites the record
	Upsert(ctx context.Context, rec domain.Record) error
	MarkSynced(ctx context.Context, key domain.Key) error
	// MarkSyncedIf flips the record to SYNCED only when its status and
	// last-modified stamp still match; reports whether it did
	MarkSyncedIf(ctx context.Context, key domain.Key, status domain.SyncStatus, lastModified int64) (bool, error)
	Delete(ctx context.Context, key domain.Key) error
	// DeleteIf removes the record only when its status and
	// last-modified stamp still match; reports whether it did
	DeleteIf(ctx context.Context, key domain.Key, status domain.SyncStatus, lastModified int64) (bool, error)
	Watermark(ctx context.Context) (int64, error)
	SetWatermark(ctx context.Context, ts int64) error
	ActiveHousehold(ctx context.Context) (string, error)
	SetActiveHousehold(ctx context.Context, id string) error
}

func New() EntityStorage {
	return &entityStorage{}
}

type entityStorage struct {
	db          anystore.DB
	collections map[domain.EntityType]anystore.Collection
	stateColl   anystore.Collection
	arenaPool   *anyenc.ArenaPool
}

func (s *entityStorage) Init(a *app.App) (err error) {
	s.db = a.MustComponent(storage.CName).(storage.Service).DB()
	s.arenaPool = &anyenc.ArenaPool{}
	return
}

func (s *entityStorage) Name() (name string) {
	return CName
}

func (s *entityStorage) Run(ctx context.Context) (err error) {
	s.collections = make(map[domain.EntityType]anystore.Collection, len(domain.AllTypes))
	for _, tp := range domain.AllTypes {
		coll, err := s.db.Collection(ctx, tp.WireName())
		if err != nil {
			return err
		}
		statusIdx := anystore.IndexInfo{
			Name:   statusKey,
			Fields: []string{statusKey},
		}
		if err = coll.EnsureIndex(ctx, statusIdx); err != nil {
			return err
		}
		s.collections[tp] = coll
	}
	s.stateColl, err = s.db.Collection(ctx, stateCollectionName)
	return
}

func (s *entityStorage) Close(ctx context.Context) (err error) {
	return
}

func (s *entityStorage) Pending(ctx context.Context, tp domain.EntityType) (recs []domain.Record, err error) {
	qry := query.Key{Path: []string{statusKey}, Filter: query.NewComp(query.CompOpGte, int(domain.StatusPendingCreate))}
	iter, err := s.collections[tp].Find(qry).Sort(lastModifiedKey).Iter(ctx)
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
		recs = append(recs, recordFromDoc(tp, doc))
	}
	return
}

func (s *entityStorage) PendingCount(ctx context.Context) (count int, err error) {
	qry := query.Key{Path: []string{statusKey}, Filter: query.NewComp(query.CompOpGte, int(domain.StatusPendingCreate))}
	for _, tp := range domain.AllTypes {
		c, err := s.collections[tp].Find(qry).Count(ctx)
		if err != nil {
			return 0, err
		}
		count += c
	}
	return
}

func (s *entityStorage) Get(ctx context.Context, key domain.Key) (domain.Record, error) {
	doc, err := s.collections[key.Type].FindId(ctx, key.Id)
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return domain.Record{}, ErrNotFound
		}
		return domain.Record{}, err
	}
	return recordFromDoc(key.Type, doc), nil
}

func (s *entityStorage) Upsert(ctx context.Context, rec domain.Record) (err error) {
	arena := s.arenaPool.Get()
	defer s.arenaPool.Put(arena)
	arena.Reset()
	obj := arena.NewObject()
	obj.Set(idKey, arena.NewString(rec.Id))
	obj.Set(statusKey, arena.NewNumberInt(int(rec.Status)))
	obj.Set(lastModifiedKey, arena.NewNumberInt(int(rec.LastModified)))
	obj.Set(dataKey, arena.NewBinary(rec.Data))
	return s.collections[rec.Type].UpsertOne(ctx, obj)
}

func (s *entityStorage) MarkSynced(ctx context.Context, key domain.Key) (err error) {
	coll := s.collections[key.Type]
	if _, err = coll.FindId(ctx, key.Id); err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return ErrNotFound
		}
		return err
	}
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		v.Set(statusKey, a.NewNumberInt(int(domain.StatusSynced)))
		return v, true, nil
	})
	_, err = coll.UpsertId(ctx, key.Id, mod)
	return
}

func (s *entityStorage) MarkSyncedIf(ctx context.Context, key domain.Key, status domain.SyncStatus, lastModified int64) (ok bool, err error) {
	coll := s.collections[key.Type]
	tx, err := coll.WriteTx(ctx)
	if err != nil {
		return
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	doc, err := coll.FindId(tx.Context(), key.Id)
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return false, ErrNotFound
		}
		return
	}
	if domain.SyncStatus(doc.Value().GetInt(statusKey)) != status ||
		int64(doc.Value().GetInt(lastModifiedKey)) != lastModified {
		return false, nil
	}
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		v.Set(statusKey, a.NewNumberInt(int(domain.StatusSynced)))
		return v, true, nil
	})
	if _, err = coll.UpsertId(tx.Context(), key.Id, mod); err != nil {
		return
	}
	return true, nil
}

func (s *entityStorage) DeleteIf(ctx context.Context, key domain.Key, status domain.SyncStatus, lastModified int64) (ok bool, err error) {
	coll := s.collections[key.Type]
	tx, err := coll.WriteTx(ctx)
	if err != nil {
		return
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	doc, err := coll.FindId(tx.Context(), key.Id)
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return false, nil
		}
		return
	}
	if domain.SyncStatus(doc.Value().GetInt(statusKey)) != status ||
		int64(doc.Value().GetInt(lastModifiedKey)) != lastModified {
		return false, nil
	}
	if err = coll.DeleteId(tx.Context(), key.Id); err != nil {
		return
	}
	return true, nil
}

func (s *entityStorage) Delete(ctx context.Context, key domain.Key) (err error) {
	err = s.collections[key.Type].DeleteId(ctx, key.Id)
	if errors.Is(err, anystore.ErrDocNotFound) {
		return nil
	}
	return
}

func (s *entityStorage) Watermark(ctx context.Context) (int64, error) {
	return s.stateInt(ctx, watermarkDocId)
}

func (s *entityStorage) SetWatermark(ctx context.Context, ts int64) error {
	return s.setState(ctx, watermarkDocId, func(a *anyenc.Arena, v *anyenc.Value) {
		v.Set(valueKey, a.NewNumberInt(int(ts)))
	})
}

func (s *entityStorage) ActiveHousehold(ctx context.Context) (string, error) {
	doc, err := s.stateColl.FindId(ctx, householdDocId)
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return "", nil
		}
		return "", err
	}
	return doc.Value().GetString(valueKey), nil
}

func (s *entityStorage) SetActiveHousehold(ctx context.Context, id string) error {
	return s.setState(ctx, householdDocId, func(a *anyenc.Arena, v *anyenc.Value) {
		v.Set(valueKey, a.NewString(id))
	})
}

func (s *entityStorage) stateInt(ctx context.Context, docId string) (int64, error) {
	doc, err := s.stateColl.FindId(ctx, docId)
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return int64(doc.Value().GetInt(valueKey)), nil
}

func (s *entityStorage) setState(ctx context.Context, docId string, set func(a *anyenc.Arena, v *anyenc.Value)) (err error) {
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		set(a, v)
		return v, true, nil
	})
	_, err = s.stateColl.UpsertId(ctx, docId, mod)
	return
}

func recordFromDoc(tp domain.EntityType, doc anystore.Doc) domain.Record {
	return domain.Record{
		Id:           doc.Value().GetString(idKey),
		Type:         tp,
		Status:       domain.SyncStatus(doc.Value().GetInt(statusKey)),
		LastModified: int64(doc.Value().GetInt(lastModifiedKey)),
		Data:         append([]byte(nil), doc.Value().GetBytes(dataKey)...),
	}
}
