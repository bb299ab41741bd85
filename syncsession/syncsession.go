// Package syncsession implements one reconciliation session: gather the
// pending change-set, send it to the authority in a single batched
// call, apply the merged response, resolve conflicts, drain the queue
// and advance the watermark.
//
// A session is all-or-nothing with respect to whether it started
// applying a response, and safe to re-run from scratch after a crash at
// any point: applying is a plain upsert of the authority's view.
package syncsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app/logger"
	"github.com/flatmates/flat-sync/domain"
	"github.com/flatmates/flat-sync/storage/entitystorage"
	"github.com/flatmates/flat-sync/storage/queuestorage"
	"github.com/flatmates/flat-sync/syncproto"
)

var log = logger.NewNamed("flatsync.syncsession")

// ErrCancelled is returned when the session was cancelled before it
// started applying the response.
var ErrCancelled = errors.New("session cancelled")

// EntityStore is the slice of entity storage the session needs.
type EntityStore interface {
	Pending(ctx context.Context, tp domain.EntityType) ([]domain.Record, error)
	Upsert(ctx context.Context, rec domain.Record) error
	MarkSyncedIf(ctx context.Context, key domain.Key, status domain.SyncStatus, lastModified int64) (bool, error)
	DeleteIf(ctx context.Context, key domain.Key, status domain.SyncStatus, lastModified int64) (bool, error)
	Watermark(ctx context.Context) (int64, error)
	SetWatermark(ctx context.Context, ts int64) error
	ActiveHousehold(ctx context.Context) (string, error)
}

// Queue is the slice of the mutation queue the session needs.
type Queue interface {
	Enqueue(ctx context.Context, key domain.Key, op domain.Operation, payload []byte) (int64, error)
	ListPending(ctx context.Context, limit, maxRetries int) ([]queuestorage.Entry, error)
	Entry(ctx context.Context, key domain.Key) (queuestorage.Entry, error)
	RemoveKeys(ctx context.Context, entries []queuestorage.Entry) error
	IncrementRetry(ctx context.Context, key domain.Key, entryErr error) error
}

// Authority performs the single remote call of a session.
type Authority interface {
	SyncAll(ctx context.Context, req *syncproto.SyncRequest) (*syncproto.SyncResponse, error)
}

type Deps struct {
	Entities   EntityStore
	Queue      Queue
	Authority  Authority
	Resolver   Resolver
	BatchLimit int
	MaxRetries int
}

type Result struct {
	HouseholdId string
	// Included is the exact change-set snapshot of this session
	Included  []domain.Key
	Applied   int
	Conflicts int
	KeptLocal int
	// NoHousehold reports a trivially successful empty session
	NoHousehold bool
}

type Session struct {
	deps Deps
}

func New(deps Deps) *Session {
	if deps.Resolver == nil {
		deps.Resolver = ServerWins()
	}
	return &Session{deps: deps}
}

// Run executes the whole session. Cancellation is honored up to the
// remote call; once the response is being applied the session finishes
// on a detached context so local state is never left half-applied.
func (s *Session) Run(ctx context.Context) (res Result, err error) {
	householdId, err := s.deps.Entities.ActiveHousehold(ctx)
	if err != nil {
		return
	}
	if householdId == "" {
		// nothing to reconcile against
		return Result{NoHousehold: true}, nil
	}
	res.HouseholdId = householdId

	watermark, err := s.deps.Entities.Watermark(ctx)
	if err != nil {
		return
	}

	changes, err := s.gather(ctx)
	if err != nil {
		return
	}
	res.Included = changes.keys

	req := &syncproto.SyncRequest{
		LastSyncTimestamp: watermark,
		HouseholdId:       householdId,
		Changes:           changes.wire(),
	}
	resp, err := s.deps.Authority.SyncAll(ctx, req)
	if err != nil {
		// no local state was touched, record the failure on every
		// entry of the outgoing change-set
		for _, key := range changes.keys {
			if rerr := s.deps.Queue.IncrementRetry(ctx, key, err); rerr != nil &&
				!errors.Is(rerr, queuestorage.ErrEntryNotFound) {
				log.Warn("retry bookkeeping failed", zap.String("entity", key.String()), zap.Error(rerr))
			}
		}
		return res, fmt.Errorf("sync call: %w", err)
	}

	if ctx.Err() != nil {
		// cancelled between call and apply: still safe, nothing applied
		return res, ErrCancelled
	}

	// steps 4-8 are a critical section: never interrupted mid-apply
	applyCtx := context.WithoutCancel(ctx)

	applied, err := s.apply(applyCtx, resp)
	if err != nil {
		return res, fmt.Errorf("apply server state: %w", err)
	}
	res.Applied = len(applied)

	keep, err := s.resolve(applyCtx, resp, changes, applied)
	if err != nil {
		return res, fmt.Errorf("resolve conflicts: %w", err)
	}
	res.Conflicts = len(resp.Conflicts)
	res.KeptLocal = len(keep)

	// drain by the snapshot seq, an entry re-enqueued by a foreground
	// write during the session keeps a newer seq and stays queued
	drain := make([]queuestorage.Entry, 0, len(changes.keys))
	for _, key := range changes.keys {
		if _, kept := keep[key]; !kept {
			drain = append(drain, changes.entries[key])
		}
	}
	if err = s.deps.Queue.RemoveKeys(applyCtx, drain); err != nil {
		return res, fmt.Errorf("drain queue: %w", err)
	}

	if err = s.finalize(applyCtx, changes, applied, keep); err != nil {
		return res, fmt.Errorf("finalize local status: %w", err)
	}

	// the watermark is server time, never local clock
	if err = s.deps.Entities.SetWatermark(applyCtx, resp.ServerTimestamp); err != nil {
		return res, fmt.Errorf("advance watermark: %w", err)
	}
	log.Info("session succeeded",
		zap.String("household", householdId),
		zap.Int("sent", len(changes.keys)),
		zap.Int("applied", res.Applied),
		zap.Int("conflicts", res.Conflicts),
		zap.Int64("watermark", resp.ServerTimestamp))
	return res, nil
}

// changeSet is the step-1 snapshot: exactly these keys, at exactly
// these queue seqs and record stamps, are drained and finalized. An
// edit interleaving after the snapshot stays pending.
type changeSet struct {
	keys    []domain.Key
	records map[domain.Key]domain.Record
	entries map[domain.Key]queuestorage.Entry
	buckets map[domain.EntityType]*syncproto.EntityChanges
}

func (c *changeSet) wire() map[string]syncproto.EntityChanges {
	out := make(map[string]syncproto.EntityChanges, len(c.buckets))
	for tp, block := range c.buckets {
		if !block.Empty() {
			out[tp.WireName()] = *block
		}
	}
	return out
}

func (s *Session) gather(ctx context.Context) (*changeSet, error) {
	entries, err := s.deps.Queue.ListPending(ctx, s.deps.BatchLimit, s.deps.MaxRetries)
	if err != nil {
		return nil, err
	}
	eligible := make(map[domain.Key]queuestorage.Entry, len(entries))
	for _, e := range entries {
		eligible[e.Key] = e
	}

	cs := &changeSet{
		records: make(map[domain.Key]domain.Record),
		entries: make(map[domain.Key]queuestorage.Entry),
		buckets: make(map[domain.EntityType]*syncproto.EntityChanges),
	}
	for _, tp := range domain.AllTypes {
		var pending []domain.Record
		if pending, err = s.deps.Entities.Pending(ctx, tp); err != nil {
			return nil, err
		}
		block := &syncproto.EntityChanges{}
		for _, rec := range pending {
			key := domain.Key{Type: tp, Id: rec.Id}
			entry, ok := eligible[key]
			if !ok {
				if entry, ok = s.requeueIfUnqueued(ctx, key, rec); !ok {
					// dead-lettered, left for manual retry
					continue
				}
			}
			delete(eligible, key)
			cs.keys = append(cs.keys, key)
			cs.records[key] = rec
			cs.entries[key] = entry
			switch rec.Status {
			case domain.StatusPendingCreate:
				block.Created = append(block.Created, rec.Data)
			case domain.StatusPendingUpdate:
				block.Updated = append(block.Updated, rec.Data)
			case domain.StatusPendingDelete:
				block.Deleted = append(block.Deleted, rec.Id)
			case domain.StatusSynced:
			}
		}
		cs.buckets[tp] = block
	}
	// entries whose entity is already gone: deletes still have to reach
	// the authority, anything else has nothing left to send
	var orphans []queuestorage.Entry
	for key, e := range eligible {
		if e.Operation != domain.OpDelete {
			orphans = append(orphans, e)
			log.Warn("dropping queue entry without entity", zap.String("entity", key.String()))
			continue
		}
		cs.keys = append(cs.keys, key)
		cs.records[key] = domain.Record{Id: key.Id, Type: key.Type, Status: domain.StatusPendingDelete}
		cs.entries[key] = e
		cs.buckets[key.Type].Deleted = append(cs.buckets[key.Type].Deleted, key.Id)
	}
	if err = s.deps.Queue.RemoveKeys(ctx, orphans); err != nil {
		return nil, err
	}
	return cs, nil
}

// requeueIfUnqueued repairs a pending record that lost its queue entry,
// which happens when a crash separated the entity write from the
// enqueue or a previous session failed between drain and finalize.
// Dead-lettered entries are reported as not ok and stay untouched.
func (s *Session) requeueIfUnqueued(ctx context.Context, key domain.Key, rec domain.Record) (entry queuestorage.Entry, ok bool) {
	if _, err := s.deps.Queue.Entry(ctx, key); err == nil {
		return queuestorage.Entry{}, false
	} else if !errors.Is(err, queuestorage.ErrEntryNotFound) {
		log.Warn("queue lookup failed", zap.String("entity", key.String()), zap.Error(err))
		return queuestorage.Entry{}, false
	}
	var op domain.Operation
	switch rec.Status {
	case domain.StatusPendingCreate:
		op = domain.OpCreate
	case domain.StatusPendingUpdate:
		op = domain.OpUpdate
	case domain.StatusPendingDelete:
		op = domain.OpDelete
	default:
		return queuestorage.Entry{}, false
	}
	seq, err := s.deps.Queue.Enqueue(ctx, key, op, rec.Data)
	if err != nil {
		log.Warn("re-enqueue failed", zap.String("entity", key.String()), zap.Error(err))
		return queuestorage.Entry{}, false
	}
	log.Info("re-enqueued pending entity without queue entry", zap.String("entity", key.String()))
	return queuestorage.Entry{Seq: seq, Key: key, Operation: op, Payload: rec.Data}, true
}

// apply upserts every record of the authority's merged view as SYNCED,
// unconditionally overwriting local fields.
func (s *Session) apply(ctx context.Context, resp *syncproto.SyncResponse) (applied map[domain.Key]struct{}, err error) {
	applied = make(map[domain.Key]struct{})
	for tp, records := range resp.Entities {
		for _, raw := range records {
			id, err := syncproto.RecordId(raw)
			if err != nil {
				return nil, fmt.Errorf("%s record: %w", tp, err)
			}
			rec := domain.Record{
				Id:           id,
				Type:         tp,
				Status:       domain.StatusSynced,
				LastModified: resp.ServerTimestamp,
				Data:         raw,
			}
			if err = s.deps.Entities.Upsert(ctx, rec); err != nil {
				return nil, err
			}
			applied[domain.Key{Type: tp, Id: id}] = struct{}{}
		}
	}
	return
}

// resolve runs the conflict policy over the authority's conflict list
// and returns the keys whose local edit survives this session.
func (s *Session) resolve(ctx context.Context, resp *syncproto.SyncResponse, changes *changeSet, applied map[domain.Key]struct{}) (keep map[domain.Key]struct{}, err error) {
	keep = make(map[domain.Key]struct{})
	for _, conflict := range resp.Conflicts {
		key := domain.Key{Type: conflict.EntityType, Id: conflict.EntityId}
		local, inSnapshot := changes.records[key]
		var server json.RawMessage
		if _, ok := applied[key]; ok {
			server = serverRecord(resp, key)
		}
		switch s.deps.Resolver.Resolve(local, server) {
		case ResolutionKeepLocal:
			keep[key] = struct{}{}
			continue
		case ResolutionServerWins:
		}
		if _, ok := applied[key]; ok {
			// already overwritten with the merged record
			continue
		}
		if !inSnapshot {
			continue
		}
		// the authority omitted its copy: accept ours as settled, unless
		// a foreground write changed the record since the snapshot
		if _, err = s.deps.Entities.MarkSyncedIf(ctx, key, local.Status, local.LastModified); err != nil {
			if errors.Is(err, entitystorage.ErrNotFound) {
				err = nil
				continue
			}
			return nil, err
		}
		log.Debug("conflict resolved", zap.String("entity", key.String()), zap.String("kind", conflict.ConflictType))
	}
	return
}

// finalize settles the snapshot keys the server accepted without
// returning a fresh copy: creates and updates become SYNCED, confirmed
// deletes are physically removed. A record the foreground path touched
// after the snapshot no longer matches its stamp and is left pending
// for the next session.
func (s *Session) finalize(ctx context.Context, changes *changeSet, applied, keep map[domain.Key]struct{}) (err error) {
	for _, key := range changes.keys {
		if _, ok := keep[key]; ok {
			continue
		}
		if _, ok := applied[key]; ok {
			continue
		}
		var ok bool
		rec := changes.records[key]
		switch rec.Status {
		case domain.StatusPendingDelete:
			if ok, err = s.deps.Entities.DeleteIf(ctx, key, rec.Status, rec.LastModified); err != nil {
				return
			}
		case domain.StatusPendingCreate, domain.StatusPendingUpdate:
			if ok, err = s.deps.Entities.MarkSyncedIf(ctx, key, rec.Status, rec.LastModified); err != nil {
				if errors.Is(err, entitystorage.ErrNotFound) {
					err = nil
					continue
				}
				return
			}
		case domain.StatusSynced:
			continue
		}
		if !ok {
			log.Debug("record changed since snapshot, left pending", zap.String("entity", key.String()))
		}
	}
	return
}

func serverRecord(resp *syncproto.SyncResponse, key domain.Key) json.RawMessage {
	for _, raw := range resp.Entities[key.Type] {
		if id, err := syncproto.RecordId(raw); err == nil && id == key.Id {
			return raw
		}
	}
	return nil
}
