// Package syncproto holds the wire types of the household sync protocol.
//
// One request/response pair per reconciliation session:
//
//	request:  { last_sync_timestamp, household_id, changes: { <type>: {created, updated, deleted} } }
//	response: { server_timestamp, conflicts: [...], <type>: [ full records ] }
//
// Business records travel as raw JSON, the engine never looks inside
// beyond the id.
package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/flatmates/flat-sync/domain"
)

type SyncRequest struct {
	LastSyncTimestamp int64                    `json:"last_sync_timestamp"`
	HouseholdId       string                   `json:"household_id"`
	Changes           map[string]EntityChanges `json:"changes"`
}

// EntityChanges is one per-type block of the outgoing change-set.
type EntityChanges struct {
	Created []json.RawMessage `json:"created"`
	Updated []json.RawMessage `json:"updated"`
	Deleted []string          `json:"deleted"`
}

func (c EntityChanges) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

type Conflict struct {
	EntityType    domain.EntityType `json:"entity_type"`
	EntityId      string            `json:"entity_id"`
	LocalVersion  string            `json:"local_version,omitempty"`
	ServerVersion string            `json:"server_version,omitempty"`
	ConflictType  string            `json:"conflict_type,omitempty"` // "UPDATE_UPDATE", "DELETE_UPDATE", ...
}

// SyncResponse is the authority's post-merge view. The per-type record
// arrays live at the top level of the JSON object next to the fixed
// keys, hence the custom (un)marshaling.
type SyncResponse struct {
	ServerTimestamp int64
	Conflicts       []Conflict
	Entities        map[domain.EntityType][]json.RawMessage
}

const (
	serverTimestampKey = "server_timestamp"
	conflictsKey       = "conflicts"
)

func (r SyncResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Entities)+2)
	out[serverTimestampKey] = r.ServerTimestamp
	if len(r.Conflicts) > 0 {
		out[conflictsKey] = r.Conflicts
	}
	for tp, records := range r.Entities {
		out[tp.WireName()] = records
	}
	return json.Marshal(out)
}

func (r *SyncResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ts, ok := raw[serverTimestampKey]; ok {
		if err := json.Unmarshal(ts, &r.ServerTimestamp); err != nil {
			return fmt.Errorf("decode %s: %w", serverTimestampKey, err)
		}
	}
	if cf, ok := raw[conflictsKey]; ok {
		if err := json.Unmarshal(cf, &r.Conflicts); err != nil {
			return fmt.Errorf("decode %s: %w", conflictsKey, err)
		}
	}
	r.Entities = make(map[domain.EntityType][]json.RawMessage)
	for _, tp := range domain.AllTypes {
		block, ok := raw[tp.WireName()]
		if !ok {
			continue
		}
		var records []json.RawMessage
		if err := json.Unmarshal(block, &records); err != nil {
			return fmt.Errorf("decode %s: %w", tp.WireName(), err)
		}
		if len(records) > 0 {
			r.Entities[tp] = records
		}
	}
	return nil
}

// RecordId extracts the id field of a raw business record.
func RecordId(raw json.RawMessage) (string, error) {
	var probe struct {
		Id string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	if probe.Id == "" {
		return "", fmt.Errorf("record without id")
	}
	return probe.Id, nil
}
