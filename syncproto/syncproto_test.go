package syncproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmates/flat-sync/domain"
)

func TestSyncResponse_Unmarshal(t *testing.T) {
	raw := `{
		"server_timestamp": 1700000000000,
		"conflicts": [
			{"entity_type":"expense","entity_id":"e1","conflict_type":"UPDATE_UPDATE"}
		],
		"todos": [{"id":"t1","title":"Buy milk"}],
		"expenses": [{"id":"e1","amount":42}]
	}`
	var resp SyncResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	assert.Equal(t, int64(1700000000000), resp.ServerTimestamp)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, domain.TypeExpense, resp.Conflicts[0].EntityType)
	assert.Equal(t, "e1", resp.Conflicts[0].EntityId)

	require.Len(t, resp.Entities[domain.TypeTodo], 1)
	require.Len(t, resp.Entities[domain.TypeExpense], 1)
	id, err := RecordId(resp.Entities[domain.TypeTodo][0])
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
}

func TestSyncResponse_MarshalRoundTrip(t *testing.T) {
	resp := SyncResponse{
		ServerTimestamp: 42,
		Conflicts: []Conflict{
			{EntityType: domain.TypeTodo, EntityId: "t1", ConflictType: "DELETE_UPDATE"},
		},
		Entities: map[domain.EntityType][]json.RawMessage{
			domain.TypeShoppingItem: {json.RawMessage(`{"id":"s1"}`)},
		},
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	// per-type arrays live at the top level next to the fixed keys
	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &top))
	assert.Contains(t, top, "server_timestamp")
	assert.Contains(t, top, "shopping_items")

	var back SyncResponse
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, resp.ServerTimestamp, back.ServerTimestamp)
	assert.Equal(t, resp.Conflicts, back.Conflicts)
	require.Len(t, back.Entities[domain.TypeShoppingItem], 1)
}

func TestSyncRequest_Marshal(t *testing.T) {
	req := SyncRequest{
		LastSyncTimestamp: 100,
		HouseholdId:       "h1",
		Changes: map[string]EntityChanges{
			"todos": {
				Created: []json.RawMessage{json.RawMessage(`{"id":"t1"}`)},
				Deleted: []string{"t2"},
			},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"last_sync_timestamp": 100,
		"household_id": "h1",
		"changes": {"todos": {"created":[{"id":"t1"}], "updated":null, "deleted":["t2"]}}
	}`, string(data))
}

func TestRecordId(t *testing.T) {
	_, err := RecordId(json.RawMessage(`{"title":"no id"}`))
	assert.Error(t, err)
	_, err = RecordId(json.RawMessage(`not json`))
	assert.Error(t, err)
}
