package domain

import (
	"encoding/json"
	"fmt"
)

// EntityType is a closed set of synchronizable record kinds.
// The string form is the wire name used by the remote authority.
type EntityType int

const (
	TypeTodo EntityType = iota
	TypeShoppingList
	TypeShoppingItem
	TypeExpense
	TypeExpenseSplit
	TypeHousehold
	TypeHouseholdMember
)

// AllTypes enumerates types in the order they are gathered into a change-set.
var AllTypes = []EntityType{
	TypeTodo,
	TypeShoppingList,
	TypeShoppingItem,
	TypeExpense,
	TypeExpenseSplit,
	TypeHousehold,
	TypeHouseholdMember,
}

func (t EntityType) String() string {
	switch t {
	case TypeTodo:
		return "todo"
	case TypeShoppingList:
		return "shopping_list"
	case TypeShoppingItem:
		return "shopping_item"
	case TypeExpense:
		return "expense"
	case TypeExpenseSplit:
		return "expense_split"
	case TypeHousehold:
		return "household"
	case TypeHouseholdMember:
		return "household_member"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// WireName is the key used for the per-type blocks of the sync protocol.
func (t EntityType) WireName() string {
	switch t {
	case TypeTodo:
		return "todos"
	case TypeShoppingList:
		return "shopping_lists"
	case TypeShoppingItem:
		return "shopping_items"
	case TypeExpense:
		return "expenses"
	case TypeExpenseSplit:
		return "expense_splits"
	case TypeHousehold:
		return "households"
	case TypeHouseholdMember:
		return "household_members"
	}
	return t.String()
}

func ParseEntityType(s string) (EntityType, error) {
	for _, t := range AllTypes {
		if t.String() == s || t.WireName() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", s)
}

func (t EntityType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EntityType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEntityType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SyncStatus tags a local record with its reconciliation state.
type SyncStatus int

const (
	StatusSynced SyncStatus = iota
	StatusPendingCreate
	StatusPendingUpdate
	StatusPendingDelete
)

func (s SyncStatus) String() string {
	switch s {
	case StatusSynced:
		return "SYNCED"
	case StatusPendingCreate:
		return "PENDING_CREATE"
	case StatusPendingUpdate:
		return "PENDING_UPDATE"
	case StatusPendingDelete:
		return "PENDING_DELETE"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s SyncStatus) IsPending() bool {
	switch s {
	case StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete:
		return true
	case StatusSynced:
		return false
	}
	return false
}

// Operation is a queued mutation kind.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	}
	return fmt.Sprintf("unknown(%d)", int(o))
}

// Record is the engine-side envelope of a synchronizable entity.
// Business fields stay opaque inside Data, only the id is required
// to be present there and to match Id.
type Record struct {
	Id           string
	Type         EntityType
	Status       SyncStatus
	LastModified int64 // unix millis of the last local write
	Data         json.RawMessage
}

// Key identifies an entity across the queue, the store and the protocol.
type Key struct {
	Type EntityType
	Id   string
}

func (k Key) String() string {
	return k.Type.String() + "/" + k.Id
}
