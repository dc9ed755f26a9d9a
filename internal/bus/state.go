package bus

import (
	"encoding/json"
	"path/filepath"

	"github.com/prloom/prloom/internal/jsonfile"
)

func writeJSONAtomic(path string, v any) error {
	return jsonfile.WriteAtomic(path, v)
}

func readJSON(path string, v any) (bool, error) {
	return jsonfile.Read(path, v)
}

// DeferredEvent is one entry of dispatcher.json's deferredEventIds (spec.md §4.6).
type DeferredEvent struct {
	Reason         string `json:"reason"`
	DeferredUntil  int64  `json:"deferredUntil"` // unix millis
}

// DispatcherState is state/dispatcher.json: the bus consumer's own cursors
// and dedup bookkeeping (spec.md §4.4 layout, §4.6 deferred-event persistence).
type DispatcherState struct {
	EventsOffset      int64                    `json:"eventsOffset"`
	ActionsOffset     int64                    `json:"actionsOffset"`
	ProcessedEventIDs []string                 `json:"processedEventIds"`
	DeferredEventIDs  map[string]DeferredEvent `json:"deferredEventIds"`
}

func (m *Manager) dispatcherStatePath() string {
	return filepath.Join(m.root, "state", "dispatcher.json")
}

// LoadDispatcherState reads state/dispatcher.json, returning a zero-value
// state (never nil) if the file does not yet exist.
func (m *Manager) LoadDispatcherState() (*DispatcherState, error) {
	st := &DispatcherState{DeferredEventIDs: map[string]DeferredEvent{}}
	if _, err := readJSON(m.dispatcherStatePath(), st); err != nil {
		return nil, err
	}
	if st.DeferredEventIDs == nil {
		st.DeferredEventIDs = map[string]DeferredEvent{}
	}
	return st, nil
}

// SaveDispatcherState persists state/dispatcher.json atomically.
func (m *Manager) SaveDispatcherState(st *DispatcherState) error {
	return writeJSONAtomic(m.dispatcherStatePath(), st)
}

func (m *Manager) bridgeStatePath(name string) string {
	return filepath.Join(m.root, "state", "bridge."+name+".json")
}

// LoadBridgeState reads a bridge's opaque persisted state into v.
func (m *Manager) LoadBridgeState(name string, v any) (bool, error) {
	return readJSON(m.bridgeStatePath(name), v)
}

// SaveBridgeState persists a bridge's opaque state verbatim (spec.md §4.5:
// "returns new state verbatim for persistence").
func (m *Manager) SaveBridgeState(name string, v any) error {
	return writeJSONAtomic(m.bridgeStatePath(name), v)
}

// BridgeActionsState is state/bridge.<name>.actions.json: the delivery
// receipts that make at-least-once-per-bridge delivery into effectively
// exactly-once (spec.md §3 invariant 5, §4.5).
type BridgeActionsState struct {
	DeliveredActions map[string]json.RawMessage `json:"deliveredActions"`
}

func (m *Manager) bridgeActionsStatePath(name string) string {
	return filepath.Join(m.root, "state", "bridge."+name+".actions.json")
}

// LoadBridgeActionsState reads a bridge's delivery-receipt ledger.
func (m *Manager) LoadBridgeActionsState(name string) (*BridgeActionsState, error) {
	st := &BridgeActionsState{DeliveredActions: map[string]json.RawMessage{}}
	if _, err := readJSON(m.bridgeActionsStatePath(name), st); err != nil {
		return nil, err
	}
	if st.DeliveredActions == nil {
		st.DeliveredActions = map[string]json.RawMessage{}
	}
	return st, nil
}

// SaveBridgeActionsState persists a bridge's delivery-receipt ledger.
func (m *Manager) SaveBridgeActionsState(name string, st *BridgeActionsState) error {
	return writeJSONAtomic(m.bridgeActionsStatePath(name), st)
}

func (m *Manager) pluginStatePath(name string) string {
	return filepath.Join(m.root, "plugin-state", name+".json")
}

// LoadPluginState reads a plugin's scoped JSON key/value store into v.
func (m *Manager) LoadPluginState(name string, v any) (bool, error) {
	return readJSON(m.pluginStatePath(name), v)
}

// SavePluginState persists a plugin's scoped JSON key/value store.
func (m *Manager) SavePluginState(name string, v any) error {
	return writeJSONAtomic(m.pluginStatePath(name), v)
}
