package statesync

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/schema"
)

// MaxDeltaBuffer is the capacity of the delta ring buffer.
const MaxDeltaBuffer = 1000

// MaxOfflineQueue is the largest offline batch accepted in one call.
const MaxOfflineQueue = 100

// ErrVersionTooOld is returned by GetDeltasSince when the requested range is
// no longer covered by the buffer. Callers fall back to GetFullState.
var ErrVersionTooOld = errors.New("requested version no longer in delta buffer")

// Delta is a single recorded state change. Immutable once recorded.
type Delta struct {
	Version   uint64         `json:"version"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Snapshot is a derived, best-effort full-state view built by folding every
// recorded event into keyed collections.
type Snapshot struct {
	Version    uint64           `json:"version"`
	Timestamp  time.Time        `json:"timestamp"`
	Workspaces []map[string]any `json:"workspaces"`
	Executions []map[string]any `json:"executions"`
	Approvals  []map[string]any `json:"approvals"`
}

// OfflineEvent is a mutation a client recorded while disconnected, proposed
// for replay.
type OfflineEvent struct {
	ClientID        string         `json:"clientId"`
	Event           string         `json:"event"`
	Data            map[string]any `json:"data,omitempty"`
	ClientTimestamp int64          `json:"clientTimestamp"`
	ClientVersion   uint64         `json:"clientVersion"`
}

// Conflict describes one rejected offline event.
type Conflict struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// ProcessResult reports the outcome of an offline batch. Rejections are data,
// never errors.
type ProcessResult struct {
	Accepted   int        `json:"accepted"`
	Rejected   int        `json:"rejected"`
	Conflicts  []Conflict `json:"conflicts"`
	NewVersion uint64     `json:"newVersion"`
}

type approvalStatus string

const (
	approvalPending approvalStatus = "pending"
	approvalGranted approvalStatus = "granted"
	approvalDenied  approvalStatus = "denied"
)

type approvalRecord struct {
	data   map[string]any
	status approvalStatus
}

// Engine records every bus emission as a versioned delta, keeps a bounded
// ring buffer for reconnecting clients, folds events into a full-state
// snapshot, and reconciles offline batches with per-category conflict
// policies.
type Engine struct {
	bus    *eventbus.Bus
	logger *slog.Logger

	mu             sync.Mutex
	version        uint64
	deltas         []Delta
	workspaces     map[string]map[string]any
	executions     map[string]map[string]any
	approvals      map[string]*approvalRecord
	versionVectors map[string]uint64
	subs           []*eventbus.Subscription
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine subscribes to the full event taxonomy and starts recording.
func NewEngine(bus *eventbus.Bus, opts ...Option) *Engine {
	e := &Engine{
		bus:            bus,
		logger:         slog.Default(),
		workspaces:     map[string]map[string]any{},
		executions:     map[string]map[string]any{},
		approvals:      map[string]*approvalRecord{},
		versionVectors: map[string]uint64{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	for _, name := range schema.AllEvents() {
		e.subs = append(e.subs, bus.On(name, e.observe))
	}
	return e
}

func (e *Engine) observe(evt eventbus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordDelta(evt.Name, evt.Payload)
	e.updateState(evt.Name, evt.Payload)
}

// GetCurrentVersion returns the version of the most recently recorded delta.
func (e *Engine) GetCurrentVersion() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// GetDeltasSince returns every recorded delta with a version strictly greater
// than version. When the oldest buffered delta no longer covers the gap it
// returns ErrVersionTooOld and the caller must use GetFullState instead.
func (e *Engine) GetDeltasSince(version uint64) ([]Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.deltas) == 0 {
		return nil, nil
	}

	// The client needs deltas after `version`. If version+1 is older than the
	// oldest delta still buffered, a contiguous range cannot be served.
	oldest := e.deltas[0].Version
	if version+1 < oldest {
		return nil, fmt.Errorf("%w: requested after %d, oldest buffered %d", ErrVersionTooOld, version, oldest)
	}

	var out []Delta
	for _, d := range e.deltas {
		if d.Version > version {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetFullState builds a point-in-time snapshot from the accumulated state.
func (e *Engine) GetFullState() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Version:    e.version,
		Timestamp:  time.Now().UTC(),
		Workspaces: sortedValues(e.workspaces),
		Executions: sortedValues(e.executions),
		Approvals:  make([]map[string]any, 0, len(e.approvals)),
	}
	for _, id := range sortedKeys(e.approvals) {
		snap.Approvals = append(snap.Approvals, e.approvals[id].data)
	}
	return snap
}

// ProcessOfflineQueue reconciles a batch of client-authored events. Batches
// over MaxOfflineQueue lose their oldest events first; each surviving event
// passes through the per-category conflict policy before being recorded.
func (e *Engine) ProcessOfflineQueue(events []OfflineEvent) ProcessResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := ProcessResult{NewVersion: e.version}

	toProcess := events
	if len(events) > MaxOfflineQueue {
		evicted := len(events) - MaxOfflineQueue
		toProcess = events[evicted:]
		result.Rejected += evicted
		for i := 0; i < evicted; i++ {
			result.Conflicts = append(result.Conflicts, Conflict{
				Event:  events[i].Event,
				Reason: "Queue overflow — FIFO eviction",
			})
		}
	}

	for _, offline := range toProcess {
		if schema.StrategyFor(offline.Event) == schema.StrategyFirstWriteWins {
			if id := schema.GetString(offline.Data, "id"); id != "" {
				if existing, ok := e.approvals[id]; ok && existing.status != approvalPending {
					result.Rejected++
					result.Conflicts = append(result.Conflicts, Conflict{
						Event:  offline.Event,
						Reason: fmt.Sprintf("Already resolved (%s)", existing.status),
					})
					continue
				}
			}
		}

		e.recordDelta(offline.Event, offline.Data)
		e.updateState(offline.Event, offline.Data)
		e.versionVectors[offline.ClientID] = e.version
		result.Accepted++
	}

	result.NewVersion = e.version
	return result
}

// GetClientVersion returns the last version acknowledged for a client, or 0.
func (e *Engine) GetClientVersion(clientID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versionVectors[clientID]
}

// SetClientVersion records the version a client has acknowledged.
func (e *Engine) SetClientVersion(clientID string, version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.versionVectors[clientID] = version
}

// IsClientBehind reports whether a client's version-vector entry trails the
// current version. It does not verify that the gap is still reachable in the
// delta buffer; GetDeltasSince is the authority on reachability.
func (e *Engine) IsClientBehind(clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versionVectors[clientID] < e.version
}

// Destroy unsubscribes from every event and clears all internal collections.
// Idempotent.
func (e *Engine) Destroy() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.deltas = nil
	e.workspaces = map[string]map[string]any{}
	e.executions = map[string]map[string]any{}
	e.approvals = map[string]*approvalRecord{}
	e.versionVectors = map[string]uint64{}
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// recordDelta appends the next delta, evicting the oldest past capacity.
// Callers hold e.mu.
func (e *Engine) recordDelta(event string, data map[string]any) {
	e.version++
	e.deltas = append(e.deltas, Delta{
		Version:   e.version,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if len(e.deltas) > MaxDeltaBuffer {
		overflow := len(e.deltas) - MaxDeltaBuffer
		e.deltas = append(e.deltas[:0:0], e.deltas[overflow:]...)
	}
}

// updateState folds one event into the keyed collections. Callers hold e.mu.
func (e *Engine) updateState(event string, data map[string]any) {
	switch schema.CategoryOf(event) {
	case schema.CategoryWorkspace:
		id := schema.GetString(data, "id")
		if id == "" {
			return
		}
		if event == schema.WorkspaceRemoved {
			delete(e.workspaces, id)
			return
		}
		e.workspaces[id] = cloneMap(data)

	case schema.CategoryExecution:
		taskID := schema.GetString(data, "taskId")
		if taskID == "" {
			return
		}
		merged := cloneMap(e.executions[taskID])
		for k, v := range data {
			merged[k] = v
		}
		merged["lastEvent"] = event
		e.executions[taskID] = merged

	case schema.CategoryApproval:
		id := schema.GetString(data, "id")
		if id == "" {
			return
		}
		switch event {
		case schema.ApprovalRequested:
			e.approvals[id] = &approvalRecord{data: cloneMap(data), status: approvalPending}
		case schema.ApprovalGranted:
			e.resolveApproval(id, approvalGranted, data)
		case schema.ApprovalDenied:
			e.resolveApproval(id, approvalDenied, data)
		}

	default:
		// Other categories are recorded as deltas but carry no keyed state.
	}
}

// resolveApproval applies a one-way pending → granted|denied transition.
// A record that is already resolved keeps its first resolution.
func (e *Engine) resolveApproval(id string, status approvalStatus, data map[string]any) {
	existing, ok := e.approvals[id]
	if !ok || existing.status != approvalPending {
		return
	}
	existing.status = status
	for k, v := range data {
		existing.data[k] = v
	}
	existing.data["status"] = string(status)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedValues(m map[string]map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(m))
	for _, id := range sortedKeys(m) {
		out = append(out, m[id])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
