package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/idgen"
	"github.com/rubenmavarezb/ditloop/internal/schema"
	"github.com/rubenmavarezb/ditloop/internal/state"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// OutputLine is one captured chunk of execution output.
type OutputLine struct {
	Stream    string    `json:"stream"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution is the externally visible state of one tracked execution. The
// cancellation handle is internal and never exposed.
type Execution struct {
	ID            string       `json:"id"`
	TaskID        string       `json:"taskId"`
	Workspace     string       `json:"workspace"`
	WorkspacePath string       `json:"workspacePath,omitempty"`
	Provider      string       `json:"provider,omitempty"`
	Model         string       `json:"model,omitempty"`
	Status        Status       `json:"status"`
	StartTime     time.Time    `json:"startTime"`
	EndTime       *time.Time   `json:"endTime,omitempty"`
	DurationMS    int64        `json:"durationMs,omitempty"`
	ExitCode      *int         `json:"exitCode,omitempty"`
	Error         string       `json:"error,omitempty"`
	Output        []OutputLine `json:"output,omitempty"`
}

type tracked struct {
	Execution
	runCtx context.Context
	cancel context.CancelFunc
}

// SubmitOptions describes a new execution.
type SubmitOptions struct {
	TaskID        string `json:"taskId"`
	Workspace     string `json:"workspace"`
	WorkspacePath string `json:"workspacePath"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
}

// ListFilter narrows ListExecutions results.
type ListFilter struct {
	Workspace string
	Status    Status
}

// Stats is an on-demand aggregate over the tracked executions.
type Stats struct {
	Total             int            `json:"total"`
	Running           int            `json:"running"`
	Queued            int            `json:"queued"`
	Completed         int            `json:"completed"`
	Failed            int            `json:"failed"`
	Cancelled         int            `json:"cancelled"`
	AverageDurationMS float64        `json:"averageDuration"`
	ProviderUsage     map[string]int `json:"providerUsage"`
}

// ExecuteFunc runs the underlying work of an execution. The context is
// cancelled when the execution is cancelled; the work is expected to observe
// it and stop. A non-nil error is published as an execution:error event for
// that execution.
type ExecuteFunc func(ctx context.Context, ex Execution) error

const (
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = time.Minute
	defaultProviderLimit = 2
)

func defaultRateLimits() map[string]int {
	return map[string]int{
		"claude":  3,
		"openai":  5,
		"default": defaultProviderLimit,
	}
}

// Monitor admission-controls executions per provider, keeps a FIFO wait
// queue, tracks lifecycle and output, and republishes lifecycle transitions
// on the bus. Terminal records are archived to SQLite and purged from memory
// after the retention window.
type Monitor struct {
	bus        *eventbus.Bus
	store      *state.Store
	logger     *slog.Logger
	rateLimits map[string]int
	retention  time.Duration
	sweepEvery time.Duration
	nowFn      func() time.Time

	mu         sync.Mutex
	executions map[string]*tracked
	queue      []string
	run        ExecuteFunc

	subs      []*eventbus.Subscription
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRateLimits overrides per-provider concurrency budgets. Unlisted
// providers fall back to the "default" entry.
func WithRateLimits(limits map[string]int) Option {
	return func(m *Monitor) {
		for provider, limit := range limits {
			m.rateLimits[provider] = limit
		}
	}
}

// WithRetention sets how long terminal records stay in memory.
func WithRetention(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithSweepInterval sets how often the retention sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithStore enables archiving of terminal executions.
func WithStore(store *state.Store) Option {
	return func(m *Monitor) {
		m.store = store
	}
}

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(m *Monitor) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// NewMonitor subscribes to execution lifecycle events and starts the
// retention sweep.
func NewMonitor(bus *eventbus.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		bus:        bus,
		logger:     slog.Default(),
		rateLimits: defaultRateLimits(),
		retention:  defaultRetention,
		sweepEvery: defaultSweepInterval,
		nowFn:      func() time.Time { return time.Now().UTC() },
		executions: map[string]*tracked{},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.subs = append(m.subs,
		bus.On(schema.ExecutionOutput, m.handleOutput),
		bus.On(schema.ExecutionCompleted, m.handleCompleted),
		bus.On(schema.ExecutionError, m.handleError),
	)

	go m.sweepLoop()
	return m
}

// SetExecuteFunc installs the callback that performs an execution's work.
func (m *Monitor) SetExecuteFunc(run ExecuteFunc) {
	m.mu.Lock()
	m.run = run
	m.mu.Unlock()
}

// SubmitExecution tracks a new execution. It starts immediately when the
// provider budget has headroom, otherwise joins the FIFO wait queue and an
// execution:progress event reports the queue position.
func (m *Monitor) SubmitExecution(ctx context.Context, opts SubmitOptions) (string, error) {
	if strings.TrimSpace(opts.TaskID) == "" {
		return "", fmt.Errorf("taskId is required")
	}
	if strings.TrimSpace(opts.Workspace) == "" {
		return "", fmt.Errorf("workspace is required")
	}

	ex := &tracked{Execution: Execution{
		ID:            idgen.New(),
		TaskID:        opts.TaskID,
		Workspace:     opts.Workspace,
		WorkspacePath: opts.WorkspacePath,
		Provider:      opts.Provider,
		Model:         opts.Model,
		Status:        StatusQueued,
		StartTime:     m.nowFn(),
	}}

	m.mu.Lock()
	m.executions[ex.ID] = ex
	var position int
	started := m.canStartLocked(providerOf(ex))
	if started {
		m.markRunningLocked(ex)
	} else {
		m.queue = append(m.queue, ex.ID)
		position = len(m.queue)
	}
	m.mu.Unlock()

	if started {
		m.launch(ctx, ex)
	} else {
		m.bus.Emit(ctx, schema.ExecutionProgress, map[string]any{
			"taskId":  ex.ID,
			"message": fmt.Sprintf("Queued (position %d)", position),
		})
	}

	return ex.ID, nil
}

// CancelExecution cancels a queued or running execution. It returns false
// when the execution is unknown or already terminal. Cancelling a running
// execution frees its provider slot and drains the wait queue.
func (m *Monitor) CancelExecution(ctx context.Context, id string) bool {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	switch ex.Status {
	case StatusQueued:
		m.queue = removeID(m.queue, id)
		m.finalizeLocked(ex, StatusCancelled, nil, "")
		m.mu.Unlock()
		m.archive(ctx, ex)
		return true
	case StatusRunning:
		if ex.cancel != nil {
			ex.cancel()
		}
		m.finalizeLocked(ex, StatusCancelled, nil, "")
		m.mu.Unlock()
		m.archive(ctx, ex)
		m.processQueue(ctx)
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// ListExecutions returns projections of tracked executions, optionally
// filtered by workspace and status.
func (m *Monitor) ListExecutions(filter ListFilter) []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Execution, 0, len(m.executions))
	for _, ex := range m.executions {
		if filter.Workspace != "" && ex.Workspace != filter.Workspace {
			continue
		}
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		out = append(out, ex.snapshot())
	}
	return out
}

// GetExecution returns one execution projection by ID.
func (m *Monitor) GetExecution(id string) (Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return Execution{}, false
	}
	return ex.snapshot(), true
}

// GetStats aggregates over the live collection on demand.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{ProviderUsage: map[string]int{}}
	var completedDuration int64
	for _, ex := range m.executions {
		stats.Total++
		stats.ProviderUsage[providerOf(ex)]++
		switch ex.Status {
		case StatusRunning:
			stats.Running++
		case StatusQueued:
			stats.Queued++
		case StatusCompleted:
			stats.Completed++
			completedDuration += ex.DurationMS
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	if stats.Completed > 0 {
		stats.AverageDurationMS = float64(completedDuration) / float64(stats.Completed)
	}
	return stats
}

// QueueLength reports how many executions are waiting for a provider slot.
func (m *Monitor) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops the retention sweep and unsubscribes from the bus. Idempotent.
// Running executions are left to their context; Close does not cancel them.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		for _, sub := range m.subs {
			sub.Unsubscribe()
		}
	})
}

// handleOutput appends an output line to the execution the event refers to.
// The taskId payload field may carry either the execution ID or the task ID.
func (m *Monitor) handleOutput(evt eventbus.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex := m.findLocked(schema.GetString(evt.Payload, "taskId"))
	if ex == nil {
		return
	}
	ex.Output = append(ex.Output, OutputLine{
		Stream:    schema.GetString(evt.Payload, "stream"),
		Data:      schema.GetString(evt.Payload, "data"),
		Timestamp: m.nowFn(),
	})
}

func (m *Monitor) handleCompleted(evt eventbus.Event) {
	var exitCode *int
	if code, ok := payloadInt(evt.Payload, "exitCode"); ok {
		exitCode = &code
	}
	m.finalizeFromEvent(evt, StatusCompleted, exitCode, "")
}

func (m *Monitor) handleError(evt eventbus.Event) {
	m.finalizeFromEvent(evt, StatusFailed, nil, schema.GetString(evt.Payload, "error"))
}

func (m *Monitor) finalizeFromEvent(evt eventbus.Event, status Status, exitCode *int, errMsg string) {
	m.mu.Lock()
	ex := m.findLocked(schema.GetString(evt.Payload, "taskId"))
	if ex == nil || ex.Status != StatusRunning {
		m.mu.Unlock()
		return
	}
	m.finalizeLocked(ex, status, exitCode, errMsg)
	m.mu.Unlock()

	ctx := context.Background()
	m.archive(ctx, ex)
	m.processQueue(ctx)
}

// processQueue admits as many queued executions as the freed budget allows,
// preserving submission order.
func (m *Monitor) processQueue(ctx context.Context) {
	var admitted []*tracked

	m.mu.Lock()
	for len(m.queue) > 0 {
		next, ok := m.executions[m.queue[0]]
		if !ok || next.Status != StatusQueued {
			m.queue = m.queue[1:]
			continue
		}
		if !m.canStartLocked(providerOf(next)) {
			break
		}
		m.queue = m.queue[1:]
		m.markRunningLocked(next)
		admitted = append(admitted, next)
	}
	m.mu.Unlock()

	for _, ex := range admitted {
		m.launch(ctx, ex)
	}
}

// canStartLocked checks the provider budget. Callers hold m.mu.
func (m *Monitor) canStartLocked(provider string) bool {
	limit, ok := m.rateLimits[provider]
	if !ok {
		limit = m.rateLimits["default"]
		if limit == 0 {
			limit = defaultProviderLimit
		}
	}
	running := 0
	for _, ex := range m.executions {
		if ex.Status == StatusRunning && providerOf(ex) == provider {
			running++
		}
	}
	return running < limit
}

// markRunningLocked transitions queued → running and installs the
// cancellation handle. Callers hold m.mu.
func (m *Monitor) markRunningLocked(ex *tracked) {
	runCtx, cancel := context.WithCancel(context.Background())
	ex.Status = StatusRunning
	ex.cancel = cancel
	ex.runCtx = runCtx
}

// launch emits execution:started and runs the execute callback on its own
// goroutine. A callback error is republished as execution:error so that
// finalization and queue draining flow through the event path.
func (m *Monitor) launch(ctx context.Context, ex *tracked) {
	m.mu.Lock()
	run := m.run
	snapshot := ex.snapshot()
	runCtx := ex.runCtx
	m.mu.Unlock()

	// Cancelled between admission and launch.
	if snapshot.Status != StatusRunning || runCtx == nil {
		return
	}

	m.bus.Emit(ctx, schema.ExecutionStarted, map[string]any{
		"id":        snapshot.ID,
		"taskId":    snapshot.TaskID,
		"workspace": snapshot.Workspace,
		"provider":  providerName(snapshot.Provider),
		"model":     snapshot.Model,
	})

	if run == nil {
		return
	}
	go func() {
		if err := run(runCtx, snapshot); err != nil {
			m.logger.Warn("execution failed", "id", snapshot.ID, "task", snapshot.TaskID, "error", err)
			m.bus.Emit(context.Background(), schema.ExecutionError, map[string]any{
				"taskId": snapshot.ID,
				"error":  err.Error(),
			})
		}
	}()
}

// finalizeLocked applies a terminal transition. Callers hold m.mu.
func (m *Monitor) finalizeLocked(ex *tracked, status Status, exitCode *int, errMsg string) {
	now := m.nowFn()
	ex.Status = status
	ex.EndTime = &now
	ex.DurationMS = now.Sub(ex.StartTime).Milliseconds()
	ex.ExitCode = exitCode
	if errMsg != "" {
		ex.Error = errMsg
	}
	ex.cancel = nil
	ex.runCtx = nil
}

// findLocked resolves an event reference: exact execution ID first, then the
// most recently submitted non-terminal execution with a matching task ID.
// Events carry the execution ID when the monitor emitted them and the task ID
// when an external engine did; both must resolve. Callers hold m.mu.
func (m *Monitor) findLocked(ref string) *tracked {
	if ref == "" {
		return nil
	}
	if ex, ok := m.executions[ref]; ok {
		return ex
	}
	var match *tracked
	for _, ex := range m.executions {
		if ex.TaskID != ref || ex.Status.IsTerminal() {
			continue
		}
		if match == nil || ex.StartTime.After(match.StartTime) {
			match = ex
		}
	}
	return match
}

func (m *Monitor) archive(ctx context.Context, ex *tracked) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	rec := ex.snapshot()
	m.mu.Unlock()

	archived := state.ArchivedExecution{
		ID:            rec.ID,
		TaskID:        rec.TaskID,
		Workspace:     rec.Workspace,
		WorkspacePath: rec.WorkspacePath,
		Provider:      rec.Provider,
		Model:         rec.Model,
		Status:        string(rec.Status),
		StartTime:     rec.StartTime,
		DurationMS:    rec.DurationMS,
		ExitCode:      rec.ExitCode,
		Error:         rec.Error,
		Output:        state.EncodeOutput(rec.Output),
	}
	if rec.EndTime != nil {
		archived.EndTime = *rec.EndTime
	}
	if err := m.store.ArchiveExecution(ctx, archived); err != nil {
		m.logger.Warn("archive execution failed", "id", rec.ID, "error", err)
	}
}

func (m *Monitor) sweepLoop() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep purges terminal executions whose end time fell outside the retention
// window. Their archived rows remain in SQLite.
func (m *Monitor) sweep() {
	now := m.nowFn()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ex := range m.executions {
		if ex.Status.IsTerminal() && ex.EndTime != nil && now.Sub(*ex.EndTime) > m.retention {
			delete(m.executions, id)
		}
	}
}

func (ex *tracked) snapshot() Execution {
	out := ex.Execution
	if ex.EndTime != nil {
		end := *ex.EndTime
		out.EndTime = &end
	}
	if ex.ExitCode != nil {
		code := *ex.ExitCode
		out.ExitCode = &code
	}
	out.Output = append([]OutputLine(nil), ex.Output...)
	return out
}

func providerOf(ex *tracked) string {
	return providerName(ex.Provider)
}

func providerName(provider string) string {
	if provider == "" {
		return "default"
	}
	return provider
}

func removeID(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != id {
			out = append(out, item)
		}
	}
	return out
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
