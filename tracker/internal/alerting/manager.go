// Package alerting owns the lifecycle of location alerts.
//
// # Lifecycle
//
// Create persists a new active alert and, for critical alerts, schedules a
// single automatic escalation. Acknowledge and Resolve move the alert along
// active -> acknowledged -> resolved (or straight to resolved) and cancel the
// pending escalation. Repeating a transition is a no-op; nothing leaves
// resolved.
//
// Open alerts are cached in memory for the prioritized queue and stats. The
// store remains the system of record: every change goes through it first and
// the cache is updated only after the write succeeds.
package alerting

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/events"
)

// AlertStore defines the storage interface for the alert manager.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *types.Alert) error
	UpdateAlert(ctx context.Context, id string, patch types.AlertPatch) (*types.Alert, error)
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error)
	ListOpenAlerts(ctx context.Context, orgID string) ([]types.Alert, error)
}

// Deferrer runs one-shot tasks keyed by id. *scheduler.Scheduler satisfies it.
type Deferrer interface {
	After(key string, delay time.Duration, fn func()) error
	Cancel(key string) bool
}

// Config holds alert manager settings.
type Config struct {
	// EscalationEnabled turns automatic escalation of critical alerts on.
	EscalationEnabled bool

	// EscalationDelay is how long a critical alert may stay active before it
	// is escalated.
	EscalationDelay time.Duration

	// EscalationTimeout bounds the store write made by an automatic escalation.
	EscalationTimeout time.Duration
}

// DefaultConfig returns the default alert manager configuration.
func DefaultConfig() Config {
	return Config{
		EscalationEnabled: true,
		EscalationDelay:   5 * time.Minute,
		EscalationTimeout: 10 * time.Second,
	}
}

const (
	triggeredBySystem     = "system"
	triggeredByEscalation = "escalation"
)

// Manager creates alerts and applies lifecycle transitions.
type Manager struct {
	store    AlertStore
	bus      events.Publisher
	deferrer Deferrer
	clock    clockwork.Clock
	config   Config
	orgID    string
	logger   *slog.Logger

	// writeMu serializes transitions so two callers cannot both apply the
	// same step against a stale copy.
	writeMu sync.Mutex

	mu     sync.RWMutex
	open   map[string]*types.Alert
	closed bool
}

// New creates an alert manager. deferrer may be nil, which disables
// automatic escalation.
func New(store AlertStore, bus events.Publisher, deferrer Deferrer, clock clockwork.Clock, config Config, orgID string, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		bus:      bus,
		deferrer: deferrer,
		clock:    clock,
		config:   config,
		orgID:    orgID,
		logger:   logger.With("component", "alerting"),
		open:     make(map[string]*types.Alert),
	}
}

// Load rebuilds the open-alert cache from the store and re-arms escalation
// for critical alerts that have not been escalated yet.
func (m *Manager) Load(ctx context.Context) (int, error) {
	alerts, err := m.store.ListOpenAlerts(ctx, m.orgID)
	if err != nil {
		return 0, types.Persistence("load alerts", err)
	}

	m.mu.Lock()
	m.open = make(map[string]*types.Alert, len(alerts))
	for i := range alerts {
		m.open[alerts[i].ID] = alerts[i].Clone()
	}
	m.mu.Unlock()

	now := m.clock.Now()
	rearmed := 0
	for i := range alerts {
		a := &alerts[i]
		if a.Status != types.AlertStatusActive || a.EscalationLevel > 0 {
			continue
		}
		remaining := max(a.CreatedAt.Add(m.config.EscalationDelay).Sub(now), 0)
		if m.scheduleEscalation(a, remaining) {
			rearmed++
		}
	}

	m.logger.Info("alerts loaded", "open", len(alerts), "escalations_rearmed", rearmed)
	return len(alerts), nil
}

// Create persists a new active alert and announces it.
func (m *Manager) Create(ctx context.Context, spec types.AlertSpec) (*types.Alert, error) {
	const op = "create alert"
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	a := &types.Alert{
		ID:                uuid.New().String(),
		AlertType:         spec.AlertType,
		Severity:          spec.Severity,
		Status:            types.AlertStatusActive,
		DeviceID:          spec.DeviceID,
		GeofenceID:        spec.GeofenceID,
		LocationHistoryID: spec.LocationHistoryID,
		CurrentLocation:   spec.CurrentLocation,
		Title:             spec.Title,
		Description:       spec.Description,
		RiskAssessment:    spec.RiskAssessment,
		OrganizationID:    m.orgID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	a = a.Clone()

	if err := m.store.InsertAlert(ctx, a); err != nil {
		return nil, types.Persistence(op, err)
	}

	m.mu.Lock()
	m.open[a.ID] = a
	m.mu.Unlock()

	m.logger.Info("alert created",
		"alert_id", a.ID,
		"type", a.AlertType,
		"severity", a.Severity,
		"device_id", a.DeviceID,
	)
	m.publish(events.AlertCreated, a)
	m.scheduleEscalation(a, m.config.EscalationDelay)

	return a.Clone(), nil
}

func validateSpec(spec types.AlertSpec) error {
	const op = "create alert"
	if spec.DeviceID == "" {
		return types.Validationf(op, "device id is required")
	}
	if spec.AlertType == "" {
		return types.Validationf(op, "alert type is required")
	}
	if spec.Severity.Level() == 0 {
		return types.Validationf(op, "invalid severity: %q", spec.Severity)
	}
	if spec.Title == "" {
		return types.Validationf(op, "title is required")
	}
	return nil
}

// scheduleEscalation arms the automatic escalation for critical alerts.
func (m *Manager) scheduleEscalation(a *types.Alert, delay time.Duration) bool {
	if !m.config.EscalationEnabled || m.deferrer == nil || a.Severity != types.AlertSeverityCritical {
		return false
	}
	id := a.ID
	if err := m.deferrer.After(id, delay, func() { m.autoEscalate(id) }); err != nil {
		m.logger.Warn("escalation not scheduled", "alert_id", id, "error", err)
		return false
	}
	return true
}

// autoEscalate runs when the escalation delay elapses. Failures are logged
// and not retried.
func (m *Manager) autoEscalate(id string) {
	m.mu.RLock()
	a, ok := m.open[id]
	active := ok && a.Status == types.AlertStatusActive
	m.mu.RUnlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.EscalationTimeout)
	defer cancel()
	if _, err := m.escalate(ctx, id, triggeredByEscalation, true); err != nil {
		m.logger.Error("automatic escalation failed", "alert_id", id, "error", err)
	}
}

// Escalate raises the escalation level of an open alert by one.
func (m *Manager) Escalate(ctx context.Context, id string) (*types.Alert, error) {
	return m.escalate(ctx, id, triggeredBySystem, false)
}

func (m *Manager) escalate(ctx context.Context, id, by string, onlyActive bool) (*types.Alert, error) {
	const op = "escalate alert"
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur, err := m.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if onlyActive && cur.Status != types.AlertStatusActive {
		return cur, nil
	}
	if !cur.IsOpen() {
		return nil, types.Validationf(op, "alert %s is %s", id, cur.Status)
	}

	level := cur.EscalationLevel + 1
	updated, err := m.apply(ctx, op, id, types.AlertPatch{
		EscalationLevel: &level,
		UpdatedAt:       m.clock.Now(),
		EventType:       "escalated",
		TriggeredBy:     by,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Warn("alert escalated", "alert_id", id, "level", updated.EscalationLevel, "triggered_by", by)
	m.publish(events.AlertEscalated, updated)
	return updated.Clone(), nil
}

// Acknowledge marks an alert as seen by an operator.
func (m *Manager) Acknowledge(ctx context.Context, id, by string) (*types.Alert, error) {
	const op = "acknowledge alert"
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}
	if by == "" {
		by = triggeredBySystem
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur, err := m.current(ctx, id)
	if err != nil {
		return nil, err
	}
	next := types.AlertStatusAcknowledged
	if cur.Status == next {
		return cur, nil
	}
	if !cur.Status.CanTransition(next) {
		return nil, types.Validationf(op, "cannot move alert %s from %s to %s", id, cur.Status, next)
	}

	now := m.clock.Now()
	updated, err := m.apply(ctx, op, id, types.AlertPatch{
		Status:         &next,
		AcknowledgedBy: &by,
		AcknowledgedAt: &now,
		UpdatedAt:      now,
		EventType:      "acknowledged",
		TriggeredBy:    "user:" + by,
	})
	if err != nil {
		return nil, err
	}
	m.cancelEscalation(id)

	m.logger.Info("alert acknowledged", "alert_id", id, "by", by)
	m.publish(events.AlertAcknowledged, updated)
	return updated.Clone(), nil
}

// Resolve closes an alert.
func (m *Manager) Resolve(ctx context.Context, id string) (*types.Alert, error) {
	const op = "resolve alert"
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur, err := m.current(ctx, id)
	if err != nil {
		return nil, err
	}
	next := types.AlertStatusResolved
	if cur.Status == next {
		return cur, nil
	}
	if !cur.Status.CanTransition(next) {
		return nil, types.Validationf(op, "cannot move alert %s from %s to %s", id, cur.Status, next)
	}

	now := m.clock.Now()
	updated, err := m.apply(ctx, op, id, types.AlertPatch{
		Status:      &next,
		ResolvedAt:  &now,
		UpdatedAt:   now,
		EventType:   "resolved",
		TriggeredBy: triggeredBySystem,
	})
	if err != nil {
		return nil, err
	}
	m.cancelEscalation(id)

	m.logger.Info("alert resolved", "alert_id", id)
	m.publish(events.AlertResolved, updated)
	return updated.Clone(), nil
}

// apply writes a patch through the store and refreshes the cache.
func (m *Manager) apply(ctx context.Context, op, id string, patch types.AlertPatch) (*types.Alert, error) {
	updated, err := m.store.UpdateAlert(ctx, id, patch)
	if err != nil {
		return nil, types.Persistence(op, err)
	}
	if updated == nil {
		return nil, types.NotFound("alert", id)
	}

	m.mu.Lock()
	if updated.IsOpen() {
		m.open[id] = updated.Clone()
	} else {
		delete(m.open, id)
	}
	m.mu.Unlock()
	return updated, nil
}

func (m *Manager) cancelEscalation(id string) {
	if m.deferrer != nil {
		m.deferrer.Cancel(id)
	}
}

// current returns the cached alert, falling back to the store for closed
// alerts.
func (m *Manager) current(ctx context.Context, id string) (*types.Alert, error) {
	m.mu.RLock()
	a, ok := m.open[id]
	m.mu.RUnlock()
	if ok {
		return a.Clone(), nil
	}

	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, types.Persistence("get alert", err)
	}
	if a == nil {
		return nil, types.NotFound("alert", id)
	}
	return a, nil
}

// Get returns an alert by id.
func (m *Manager) Get(ctx context.Context, id string) (*types.Alert, error) {
	if err := m.checkOpen("get alert"); err != nil {
		return nil, err
	}
	return m.current(ctx, id)
}

// List returns alerts from the store, newest first.
func (m *Manager) List(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	if err := m.checkOpen("list alerts"); err != nil {
		return nil, err
	}
	alerts, err := m.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, types.Persistence("list alerts", err)
	}
	return alerts, nil
}

// Queue returns open alerts, most severe first and oldest first within a
// severity.
func (m *Manager) Queue() []types.Alert {
	m.mu.RLock()
	out := make([]types.Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, *a.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Alert) int {
		if c := cmp.Compare(b.Severity.Level(), a.Severity.Level()); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// ActiveCount returns how many alerts are in the active state.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.open {
		if a.Status == types.AlertStatusActive {
			n++
		}
	}
	return n
}

// Close stops accepting calls and cancels pending escalations.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.cancelEscalation(id)
	}
}

func (m *Manager) checkOpen(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return types.ServiceClosed(op)
	}
	return nil
}

func (m *Manager) publish(t events.Type, a *types.Alert) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, Time: m.clock.Now(), Payload: events.AlertPayload{Alert: a.Clone()}})
}
