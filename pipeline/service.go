// Package pipeline composes the stream manager, protocol registry, telemetry
// store, and task tracker into one service, routing inbound stream messages
// by kind and exposing the outward query surface.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/c360/hubstream/component"
	"github.com/c360/hubstream/config"
	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/metric"
	"github.com/c360/hubstream/pkg/retry"
	"github.com/c360/hubstream/protocol"
	"github.com/c360/hubstream/stream"
	"github.com/c360/hubstream/task"
	"github.com/c360/hubstream/telemetry"
)

// Service is the top-level pipeline: one stream session in, per-device
// telemetry accumulation and task tracking inside, query methods out.
type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metric.Metrics

	registry *protocol.Registry
	manager  *stream.Manager
	store    *telemetry.Store
	tracker  *task.Tracker

	// components holds every discoverable part of the pipeline; those that
	// also implement LifecycleComponent are driven through Initialize, Start,
	// and Stop in registration order.
	components []component.Discoverable

	cancelRoute func()
	state       component.State
	started     time.Time
}

// New constructs the pipeline from validated configuration. The metrics
// registry is optional.
func New(cfg config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *metric.Metrics
	if registry != nil {
		metrics = registry.CoreMetrics()
	}

	mappings := protocol.NewRegistry()
	if errs := mappings.RegisterAll(protocol.DefaultMappings()); len(errs) > 0 {
		// Default mappings are static; a failure here is a programming error.
		return nil, errors.WrapFatal(errs[0], "Service", "New", "register default mappings")
	}

	store := telemetry.NewStore(mappings, telemetry.Options{
		Retention:      time.Duration(cfg.Telemetry.Retention),
		RawLineCap:     cfg.Telemetry.RawLineCap,
		NotifyInterval: time.Duration(cfg.Telemetry.NotifyInterval),
		Logger:         logger,
		Metrics:        metrics,
	})

	submitter := task.NewClient(cfg.Commands.BaseURL,
		time.Duration(cfg.Commands.RequestTimeout), logger)
	tracker := task.NewTracker(submitter, task.TrackerOptions{
		DefaultTimeout: time.Duration(cfg.Commands.TaskTimeout),
		Logger:         logger,
		Metrics:        metrics,
	})

	manager := stream.NewManager(stream.Options{
		URL:              cfg.Stream.URL,
		Credential:       credentialFromEnv(cfg.Stream.TokenEnv),
		HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeout),
		AutoReconnect:    cfg.Stream.Reconnect.Enabled,
		Backoff: retry.Config{
			MaxAttempts:  cfg.Stream.Reconnect.MaxRetries,
			InitialDelay: time.Duration(cfg.Stream.Reconnect.InitialInterval),
			MaxDelay:     time.Duration(cfg.Stream.Reconnect.MaxInterval),
			Multiplier:   cfg.Stream.Reconnect.Multiplier,
		},
		Logger:  logger,
		Metrics: metrics,
	})

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		registry:   mappings,
		manager:    manager,
		store:      store,
		tracker:    tracker,
		components: []component.Discoverable{manager},
		state:      component.StateCreated,
	}
	s.ApplyMappings(cfg.Mappings)
	return s, nil
}

// ApplyMappings registers operator-defined schemas, replacing earlier
// versions by ID. Invalid entries are logged and skipped so one bad schema
// never blocks the rest; the surviving errors are returned for reporting.
func (s *Service) ApplyMappings(mappings []protocol.Mapping) []error {
	var errs []error
	for _, m := range mappings {
		if err := s.registry.Register(m); err != nil {
			s.logger.Warn("skipping invalid mapping", "mapping_id", m.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

func credentialFromEnv(envVar string) string {
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// Initialize prepares all components and registers the message route.
func (s *Service) Initialize() error {
	for _, c := range s.components {
		lc, ok := component.AsLifecycleComponent(c)
		if !ok {
			continue
		}
		if err := lc.Initialize(); err != nil {
			return err
		}
	}
	s.cancelRoute = s.manager.OnMessage(s.route)
	s.state = component.StateInitialized
	return nil
}

// Start opens the stream session.
func (s *Service) Start(ctx context.Context) error {
	if s.state != component.StateInitialized {
		return errors.Wrap(errors.ErrNotStarted, "Service", "Start", "initialize first")
	}
	s.started = time.Now()
	for _, c := range s.components {
		lc, ok := component.AsLifecycleComponent(c)
		if !ok {
			continue
		}
		if err := lc.Start(ctx); err != nil {
			s.state = component.StateFailed
			return err
		}
	}
	s.state = component.StateStarted
	s.logger.Info("pipeline started", "stream_url", s.cfg.Stream.URL)
	return nil
}

// Stop closes the stream, stops timers, and releases the store. Components
// stop in reverse registration order.
func (s *Service) Stop(timeout time.Duration) error {
	if s.cancelRoute != nil {
		s.cancelRoute()
		s.cancelRoute = nil
	}
	var err error
	for i := len(s.components) - 1; i >= 0; i-- {
		lc, ok := component.AsLifecycleComponent(s.components[i])
		if !ok {
			continue
		}
		if stopErr := lc.Stop(timeout); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	s.tracker.Close()
	s.store.Close()
	s.state = component.StateStopped
	s.logger.Info("pipeline stopped")
	return err
}

// route dispatches one inbound stream message by kind. Runs on the stream
// read loop; per-message faults never escape.
func (s *Service) route(msg *stream.Message) {
	switch msg.Type {
	case stream.TypeTelemetry:
		s.store.Ingest(msg.Telemetry.HubID, msg.Telemetry.PortID, msg.Telemetry.Data)

	case stream.TypeTaskStatus:
		s.tracker.ApplyStatus(task.StatusUpdate{
			TaskID:    msg.TaskStatus.TaskID,
			Status:    task.Status(msg.TaskStatus.Status),
			Result:    msg.TaskStatus.Result,
			Error:     msg.TaskStatus.Error,
			Timestamp: int64(msg.TaskStatus.Timestamp),
		})

	case stream.TypeDeviceEvent:
		ev := msg.DeviceEvent
		s.logger.Info("device event",
			"hub_id", ev.HubID, "port_id", ev.PortID, "event", ev.Event,
			"at", ev.Timestamp.Time())
		if ev.Event == stream.EventDisconnected {
			if err := s.manager.Unsubscribe(stream.Subscription{
				HubID: ev.HubID, PortID: ev.PortID,
			}); err != nil {
				s.logger.Warn("unsubscribe after disconnect failed", "error", err)
			}
			s.store.Drop(ev.HubID, ev.PortID)
		}

	case stream.TypeSubscriptionStatus:
		st := msg.SubscriptionStatus
		s.logger.Info("subscription status",
			"hub_id", st.HubID, "port_id", st.PortID,
			"status", st.Status, "message", st.Message)

	case stream.TypeHealth:
		s.logger.Debug("stream health report")

	default:
		s.logger.Debug("ignoring unknown stream message", "type", msg.Type)
	}
}

// Subscribe requests telemetry for device ports, queuing when disconnected.
func (s *Service) Subscribe(subs ...stream.Subscription) error {
	return s.manager.Subscribe(subs...)
}

// Unsubscribe drops telemetry for device ports.
func (s *Service) Unsubscribe(subs ...stream.Subscription) error {
	return s.manager.Unsubscribe(subs...)
}

// RegisterMapping adds a user-defined sensor schema. Detection order follows
// registration order.
func (s *Service) RegisterMapping(m protocol.Mapping) error {
	return s.registry.Register(m)
}

// ChartData returns a device port's field series within the window.
func (s *Service) ChartData(hubID, portID string, w telemetry.Window) ([]telemetry.FieldChartData, error) {
	return s.store.ChartData(hubID, portID, w)
}

// DeviceData returns a snapshot of a device port's accumulated state.
func (s *Service) DeviceData(hubID, portID string) (telemetry.DeviceState, bool) {
	return s.store.DeviceData(hubID, portID)
}

// Chart returns the device-or-merged chart variant for a device port.
func (s *Service) Chart(hubID, portID string) (telemetry.Chart, error) {
	return s.store.Chart(hubID, portID)
}

// MergeCharts unions device series under one chart identity.
func (s *Service) MergeCharts(keys ...telemetry.DeviceKey) (*telemetry.MergedChartData, error) {
	return s.store.Merge(keys...)
}

// UnmergeCharts dissolves a merged group.
func (s *Service) UnmergeCharts(groupID string) ([]telemetry.DeviceKey, error) {
	return s.store.Unmerge(groupID)
}

// Updates exposes the store's coalesced change notification channel.
func (s *Service) Updates() <-chan telemetry.DeviceKey {
	return s.store.Updates()
}

// SubmitCommand dispatches a device command through the tracker.
func (s *Service) SubmitCommand(ctx context.Context, cmd task.Command) (*task.Task, error) {
	return s.tracker.Submit(ctx, cmd)
}

// ActiveTaskForPort returns the in-flight task occupying a port, if any.
func (s *Service) ActiveTaskForPort(portID string) (*task.Task, bool) {
	return s.tracker.ActiveTaskFor(portID)
}

// CleanupTasks sweeps terminal tasks, returning how many were removed.
func (s *Service) CleanupTasks() int {
	return s.tracker.CleanupTerminal()
}

// IsConnected reports stream session state.
func (s *Service) IsConnected() bool {
	return s.manager.IsConnected()
}

// Meta implements component.Discoverable.
func (s *Service) Meta() component.Metadata {
	return component.Metadata{
		Name:        "hubstream-pipeline",
		Type:        "service",
		Description: "Fleet telemetry ingestion pipeline",
		Version:     s.cfg.Version,
	}
}

// Health implements component.Discoverable. The pipeline is as healthy as
// its stream session.
func (s *Service) Health() component.HealthStatus {
	h := s.manager.Health()
	if !s.started.IsZero() {
		h.Uptime = time.Since(s.started)
	}
	return h
}

// DataFlow implements component.Discoverable.
func (s *Service) DataFlow() component.FlowMetrics {
	return s.manager.DataFlow()
}
