package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/model"
)

// Event categories.
const (
	CategoryPWA         = "PWA"
	CategoryOffline     = "Offline"
	CategoryPerformance = "Performance"
)

// Default cadences and endpoints.
const (
	EventsChannel   = "events"
	SamplesChannel  = "samples"
	EventsInterval  = 5 * time.Second
	SamplesInterval = 60 * time.Second
	EventsPath      = "/api/analytics"
	SamplesPath     = "/api/analytics/metrics"
)

// Events tracks analytics events.
type Events struct {
	*Batcher[model.TelemetryEvent]
	now func() time.Time
}

// NewEvents wraps a Batcher for analytics events. now stamps each event.
func NewEvents(sender Sender[model.TelemetryEvent], opts Options, now func() time.Time) *Events {
	if opts.Channel == "" {
		opts.Channel = EventsChannel
	}
	if opts.Interval == 0 {
		opts.Interval = EventsInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Events{Batcher: NewBatcher(sender, opts), now: now}
}

// TrackEvent buffers one event stamped with the current time.
func (e *Events) TrackEvent(category, action, label string, value *float64) {
	e.Track(model.TelemetryEvent{
		Category:  category,
		Action:    action,
		Label:     label,
		Value:     value,
		Timestamp: e.now().UnixMilli(),
	})
}

// TrackInstallation records that the app was installed.
func (e *Events) TrackInstallation() {
	e.TrackEvent(CategoryPWA, "install", "", nil)
}

// TrackOfflineUsage records use of the app while offline.
func (e *Events) TrackOfflineUsage() {
	e.TrackEvent(CategoryOffline, "usage", "", nil)
}

// TrackPerformance records a named measurement.
func (e *Events) TrackPerformance(metric string, value float64) {
	e.TrackEvent(CategoryPerformance, metric, "", &value)
}

// Samples tracks structured performance samples.
type Samples struct {
	*Batcher[model.MetricSample]
}

// NewSamples wraps a Batcher for metric samples.
func NewSamples(sender Sender[model.MetricSample], opts Options) *Samples {
	if opts.Channel == "" {
		opts.Channel = SamplesChannel
	}
	if opts.Interval == 0 {
		opts.Interval = SamplesInterval
	}
	return &Samples{Batcher: NewBatcher(sender, opts)}
}

// Record buffers one sample.
func (s *Samples) Record(metric string, value float64) {
	s.Track(model.MetricSample{Metric: metric, Value: value})
}

// Sessions records offline sessions: the span between going offline and
// coming back, with the actions taken meanwhile. A finished session is
// tracked as an Offline/session event whose value is its length in
// milliseconds and whose label lists the actions.
type Sessions struct {
	events *Events
	now    func() time.Time

	mu      sync.Mutex
	start   time.Time
	active  bool
	actions []string
}

// NewSessions creates a session recorder reporting to events.
func NewSessions(events *Events, now func() time.Time) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{events: events, now: now}
}

// Watch follows monitor until the returned function is called.
func (s *Sessions) Watch(monitor *connectivity.Monitor) (unsubscribe func()) {
	if !monitor.Online() {
		s.begin()
	}
	return monitor.Subscribe(func(online bool) {
		if online {
			s.end()
		} else {
			s.begin()
		}
	})
}

// Action notes an action taken during the current offline session.
// Outside a session it is ignored.
func (s *Sessions) Action(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.actions = append(s.actions, action)
	}
}

// Active reports whether an offline session is open.
func (s *Sessions) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Sessions) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.start = s.now()
	s.actions = nil
}

func (s *Sessions) end() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	duration := float64(s.now().Sub(s.start).Milliseconds())
	label := strings.Join(s.actions, ",")
	s.actions = nil
	s.mu.Unlock()

	s.events.TrackEvent(CategoryOffline, "session", label, &duration)
}
