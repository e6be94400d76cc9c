package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segment_gateway_active_sessions",
		Help: "Number of active media stream sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segment_gateway_sessions_total",
		Help: "Total number of sessions processed",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "segment_gateway_session_duration_seconds",
		Help:    "Duration of media stream sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Segmentation metrics
	framesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segment_gateway_frames_processed_total",
		Help: "Total number of audio frames scored and segmented",
	})

	speechProbability = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "segment_gateway_speech_probability",
		Help:    "Distribution of per-frame speech probabilities",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
	})

	speechEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segment_gateway_speech_events_total",
		Help: "Total number of speech boundary events emitted",
	}, []string{"type"})

	segmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "segment_gateway_segment_duration_seconds",
		Help:    "Duration of detected speech segments in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
	})

	// STT metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segment_gateway_stt_requests_total",
		Help: "Total number of STT requests",
	}, []string{"status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "segment_gateway_stt_latency_seconds",
		Help:    "STT processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Sink metrics
	sinkPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segment_gateway_sink_publishes_total",
		Help: "Total number of events delivered to a sink",
	}, []string{"sink"})

	sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segment_gateway_sink_errors_total",
		Help: "Total number of failed sink deliveries",
	}, []string{"sink"})

	// Journal metrics
	journalWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segment_gateway_journal_writes_total",
		Help: "Total number of rows written to the segment journal",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segment_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segment_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segment_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segment_gateway_audio_bytes_received_total",
		Help: "Total inbound audio bytes received",
	})
)

// Metrics tracks metrics for a single media stream session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	sttStartTime time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	duration := time.Since(m.startTime).Seconds()
	sessionDuration.Observe(duration)
}

// RecordFrame records one scored audio frame
func (m *Metrics) RecordFrame(probability float64) {
	framesProcessed.Inc()
	speechProbability.Observe(probability)
}

// RecordSpeechEvent records an emitted speech boundary event
func (m *Metrics) RecordSpeechEvent(eventType string) {
	speechEvents.WithLabelValues(eventType).Inc()
}

// RecordSegmentDuration records the duration of a completed speech segment
func (m *Metrics) RecordSegmentDuration(seconds float64) {
	segmentDuration.Observe(seconds)
}

// RecordSTTStart records the start of STT processing
func (m *Metrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTEnd records the end of STT processing
func (m *Metrics) RecordSTTEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		latency := time.Since(m.sttStartTime).Seconds()
		sttLatency.Observe(latency)
	}

	status := "success"
	if !success {
		status = "error"
	}
	sttRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records inbound audio bytes received
func (m *Metrics) RecordAudioBytes(bytes int64) {
	audioBytesReceived.Add(float64(bytes))
}

// RecordSinkPublish records a successful delivery to the named sink
func RecordSinkPublish(sink string) {
	sinkPublishes.WithLabelValues(sink).Inc()
}

// RecordSinkError records a failed delivery to the named sink
func RecordSinkError(sink string) {
	sinkErrors.WithLabelValues(sink).Inc()
}

// RecordJournalWrite records a row written to the segment journal
func RecordJournalWrite() {
	journalWrites.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
