// Package metrics holds the Prometheus collectors shared by the API and the
// workers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

type Metrics struct {
	OrdersCreated        prometheus.Counter
	OrdersDuplicate      prometheus.Counter
	ProjectionLag        prometheus.Counter
	SagaOutcomes         *prometheus.CounterVec
	ReservationsRejected prometheus.Counter
	ReservationConflicts prometheus.Counter
	ReservationsReleased *prometheus.CounterVec
	PaymentAttempts      *prometheus.CounterVec
	EventsPublished      *prometheus.CounterVec
	Redeliveries         *prometheus.CounterVec
	DeadLetters          *prometheus.CounterVec
	ChangesRelayed       prometheus.Counter
	HTTPRequests         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders written for the first time.",
		}),
		OrdersDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_duplicate_total",
			Help: "Create requests that collided with an existing order key.",
		}),
		ProjectionLag: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_projection_write_failures_total",
			Help: "By-ID projection writes that failed and were left to the change feed.",
		}),
		SagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_outcomes_total",
			Help: "Work items handled by the saga, by outcome.",
		}, []string{"outcome"}),
		ReservationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_reservations_rejected_total",
			Help: "Reservations rejected for insufficient stock.",
		}),
		ReservationConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_reservation_conflicts_total",
			Help: "Reservation commits rejected because stock changed after the check.",
		}),
		ReservationsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_reservations_released_total",
			Help: "Reservations released, by cause.",
		}, []string{"cause"}),
		PaymentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_attempts_total",
			Help: "Payment authorization calls, by result.",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domain_events_published_total",
			Help: "Domain events published to the bus, by event type.",
		}, []string{"event_type"}),
		Redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_redeliveries_total",
			Help: "Messages scheduled for redelivery, by topic.",
		}, []string{"topic"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_dead_letters_total",
			Help: "Messages moved to a dead-letter topic, by source topic.",
		}, []string{"topic"}),
		ChangesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "changefeed_records_relayed_total",
			Help: "Change-log records relayed to the change topic.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersCreated, m.OrdersDuplicate, m.ProjectionLag, m.SagaOutcomes,
			m.ReservationsRejected, m.ReservationConflicts, m.ReservationsReleased,
			m.PaymentAttempts, m.EventsPublished, m.Redeliveries, m.DeadLetters,
			m.ChangesRelayed, m.HTTPRequests,
		)
	}
	return m
}

func (m *Metrics) OrderCreated() {
	if m != nil {
		m.OrdersCreated.Inc()
	}
}

func (m *Metrics) OrderDuplicate() {
	if m != nil {
		m.OrdersDuplicate.Inc()
	}
}

func (m *Metrics) ProjectionWriteFailed() {
	if m != nil {
		m.ProjectionLag.Inc()
	}
}

func (m *Metrics) SagaOutcome(outcome string) {
	if m != nil {
		m.SagaOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ReservationRejected() {
	if m != nil {
		m.ReservationsRejected.Inc()
	}
}

func (m *Metrics) ReservationConflict() {
	if m != nil {
		m.ReservationConflicts.Inc()
	}
}

func (m *Metrics) ReservationReleased(cause string) {
	if m != nil {
		m.ReservationsReleased.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) PaymentAttempt(result string) {
	if m != nil {
		m.PaymentAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) EventPublished(eventType string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Redelivered(topic string, n int) {
	if m != nil && n > 0 {
		m.Redeliveries.WithLabelValues(topic).Add(float64(n))
	}
}

func (m *Metrics) DeadLettered(topic string, n int) {
	if m != nil && n > 0 {
		m.DeadLetters.WithLabelValues(topic).Add(float64(n))
	}
}

func (m *Metrics) Relayed(n int) {
	if m != nil && n > 0 {
		m.ChangesRelayed.Add(float64(n))
	}
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}
