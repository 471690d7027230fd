// Package metrics provides Prometheus metrics for the barrierd subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No session, room or entity ids in labels: those are unbounded.

var (
	// Signaling

	SignalingConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barrierd_signaling_connections",
		Help: "Current number of open signaling connections.",
	})

	SignalingRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barrierd_signaling_rooms",
		Help: "Current number of signaling rooms with at least one member.",
	})

	// SignalingMessagesTotal counts inbound signaling messages by kind and outcome.
	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_signaling_messages_total",
		Help: "Total number of signaling messages, by kind and outcome (relayed, no_peers, rejected, rate_limited).",
	}, []string{"kind", "outcome"})

	SignalingSlowConsumerTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "barrierd_signaling_slow_consumer_total",
		Help: "Total number of connections closed because their outbound queue overflowed.",
	})

	// Sessions

	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "barrierd_sessions_active",
		Help: "Current number of non-closed sessions, by state.",
	}, []string{"state"})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_session_transitions_total",
		Help: "Total number of session state transitions, by source and target state.",
	}, []string{"from", "to"})

	// FallbackTotal counts fallback attempts by outcome (started, reused, failed).
	FallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_fallback_total",
		Help: "Total number of relay fallback attempts, by outcome.",
	}, []string{"outcome"})

	// Admission

	AdmissionAdmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_admission_admit_total",
		Help: "Total number of admitted start requests, by result (admitted, already_running).",
	}, []string{"result"})

	AdmissionRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_admission_reject_total",
		Help: "Total number of rejected start requests, by reason.",
	}, []string{"reason"})

	AdmissionUsedMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barrierd_admission_used_mb",
		Help: "Memory requirement of entities currently admitted, in MB.",
	})

	AdmissionBudgetMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barrierd_admission_budget_mb",
		Help: "Configured memory budget for admitted entities, in MB.",
	})

	// Supervisor

	SupervisorGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barrierd_supervisor_groups",
		Help: "Current number of supervised process groups.",
	})

	SupervisorStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_supervisor_starts_total",
		Help: "Total number of process group start attempts, by result.",
	}, []string{"result"})

	// SupervisorExitsTotal counts group teardowns by cause (stopped, died, killed).
	SupervisorExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_supervisor_exits_total",
		Help: "Total number of process group teardowns, by cause.",
	}, []string{"cause"})

	SupervisorBackpressureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_supervisor_backpressure_total",
		Help: "Total number of soft limit breaches, by process role and resource.",
	}, []string{"role", "resource"})

	ProcTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_proc_terminate_total",
		Help: "Signals sent while terminating process groups, by signal and result.",
	}, []string{"signal", "result"})

	ProcWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_proc_wait_total",
		Help: "Process wait outcomes after termination.",
	}, []string{"outcome"})

	ProcessCPUPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "barrierd_process_cpu_percent",
		Help: "Most recent CPU sample of supervised processes, by role.",
	}, []string{"role"})

	ProcessRSSMB = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "barrierd_process_rss_mb",
		Help: "Most recent resident memory sample of supervised processes, by role.",
	}, []string{"role"})

	// Host

	HostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barrierd_host_cpu_percent",
		Help: "Host CPU utilisation over the last sampling period.",
	})

	HostMemoryRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barrierd_host_memory_ratio",
		Help: "Host memory utilisation ratio (0..1).",
	})

	ResourceWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "barrierd_resource_warnings_total",
		Help: "Total number of host memory warnings emitted.",
	})

	// Bus

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_bus_dropped_total",
		Help: "Events dropped by the in-process bus, by topic and reason.",
	}, []string{"topic", "reason"})

	// Automation

	AutomationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_automation_requests_total",
		Help: "Total number of automation requests, by routed intent.",
	}, []string{"intent"})

	CompletionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_completion_requests_total",
		Help: "Total number of text completion calls, by result.",
	}, []string{"result"})

	// Circuit breakers

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "barrierd_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"component"})

	CircuitBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barrierd_circuit_breaker_trips_total",
		Help: "Total number of transitions to open, by reason.",
	}, []string{"component", "reason"})
)

// RecordSignalingMessage counts one inbound signaling message.
func RecordSignalingMessage(kind, outcome string) {
	SignalingMessagesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSessionTransition counts a state change and moves the active gauges.
func RecordSessionTransition(from, to string) {
	SessionTransitionsTotal.WithLabelValues(from, to).Inc()
	if from != "" {
		SessionsActive.WithLabelValues(from).Dec()
	}
	if to != "closed" {
		SessionsActive.WithLabelValues(to).Inc()
	}
}

// RecordFallback counts a fallback attempt.
func RecordFallback(outcome string) {
	FallbackTotal.WithLabelValues(outcome).Inc()
}

// RecordAdmit counts a successful admission.
func RecordAdmit(result string) {
	AdmissionAdmitTotal.WithLabelValues(result).Inc()
}

// RecordReject counts a rejected admission.
func RecordReject(reason string) {
	AdmissionRejectTotal.WithLabelValues(reason).Inc()
}

// SetAdmissionUsage publishes the current budget usage.
func SetAdmissionUsage(usedMB, budgetMB int) {
	AdmissionUsedMB.Set(float64(usedMB))
	AdmissionBudgetMB.Set(float64(budgetMB))
}

// RecordSupervisorStart counts a group start attempt.
func RecordSupervisorStart(result string) {
	SupervisorStartsTotal.WithLabelValues(result).Inc()
}

// RecordSupervisorExit counts a group teardown.
func RecordSupervisorExit(cause string) {
	SupervisorExitsTotal.WithLabelValues(cause).Inc()
}

// RecordBackpressure counts a soft limit breach.
func RecordBackpressure(role, resource string) {
	SupervisorBackpressureTotal.WithLabelValues(role, resource).Inc()
}

// IncProcTerminate counts a termination signal.
func IncProcTerminate(signal, result string) {
	ProcTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait counts a termination wait outcome.
func IncProcWait(outcome string) {
	ProcWaitTotal.WithLabelValues(outcome).Inc()
}

// SetProcessSample publishes the latest per-role process sample.
func SetProcessSample(role string, cpuPercent, rssMB float64) {
	ProcessCPUPercent.WithLabelValues(role).Set(cpuPercent)
	ProcessRSSMB.WithLabelValues(role).Set(rssMB)
}

// SetHostSample publishes the latest host sample.
func SetHostSample(cpuPercent, memoryRatio float64) {
	HostCPUPercent.Set(cpuPercent)
	HostMemoryRatio.Set(memoryRatio)
}

// IncBusDrop counts an event dropped by the bus.
func IncBusDrop(topic, reason string) {
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// SetCircuitBreakerState publishes a breaker state by name.
func SetCircuitBreakerState(component, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(component).Set(v)
}

// RecordCircuitBreakerTrip counts a breaker opening.
func RecordCircuitBreakerTrip(component, reason string) {
	CircuitBreakerTripsTotal.WithLabelValues(component, reason).Inc()
}
