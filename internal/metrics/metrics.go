package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// JobName is the Pushgateway job the run metrics are grouped under.
const JobName = "ipfix"

// Counters holds all ipfix Prometheus metrics.
type Counters struct {
	DetectedFaults      prometheus.Counter
	AmbiguousOwners     prometheus.Counter
	BackupsWritten      *prometheus.CounterVec
	ResourcesDeleted    *prometheus.CounterVec
	RemediatedPlans     prometheus.Counter
	RemediationFailures *prometheus.CounterVec
}

// NewCounters creates and registers Prometheus counters with the given registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		DetectedFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipfix_detected_faults_total",
			Help: "Total number of failed install plans with a staging bundle image.",
		}),
		AmbiguousOwners: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipfix_ambiguous_owners_total",
			Help: "Total number of install plans referenced by more than one subscription.",
		}),
		BackupsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipfix_backups_written_total",
			Help: "Total number of resource snapshots written, by kind.",
		}, []string{"kind"}),
		ResourcesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipfix_resources_deleted_total",
			Help: "Total number of resources deleted, by kind.",
		}, []string{"kind"}),
		RemediatedPlans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipfix_remediated_install_plans_total",
			Help: "Total number of install plans deleted for regeneration.",
		}),
		RemediationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipfix_remediation_failures_total",
			Help: "Total number of failed remediation steps, by step.",
		}, []string{"step"}),
	}

	reg.MustRegister(
		c.DetectedFaults,
		c.AmbiguousOwners,
		c.BackupsWritten,
		c.ResourcesDeleted,
		c.RemediatedPlans,
		c.RemediationFailures,
	)

	return c
}

// RecordDetected adds n detected faults.
func (c *Counters) RecordDetected(n int) {
	c.DetectedFaults.Add(float64(n))
}

// RecordAmbiguousOwner increments the ambiguous subscription counter.
func (c *Counters) RecordAmbiguousOwner() {
	c.AmbiguousOwners.Inc()
}

// RecordBackup increments the snapshot counter for kind.
func (c *Counters) RecordBackup(kind string) {
	c.BackupsWritten.WithLabelValues(kind).Inc()
}

// RecordDeleted increments the deletion counter for kind.
func (c *Counters) RecordDeleted(kind string) {
	c.ResourcesDeleted.WithLabelValues(kind).Inc()
}

// RecordRemediated increments the remediated plans counter.
func (c *Counters) RecordRemediated() {
	c.RemediatedPlans.Inc()
}

// RecordFailure increments the failure counter for step.
func (c *Counters) RecordFailure(step string) {
	c.RemediationFailures.WithLabelValues(step).Inc()
}

// Push sends everything in g to a Pushgateway, grouped by run id.
func Push(ctx context.Context, url, runID string, g prometheus.Gatherer) error {
	err := push.New(url, JobName).
		Gatherer(g).
		Grouping("run", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
