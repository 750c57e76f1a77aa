package remediate

import (
	"context"
	"errors"
	"fmt"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/ipfix/internal/backup"
	"github.com/ppiankov/ipfix/internal/config"
	"github.com/ppiankov/ipfix/internal/confirm"
	"github.com/ppiankov/ipfix/internal/correlator"
	"github.com/ppiankov/ipfix/internal/detector"
	"github.com/ppiankov/ipfix/internal/events"
	"github.com/ppiankov/ipfix/internal/metrics"
	"github.com/ppiankov/ipfix/internal/notify"
	"github.com/ppiankov/ipfix/internal/run"
)

var (
	// ErrDeletion marks a failed delete of the plan, Job or ConfigMap.
	ErrDeletion = errors.New("deletion failed")

	// ErrAborted is returned when the operator declines the confirmation.
	ErrAborted = errors.New("aborted by user")
)

// State is the position of one InstallPlan in the remediation sequence.
type State string

const (
	StatePending   State = "Pending"
	StateIDDerived State = "IDDerived"
	StateBackedUp  State = "BackedUp"
	StateDeleted   State = "Deleted"
	StateFailed    State = "Failed"
)

// Steps, as reported in ItemError and metrics.
const (
	StepJobID        = "job-id"
	StepSubscription = "subscription"
	StepBackup       = "backup"
	StepDelete       = "delete"
)

// ItemError identifies the InstallPlan and the step that failed.
type ItemError struct {
	Fault detector.Fault
	Step  string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("install plan %s: %s: %v", e.Fault, e.Step, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Outcome is what happened to one InstallPlan.
type Outcome struct {
	Fault        detector.Fault
	State        State
	JobID        string
	Subscription string
	Backup       backup.Record
	Err          error
}

// Deleter removes objects from the cluster.
type Deleter interface {
	Delete(ctx context.Context, obj client.Object, opts ...client.DeleteOption) error
}

// Engine drives faulty InstallPlans through correlation, backup and
// optional deletion so that OLM regenerates them.
type Engine struct {
	Correlator      *correlator.Correlator
	Backup          *backup.Manager
	Deleter         Deleter
	Confirmer       confirm.Confirmer
	Metrics         *metrics.Counters
	Emitter         *events.Emitter
	Notifier        *notify.Notifier
	RunCtx          run.Context
	UnpackNamespace string
	DeleteEnabled   bool
	FailFast        bool
}

// NewEngine creates an Engine configured from cfg. Emitter and Notifier are
// optional and may be set on the returned value.
func NewEngine(
	corr *correlator.Correlator,
	mgr *backup.Manager,
	deleter Deleter,
	confirmer confirm.Confirmer,
	m *metrics.Counters,
	rc run.Context,
	cfg config.Config,
) *Engine {
	return &Engine{
		Correlator:      corr,
		Backup:          mgr,
		Deleter:         deleter,
		Confirmer:       confirmer,
		Metrics:         m,
		RunCtx:          rc,
		UnpackNamespace: cfg.UnpackNamespace,
		DeleteEnabled:   cfg.DeleteEnabled,
		FailFast:        cfg.FailFast(),
	}
}

// Question is the confirmation shown before a batch of n plans is touched.
func (e *Engine) Question(n int) string {
	if e.DeleteEnabled {
		return fmt.Sprintf("Back up and delete %d install plan(s) with their unpack jobs and configmaps?", n)
	}
	return fmt.Sprintf("Back up %d install plan(s) with their unpack jobs and configmaps?", n)
}

// Run asks for confirmation once, then remediates faults in order. With
// fail-fast the first failed item ends the batch; otherwise every item is
// attempted and the failures are joined.
func (e *Engine) Run(ctx context.Context, faults []detector.Fault) ([]Outcome, error) {
	logger := log.FromContext(ctx)
	if len(faults) == 0 {
		return nil, nil
	}

	ok, err := e.Confirmer.Confirm(e.Question(len(faults)))
	if err != nil {
		return nil, fmt.Errorf("confirming remediation: %w", err)
	}
	if !ok {
		logger.Info("remediation declined, nothing changed")
		return nil, ErrAborted
	}

	outcomes := make([]Outcome, 0, len(faults))
	var errs []error
	for _, f := range faults {
		out := e.remediate(ctx, f)
		outcomes = append(outcomes, out)
		if out.Err == nil {
			continue
		}
		errs = append(errs, out.Err)
		if e.FailFast {
			logger.Info("stopping at first failure", "remaining", len(faults)-len(outcomes))
			break
		}
	}

	if len(errs) > 0 {
		logger.Error(errors.Join(errs...), "remediation incomplete",
			"failed", len(errs),
			"runDir", e.RunCtx.Dir,
			"backupDir", e.RunCtx.BackupDir,
			"log", e.RunCtx.LogPath,
		)
		return outcomes, errors.Join(errs...)
	}
	return outcomes, nil
}

func (e *Engine) remediate(ctx context.Context, f detector.Fault) Outcome {
	logger := log.FromContext(ctx).WithValues("installPlan", f.String())
	ctx = log.IntoContext(ctx, logger)
	out := Outcome{Fault: f, State: StatePending}

	jobID, err := e.Correlator.JobID(ctx, f)
	if err != nil {
		return e.fail(ctx, out, nil, StepJobID, err)
	}
	out.JobID, out.State = jobID, StateIDDerived
	logger.V(1).Info("unpack job id derived", "jobID", jobID)

	owner, err := e.Correlator.Subscription(ctx, f)
	if err != nil {
		return e.fail(ctx, out, nil, StepSubscription, err)
	}
	if owner.Ambiguous() {
		e.Metrics.RecordAmbiguousOwner()
	}
	out.Subscription = owner.Key().String()
	e.Emitter.EmitDetected(owner.Subscription, f.String(), f.Image)
	e.notify(ctx, out, notify.TypeDetected, "")

	rec, err := e.Backup.Backup(ctx, f, jobID)
	out.Backup = rec
	e.recordBackups(rec)
	if err != nil {
		return e.fail(ctx, out, owner.Subscription, StepBackup, err)
	}
	out.State = StateBackedUp
	logger.Info("backed up", "subscription", out.Subscription, "files", rec.Paths())
	e.Emitter.EmitBackedUp(owner.Subscription, f.String(), jobID, e.RunCtx.BackupDir)
	e.notify(ctx, out, notify.TypeBackedUp, "")

	if !e.DeleteEnabled {
		logger.Info("deletion disabled, resources left in place", "jobID", jobID)
		return out
	}

	if err := e.delete(ctx, f, jobID); err != nil {
		return e.fail(ctx, out, owner.Subscription, StepDelete, err)
	}
	out.State = StateDeleted
	e.Metrics.RecordRemediated()
	logger.Info("deleted install plan, unpack job and configmap", "jobID", jobID)
	e.Emitter.EmitRemediated(owner.Subscription, f.String(), jobID)
	e.notify(ctx, out, notify.TypeRemediated, "")
	return out
}

// delete removes the Job (and its pods), the ConfigMap and finally the plan.
// Objects that are already gone count as deleted.
func (e *Engine) delete(ctx context.Context, f detector.Fault, jobID string) error {
	logger := log.FromContext(ctx)
	meta := metav1.ObjectMeta{Namespace: e.UnpackNamespace, Name: jobID}
	targets := []struct {
		kind backup.Kind
		obj  client.Object
		opts []client.DeleteOption
	}{
		{backup.KindJob, &batchv1.Job{ObjectMeta: meta}, []client.DeleteOption{client.PropagationPolicy(metav1.DeletePropagationBackground)}},
		{backup.KindConfigMap, &corev1.ConfigMap{ObjectMeta: meta}, nil},
		{backup.KindInstallPlan, &operatorsv1alpha1.InstallPlan{ObjectMeta: metav1.ObjectMeta{Namespace: f.Namespace, Name: f.Name}}, nil},
	}

	for _, t := range targets {
		key := client.ObjectKeyFromObject(t.obj)
		if err := e.Deleter.Delete(ctx, t.obj, t.opts...); err != nil {
			if client.IgnoreNotFound(err) == nil {
				logger.V(1).Info("already gone", "kind", t.kind, "object", key)
				continue
			}
			return fmt.Errorf("%w: deleting %s %s: %w", ErrDeletion, t.kind, key, err)
		}
		e.Metrics.RecordDeleted(string(t.kind))
		logger.V(1).Info("deleted", "kind", t.kind, "object", key)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, out Outcome, sub *operatorsv1alpha1.Subscription, step string, err error) Outcome {
	out.State = StateFailed
	out.Err = &ItemError{Fault: out.Fault, Step: step, Err: err}
	e.Metrics.RecordFailure(step)
	e.Emitter.EmitFailed(sub, out.Fault.String(), step, err)
	e.notify(ctx, out, notify.TypeFailed, step)
	log.FromContext(ctx).Error(err, "remediation step failed", "step", step, "hint", e.RunCtx.RecoveryHint())
	return out
}

func (e *Engine) recordBackups(rec backup.Record) {
	for kind, path := range map[backup.Kind]string{
		backup.KindInstallPlan: rec.InstallPlan,
		backup.KindJob:         rec.Job,
		backup.KindConfigMap:   rec.ConfigMap,
	} {
		if path != "" {
			e.Metrics.RecordBackup(string(kind))
		}
	}
}

func (e *Engine) notify(ctx context.Context, out Outcome, typ, step string) {
	evt := notify.Event{
		Type:         typ,
		Namespace:    out.Fault.Namespace,
		InstallPlan:  out.Fault.Name,
		Image:        out.Fault.Image,
		JobID:        out.JobID,
		Subscription: out.Subscription,
		BackupDir:    e.RunCtx.BackupDir,
		Step:         step,
	}
	if out.Err != nil {
		evt.Error = out.Err.Error()
	}
	if err := e.Notifier.Notify(ctx, evt); err != nil {
		log.FromContext(ctx).Error(err, "webhook notification failed", "type", typ)
	}
}

// Count tallies outcomes by state.
func Count(outcomes []Outcome) map[State]int {
	counts := make(map[State]int)
	for _, o := range outcomes {
		counts[o.State]++
	}
	return counts
}
