package events

import (
	"fmt"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/events"
)

// ReportingController is the controller name stamped on every event.
const ReportingController = "ipfix"

const (
	// ReasonStagingBundle indicates the InstallPlan failed on a staging image.
	ReasonStagingBundle = "StagingBundleDetected"

	// ReasonBackedUp indicates the InstallPlan, Job and ConfigMap were saved.
	ReasonBackedUp = "InstallPlanBackedUp"

	// ReasonRemediated indicates the faulty resources were deleted.
	ReasonRemediated = "InstallPlanRemediated"

	// ReasonRemediationFailed indicates a remediation step failed.
	ReasonRemediationFailed = "InstallPlanRemediationFailed"

	actionBackup    = "Backup"
	actionDelete    = "Delete"
	actionDetect    = "Detect"
	actionRemediate = "Remediate"
)

// Emitter records Kubernetes events on the Subscription that owns a faulty
// InstallPlan.
type Emitter struct {
	Recorder events.EventRecorder
}

// NewEmitter creates an Emitter with the given recorder.
func NewEmitter(recorder events.EventRecorder) *Emitter {
	return &Emitter{Recorder: recorder}
}

// EmitDetected emits a Warning event naming the staging image.
func (e *Emitter) EmitDetected(sub *operatorsv1alpha1.Subscription, plan, image string) {
	if e == nil || sub == nil {
		return
	}
	e.Recorder.Eventf(
		sub, nil, corev1.EventTypeWarning, ReasonStagingBundle, actionDetect,
		"InstallPlan %s failed unpacking bundle %s from the staging registry",
		plan, image,
	)
}

// EmitBackedUp emits a Normal event with the backup directory.
func (e *Emitter) EmitBackedUp(sub *operatorsv1alpha1.Subscription, plan, jobID, dir string) {
	if e == nil || sub == nil {
		return
	}
	e.Recorder.Eventf(
		sub, nil, corev1.EventTypeNormal, ReasonBackedUp, actionBackup,
		"InstallPlan %s and unpack job %s saved to %s",
		plan, jobID, dir,
	)
}

// EmitRemediated emits a Normal event once the plan, Job and ConfigMap are gone.
func (e *Emitter) EmitRemediated(sub *operatorsv1alpha1.Subscription, plan, jobID string) {
	if e == nil || sub == nil {
		return
	}
	e.Recorder.Eventf(
		sub, nil, corev1.EventTypeNormal, ReasonRemediated, actionDelete,
		"Deleted InstallPlan %s, unpack job and configmap %s. OLM will regenerate the plan.",
		plan, jobID,
	)
}

// EmitFailed emits a Warning event for a failed step.
func (e *Emitter) EmitFailed(sub *operatorsv1alpha1.Subscription, plan, step string, err error) {
	if e == nil || sub == nil {
		return
	}
	e.Recorder.Eventf(
		sub, nil, corev1.EventTypeWarning, ReasonRemediationFailed, actionRemediate,
		"Remediation of InstallPlan %s failed at %s: %s",
		plan, step, err,
	)
}

// Recorder is an events recorder backed by the events.k8s.io API. Shutdown
// flushes pending events.
type Recorder struct {
	events.EventRecorder
	broadcaster events.EventBroadcaster
}

// NewRecorder starts an event broadcaster writing to the cluster behind cfg.
func NewRecorder(cfg *rest.Config, scheme *runtime.Scheme) (*Recorder, error) {
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	b := events.NewBroadcaster(&events.EventSinkImpl{Interface: cs.EventsV1()})
	b.StartRecordingToSink(make(chan struct{}))
	return &Recorder{
		EventRecorder: b.NewRecorder(scheme, ReportingController),
		broadcaster:   b,
	}, nil
}

// Shutdown stops the broadcaster after delivering queued events.
func (r *Recorder) Shutdown() {
	if r == nil {
		return
	}
	r.broadcaster.Shutdown()
}
