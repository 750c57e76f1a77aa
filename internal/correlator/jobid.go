package correlator

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/ipfix/internal/detector"
)

var (
	// ErrCorrelation is the parent of every correlation failure.
	ErrCorrelation = errors.New("correlation failed")

	// ErrJobIDNotFound means no BundleLookupPending message names the unpack pod.
	ErrJobIDNotFound = fmt.Errorf("%w: unpack job id not found", ErrCorrelation)

	// ErrSubscriptionNotFound means no Subscription references the InstallPlan.
	ErrSubscriptionNotFound = fmt.Errorf("%w: could not determine owning subscription", ErrCorrelation)
)

// Correlator links a faulty InstallPlan to its unpack Job and owning Subscription.
type Correlator struct {
	Client          client.Reader
	UnpackNamespace string
}

// NewCorrelator creates a Correlator reading from c. Unpack Jobs are expected
// in unpackNamespace.
func NewCorrelator(c client.Reader, unpackNamespace string) *Correlator {
	return &Correlator{Client: c, UnpackNamespace: unpackNamespace}
}

// JobID fetches the InstallPlan and derives the unpack job id from its
// BundleLookupPending condition messages. The id always comes from the
// status text, never from a recomputed hash of the bundle path. When the
// named pod still exists its controlling Job is authoritative.
func (c *Correlator) JobID(ctx context.Context, f detector.Fault) (string, error) {
	logger := log.FromContext(ctx)

	var ip operatorsv1alpha1.InstallPlan
	if err := c.Client.Get(ctx, f.Key(), &ip); err != nil {
		return "", fmt.Errorf("%w: getting install plan %s: %w", ErrCorrelation, f, err)
	}

	messages := PendingMessages(&ip)
	logger.V(1).Info("bundle lookup pending messages", "installPlan", f.String(), "count", len(messages))

	if c.UnpackNamespace == "" || f.Image == "" {
		return "", fmt.Errorf("%w for install plan %s", ErrJobIDNotFound, f)
	}
	pattern := unpackPattern(c.UnpackNamespace, f.Image)
	for _, msg := range messages {
		id, ok := match(pattern, msg)
		if !ok {
			continue
		}
		job, owned, err := c.controllingJob(ctx, id)
		if err != nil {
			return "", err
		}
		if owned {
			logger.V(1).Info("unpack job resolved from pod owner", "pod", id, "job", job)
			return job, nil
		}
		return id, nil
	}
	return "", fmt.Errorf("%w for install plan %s (%d pending messages checked)", ErrJobIDNotFound, f, len(messages))
}

// controllingJob looks up a pod named like the extracted id and returns its
// controlling Job. No such pod, or a pod that is not readable, is not an
// error; the caller keeps the extracted id.
func (c *Correlator) controllingJob(ctx context.Context, podName string) (string, bool, error) {
	var pod corev1.Pod
	key := types.NamespacedName{Namespace: c.UnpackNamespace, Name: podName}
	if err := c.Client.Get(ctx, key, &pod); err != nil {
		if apierrors.IsNotFound(err) || apierrors.IsForbidden(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: getting unpack pod %s: %w", ErrCorrelation, key, err)
	}
	ref := metav1.GetControllerOf(&pod)
	if ref == nil || ref.Kind != "Job" {
		return "", false, nil
	}
	return ref.Name, true, nil
}

// PendingMessages projects
// status.bundleLookups[*].conditions[type=BundleLookupPending].message.
func PendingMessages(ip *operatorsv1alpha1.InstallPlan) []string {
	var out []string
	for _, bl := range ip.Status.BundleLookups {
		for _, cond := range bl.Conditions {
			if cond.Type == operatorsv1alpha1.BundleLookupPending && cond.Message != "" {
				out = append(out, cond.Message)
			}
		}
	}
	return out
}

// ExtractJobID parses an unpack status message of the form
//
//	Unpack pod(<namespace>/<job-id>) container(pull) ... "<image>"
//
// and returns <job-id> exactly as written. The namespace and the quoted image
// must match exactly.
func ExtractJobID(message, namespace, image string) (string, error) {
	if message == "" || namespace == "" || image == "" {
		return "", ErrJobIDNotFound
	}
	id, ok := match(unpackPattern(namespace, image), message)
	if !ok {
		return "", ErrJobIDNotFound
	}
	return id, nil
}

func match(pattern *regexp.Regexp, message string) (string, bool) {
	m := pattern.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func unpackPattern(namespace, image string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)Unpack pod\(` + regexp.QuoteMeta(namespace) +
		`/([a-z0-9][-a-z0-9.]*)\) container\(pull\).*?"` +
		regexp.QuoteMeta(image) + `"`)
}
