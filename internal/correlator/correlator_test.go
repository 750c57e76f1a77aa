package correlator

import (
	"context"
	"errors"
	"testing"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/ppiankov/ipfix/internal/detector"
)

const (
	testDigest      = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	stagingImage    = "registry.stage.redhat.io/openshift4/ose-bundle@" + testDigest
	unpackNamespace = "openshift-marketplace"
	testJobID       = "4f0c9a1b2d3e5f60718293a4b5c6d7e8f90a1b2c3d4e5f6a7b8c9d0e1f2a3b4"
)

func unpackMessage(ns, pod, image string) string {
	return "unpack job not completed: Unpack pod(" + ns + "/" + pod + ") container(pull) is pending. " +
		"Reason: ImagePullBackOff, Message: Back-off pulling image \"" + image + "\""
}

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	_ = corev1.AddToScheme(s)
	_ = operatorsv1alpha1.AddToScheme(s)
	return s
}

func faultFor(ns, name string) detector.Fault {
	return detector.Fault{Namespace: ns, Name: name, Phase: "Failed", Image: stagingImage}
}

func pendingPlan(ns, name string, messages ...string) *operatorsv1alpha1.InstallPlan {
	conds := make([]operatorsv1alpha1.BundleLookupCondition, 0, len(messages))
	for _, m := range messages {
		conds = append(conds, operatorsv1alpha1.BundleLookupCondition{
			Type:    operatorsv1alpha1.BundleLookupPending,
			Status:  corev1.ConditionTrue,
			Message: m,
		})
	}
	return &operatorsv1alpha1.InstallPlan{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name},
		Status: operatorsv1alpha1.InstallPlanStatus{
			Phase: operatorsv1alpha1.InstallPlanPhaseFailed,
			BundleLookups: []operatorsv1alpha1.BundleLookup{{
				Path:       stagingImage,
				Conditions: conds,
			}},
		},
	}
}

func subscriptionFor(ns, name, ipNamespace, ipName string) *operatorsv1alpha1.Subscription {
	sub := &operatorsv1alpha1.Subscription{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name},
	}
	if ipName != "" {
		sub.Status.InstallPlanRef = &corev1.ObjectReference{
			Kind:      operatorsv1alpha1.InstallPlanKind,
			Namespace: ipNamespace,
			Name:      ipName,
		}
	}
	return sub
}

func newCorrelator(objs ...client.Object) *Correlator {
	cl := fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(objs...).Build()
	return NewCorrelator(cl, unpackNamespace)
}

func TestExtractJobID_RoundTrip(t *testing.T) {
	msg := unpackMessage(unpackNamespace, testJobID, stagingImage)
	id, err := ExtractJobID(msg, unpackNamespace, stagingImage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != testJobID {
		t.Errorf("expected %q, got %q", testJobID, id)
	}
	again, err := ExtractJobID(msg, unpackNamespace, stagingImage)
	if err != nil || again != id {
		t.Errorf("expected re-parse to yield %q, got %q (%v)", id, again, err)
	}
}

func TestExtractJobID_KeepsTokenUnchanged(t *testing.T) {
	// A trailing "-xxxxx" is part of the id, not a pod suffix.
	msg := unpackMessage(unpackNamespace, "bundle-unpack-a1b2c", stagingImage)
	id, err := ExtractJobID(msg, unpackNamespace, stagingImage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "bundle-unpack-a1b2c" {
		t.Errorf("expected %q, got %q", "bundle-unpack-a1b2c", id)
	}
}

func TestExtractJobID_DifferentImage(t *testing.T) {
	other := "registry.stage.redhat.io/openshift4/other-bundle@" + testDigest
	msg := unpackMessage(unpackNamespace, testJobID, other)
	id, err := ExtractJobID(msg, unpackNamespace, stagingImage)
	if !errors.Is(err, ErrJobIDNotFound) {
		t.Fatalf("expected ErrJobIDNotFound, got %v", err)
	}
	if id != "" {
		t.Errorf("expected no partial id, got %q", id)
	}
}

func TestExtractJobID_ImagePrefixDoesNotMatch(t *testing.T) {
	// The quoted image must equal the fault image, not merely start with it.
	msg := unpackMessage(unpackNamespace, testJobID, stagingImage+"0")
	if _, err := ExtractJobID(msg, unpackNamespace, stagingImage); !errors.Is(err, ErrJobIDNotFound) {
		t.Errorf("expected ErrJobIDNotFound, got %v", err)
	}
}

func TestExtractJobID_WrongNamespace(t *testing.T) {
	msg := unpackMessage("olm", testJobID, stagingImage)
	if _, err := ExtractJobID(msg, unpackNamespace, stagingImage); !errors.Is(err, ErrJobIDNotFound) {
		t.Errorf("expected ErrJobIDNotFound, got %v", err)
	}
}

func TestExtractJobID_NoPattern(t *testing.T) {
	for _, msg := range []string{
		"",
		"bundle unpacking failed. Reason: DeadlineExceeded, and Message: Job was active longer than specified deadline",
		"Unpack pod(openshift-marketplace/) container(pull) \"" + stagingImage + "\"",
	} {
		id, err := ExtractJobID(msg, unpackNamespace, stagingImage)
		if !errors.Is(err, ErrJobIDNotFound) {
			t.Errorf("message %q: expected ErrJobIDNotFound, got %v", msg, err)
		}
		if id != "" {
			t.Errorf("message %q: expected empty id, got %q", msg, id)
		}
	}
}

func TestJobID_FromStatusMessage(t *testing.T) {
	c := newCorrelator(pendingPlan("operators", "install-abcde",
		unpackMessage(unpackNamespace, testJobID, stagingImage)))

	id, err := c.JobID(context.Background(), faultFor("operators", "install-abcde"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != testJobID {
		t.Errorf("expected %q, got %q", testJobID, id)
	}
}

func TestJobID_NoPodKeepsExtractedID(t *testing.T) {
	c := newCorrelator(pendingPlan("operators", "install-abcde",
		unpackMessage(unpackNamespace, "bundle-unpack-a1b2c", stagingImage)))

	id, err := c.JobID(context.Background(), faultFor("operators", "install-abcde"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "bundle-unpack-a1b2c" {
		t.Errorf("expected extracted id unchanged, got %q", id)
	}
}

func TestJobID_ResolvesOwnerJobFromPod(t *testing.T) {
	// Job pods carry the first 58 characters of the Job name plus 5 random
	// characters, with no dash in between.
	podName := testJobID[:58] + "x7k2q"
	isController := true
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: unpackNamespace,
			Name:      podName,
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "batch/v1",
				Kind:       "Job",
				Name:       testJobID,
				UID:        "job-uid",
				Controller: &isController,
			}},
		},
	}
	c := newCorrelator(
		pendingPlan("operators", "install-abcde", unpackMessage(unpackNamespace, pod.Name, stagingImage)),
		pod,
	)

	id, err := c.JobID(context.Background(), faultFor("operators", "install-abcde"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != testJobID {
		t.Errorf("expected owner job %q, got %q", testJobID, id)
	}
}

func TestJobID_SkipsNonMatchingMessages(t *testing.T) {
	c := newCorrelator(pendingPlan("operators", "install-abcde",
		"Job was active longer than specified deadline",
		unpackMessage(unpackNamespace, testJobID, stagingImage),
	))

	id, err := c.JobID(context.Background(), faultFor("operators", "install-abcde"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != testJobID {
		t.Errorf("expected %q, got %q", testJobID, id)
	}
}

func TestJobID_NoPendingCondition(t *testing.T) {
	c := newCorrelator(pendingPlan("operators", "install-abcde"))

	_, err := c.JobID(context.Background(), faultFor("operators", "install-abcde"))
	if !errors.Is(err, ErrJobIDNotFound) {
		t.Errorf("expected ErrJobIDNotFound, got %v", err)
	}
}

func TestJobID_InstallPlanGone(t *testing.T) {
	c := newCorrelator()

	_, err := c.JobID(context.Background(), faultFor("operators", "install-abcde"))
	if !errors.Is(err, ErrCorrelation) {
		t.Errorf("expected ErrCorrelation, got %v", err)
	}
	if errors.Is(err, ErrJobIDNotFound) {
		t.Error("API failure must not be reported as a missing job id")
	}
}

func TestJobID_PodLookupError(t *testing.T) {
	cl := fake.NewClientBuilder().WithScheme(newScheme()).
		WithObjects(pendingPlan("operators", "install-abcde", unpackMessage(unpackNamespace, testJobID, stagingImage))).
		WithInterceptorFuncs(interceptor.Funcs{
			Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				if _, ok := obj.(*corev1.Pod); ok {
					return errors.New("etcd timeout")
				}
				return c.Get(ctx, key, obj, opts...)
			},
		}).Build()

	_, err := NewCorrelator(cl, unpackNamespace).JobID(context.Background(), faultFor("operators", "install-abcde"))
	if !errors.Is(err, ErrCorrelation) {
		t.Errorf("expected ErrCorrelation, got %v", err)
	}
}

func TestSubscription_SingleMatch(t *testing.T) {
	c := newCorrelator(
		subscriptionFor("operators", "my-operator", "operators", "install-abcde"),
		subscriptionFor("operators", "unrelated", "operators", "install-zzzzz"),
		subscriptionFor("other", "no-ref", "", ""),
	)

	owner, err := c.Subscription(context.Background(), faultFor("operators", "install-abcde"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if owner.Key().Name != "my-operator" || owner.Key().Namespace != "operators" {
		t.Errorf("expected operators/my-operator, got %s", owner.Key())
	}
	if owner.Ambiguous() {
		t.Error("expected unambiguous owner")
	}
}

func TestSubscription_NamespaceMustMatch(t *testing.T) {
	c := newCorrelator(subscriptionFor("operators", "my-operator", "elsewhere", "install-abcde"))

	_, err := c.Subscription(context.Background(), faultFor("operators", "install-abcde"))
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestSubscription_NotFoundIsDistinct(t *testing.T) {
	c := newCorrelator()

	_, err := c.Subscription(context.Background(), faultFor("operators", "install-abcde"))
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
	if errors.Is(err, ErrJobIDNotFound) {
		t.Error("subscription failure must be distinguishable from job id failure")
	}
	if !errors.Is(err, ErrCorrelation) {
		t.Error("expected subscription failure to be a correlation error")
	}
}

func TestSubscription_AmbiguousPicksFirstInListOrder(t *testing.T) {
	cl := fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(
		subscriptionFor("operators", "sub-b", "operators", "install-abcde"),
		subscriptionFor("operators", "sub-a", "operators", "install-abcde"),
	).Build()

	var listed operatorsv1alpha1.SubscriptionList
	if err := cl.List(context.Background(), &listed); err != nil {
		t.Fatal(err)
	}
	wantFirst := listed.Items[0].Name

	owner, err := NewCorrelator(cl, unpackNamespace).Subscription(context.Background(), faultFor("operators", "install-abcde"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !owner.Ambiguous() || owner.Candidates != 2 {
		t.Errorf("expected ambiguity with 2 candidates, got %d", owner.Candidates)
	}
	if owner.Key().Name != wantFirst {
		t.Errorf("expected first listed subscription %q, got %q", wantFirst, owner.Key().Name)
	}

	again, err := NewCorrelator(cl, unpackNamespace).Subscription(context.Background(), faultFor("operators", "install-abcde"))
	if err != nil || again.Key() != owner.Key() {
		t.Errorf("expected deterministic choice %s, got %s (%v)", owner.Key(), again.Key(), err)
	}
}

func TestSubscription_ListError(t *testing.T) {
	cl := fake.NewClientBuilder().WithScheme(newScheme()).
		WithInterceptorFuncs(interceptor.Funcs{
			List: func(ctx context.Context, c client.WithWatch, list client.ObjectList, opts ...client.ListOption) error {
				return errors.New("forbidden")
			},
		}).Build()

	_, err := NewCorrelator(cl, unpackNamespace).Subscription(context.Background(), faultFor("operators", "install-abcde"))
	if !errors.Is(err, ErrCorrelation) {
		t.Errorf("expected ErrCorrelation, got %v", err)
	}
	if errors.Is(err, ErrSubscriptionNotFound) {
		t.Error("list failure must not be reported as a missing subscription")
	}
}
