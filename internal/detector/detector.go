package detector

import (
	"context"
	"errors"
	"fmt"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/ipfix/internal/registry"
)

// ErrDetection marks a failure to query InstallPlans.
var ErrDetection = errors.New("detecting faulty install plans")

// Fault is a failed InstallPlan whose bundle path points at the staging registry.
type Fault struct {
	Namespace string
	Name      string
	Phase     string
	Image     string
}

// Key returns the InstallPlan's namespaced name.
func (f Fault) Key() types.NamespacedName {
	return types.NamespacedName{Namespace: f.Namespace, Name: f.Name}
}

// String renders the fault as namespace/name.
func (f Fault) String() string {
	return f.Namespace + "/" + f.Name
}

// Detector finds faulty InstallPlans across all namespaces.
type Detector struct {
	Client  client.Reader
	Matcher *registry.Matcher
}

// NewDetector creates a Detector with the given client and staging matcher.
func NewDetector(c client.Reader, m *registry.Matcher) *Detector {
	return &Detector{Client: c, Matcher: m}
}

// Detect lists every InstallPlan and returns those that are Failed and have
// a staging bundle path, in list order. No matches is not an error.
func (d *Detector) Detect(ctx context.Context) ([]Fault, error) {
	logger := log.FromContext(ctx)

	var plans operatorsv1alpha1.InstallPlanList
	if err := d.Client.List(ctx, &plans); err != nil {
		return nil, fmt.Errorf("%w: listing install plans: %w", ErrDetection, err)
	}
	logger.V(1).Info("listed install plans", "count", len(plans.Items))

	var faults []Fault
	for i := range plans.Items {
		if f, ok := d.inspect(&plans.Items[i]); ok {
			faults = append(faults, f)
		}
	}
	return faults, nil
}

// inspect applies the fault signature to a single plan. The first staging
// bundle path is reported when several lookups match.
func (d *Detector) inspect(ip *operatorsv1alpha1.InstallPlan) (Fault, bool) {
	if ip.Status.Phase != operatorsv1alpha1.InstallPlanPhaseFailed {
		return Fault{}, false
	}
	for _, path := range BundlePaths(ip) {
		if d.Matcher.Matches(path) {
			return Fault{
				Namespace: ip.Namespace,
				Name:      ip.Name,
				Phase:     string(ip.Status.Phase),
				Image:     path,
			}, true
		}
	}
	return Fault{}, false
}

// BundlePaths projects status.bundleLookups[*].path.
func BundlePaths(ip *operatorsv1alpha1.InstallPlan) []string {
	paths := make([]string, 0, len(ip.Status.BundleLookups))
	for _, bl := range ip.Status.BundleLookups {
		if bl.Path != "" {
			paths = append(paths, bl.Path)
		}
	}
	return paths
}
