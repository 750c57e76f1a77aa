package correlator

import (
	"context"
	"fmt"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/ipfix/internal/detector"
)

// Owner is the Subscription selected as owner of a faulty InstallPlan.
type Owner struct {
	Subscription *operatorsv1alpha1.Subscription

	// Candidates is how many Subscriptions referenced the plan. Anything
	// above 1 means the choice was made by list order.
	Candidates int
}

// Key returns the Subscription's namespaced name.
func (o Owner) Key() types.NamespacedName {
	if o.Subscription == nil {
		return types.NamespacedName{}
	}
	return types.NamespacedName{Namespace: o.Subscription.Namespace, Name: o.Subscription.Name}
}

// Ambiguous reports whether more than one Subscription claimed the plan.
func (o Owner) Ambiguous() bool {
	return o.Candidates > 1
}

// Subscription lists Subscriptions in every namespace and returns the first
// whose status.installPlanRef points at the fault's InstallPlan.
func (c *Correlator) Subscription(ctx context.Context, f detector.Fault) (Owner, error) {
	logger := log.FromContext(ctx)

	var subs operatorsv1alpha1.SubscriptionList
	if err := c.Client.List(ctx, &subs); err != nil {
		return Owner{}, fmt.Errorf("%w: listing subscriptions: %w", ErrCorrelation, err)
	}

	var owner Owner
	for i := range subs.Items {
		if !references(&subs.Items[i], f) {
			continue
		}
		owner.Candidates++
		if owner.Subscription == nil {
			owner.Subscription = &subs.Items[i]
		}
	}

	if owner.Subscription == nil {
		return Owner{}, fmt.Errorf("%w for install plan %s", ErrSubscriptionNotFound, f)
	}
	if owner.Ambiguous() {
		logger.Info("multiple subscriptions reference install plan, using first",
			"installPlan", f.String(), "subscription", owner.Key().String(), "candidates", owner.Candidates)
	}
	return owner, nil
}

func references(sub *operatorsv1alpha1.Subscription, f detector.Fault) bool {
	ref := sub.Status.InstallPlanRef
	return ref != nil && ref.Namespace == f.Namespace && ref.Name == f.Name
}
