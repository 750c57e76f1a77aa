// Package kube is the thin resource-store layer: scheme, client construction
// and a per-call timeout bound around list/get/delete.
package kube

import (
	"context"
	"fmt"
	"time"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Store is the subset of the API the tool needs: list, get and delete.
type Store interface {
	client.Reader
	Delete(ctx context.Context, obj client.Object, opts ...client.DeleteOption) error
}

// NewScheme registers every kind the tool reads or deletes.
func NewScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	utilruntime.Must(corev1.AddToScheme(s))
	utilruntime.Must(batchv1.AddToScheme(s))
	utilruntime.Must(operatorsv1alpha1.AddToScheme(s))
	return s
}

// RESTConfig loads a client config from kubeconfig (or in-cluster), honouring
// an explicit path and context override when given.
func RESTConfig(kubeconfig, kubeContext string, timeout time.Duration) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	cfg.Timeout = timeout
	return cfg, nil
}

// NewClient builds a controller-runtime client for cfg.
func NewClient(cfg *rest.Config, scheme *runtime.Scheme) (client.Client, error) {
	c, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return c, nil
}

// Bounded wraps a client so every call gets its own deadline.
type Bounded struct {
	Client  client.Client
	Timeout time.Duration
}

// NewBounded creates a Bounded store. A zero timeout leaves calls unbounded.
func NewBounded(c client.Client, timeout time.Duration) *Bounded {
	return &Bounded{Client: c, Timeout: timeout}
}

// Get fetches a single object.
func (b *Bounded) Get(ctx context.Context, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.Client.Get(ctx, key, obj, opts...)
}

// List fetches a list of objects.
func (b *Bounded) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.Client.List(ctx, list, opts...)
}

// Delete removes a single object.
func (b *Bounded) Delete(ctx context.Context, obj client.Object, opts ...client.DeleteOption) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.Client.Delete(ctx, obj, opts...)
}

func (b *Bounded) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.Timeout)
}
