package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	"github.com/ppiankov/ipfix/internal/detector"
)

// ErrBackup marks a failure to read or persist one of the snapshots.
var ErrBackup = errors.New("backup failed")

// Kind names the snapshot; it is part of the file name.
type Kind string

const (
	KindInstallPlan Kind = "installplan"
	KindJob         Kind = "job"
	KindConfigMap   Kind = "configmap"
)

// Sink persists a named snapshot and returns where it ended up.
type Sink interface {
	Put(name string, data []byte) (string, error)
}

// DirSink writes snapshots as files in Dir. Existing files are never
// overwritten.
type DirSink struct {
	Dir string
}

// Put creates Dir/name exclusively and writes data to it.
func (s DirSink) Put(name string, data []byte) (string, error) {
	path := filepath.Join(s.Dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}
	return path, nil
}

// Record holds the snapshot locations written for one InstallPlan. Fields are
// empty for snapshots that were not written.
type Record struct {
	InstallPlan string
	Job         string
	ConfigMap   string
}

// Complete reports whether all three snapshots were written.
func (r Record) Complete() bool {
	return r.InstallPlan != "" && r.Job != "" && r.ConfigMap != ""
}

// Paths lists the written snapshot locations.
func (r Record) Paths() []string {
	var out []string
	for _, p := range []string{r.InstallPlan, r.Job, r.ConfigMap} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Manager snapshots an InstallPlan, its unpack Job and the Job's ConfigMap.
type Manager struct {
	Client          client.Reader
	Scheme          *runtime.Scheme
	Sink            Sink
	UnpackNamespace string
}

// NewManager creates a Manager.
func NewManager(c client.Reader, scheme *runtime.Scheme, sink Sink, unpackNamespace string) *Manager {
	return &Manager{Client: c, Scheme: scheme, Sink: sink, UnpackNamespace: unpackNamespace}
}

// FileName is the snapshot name for a fault and kind. Namespace, plan name and
// kind together keep every snapshot of a run distinct.
func FileName(f detector.Fault, kind Kind) string {
	return fmt.Sprintf("%s_%s.%s.yaml", f.Namespace, f.Name, kind)
}

// Backup reads and persists the three objects in order. The first failure
// stops the backup; the returned Record still lists what was written.
func (m *Manager) Backup(ctx context.Context, f detector.Fault, jobID string) (Record, error) {
	logger := log.FromContext(ctx)

	var rec Record
	if jobID == "" {
		return rec, fmt.Errorf("%w: install plan %s: empty unpack job id", ErrBackup, f)
	}

	unpackKey := types.NamespacedName{Namespace: m.UnpackNamespace, Name: jobID}
	targets := []struct {
		kind Kind
		key  types.NamespacedName
		obj  client.Object
		dst  *string
	}{
		{KindInstallPlan, f.Key(), &operatorsv1alpha1.InstallPlan{}, &rec.InstallPlan},
		{KindJob, unpackKey, &batchv1.Job{}, &rec.Job},
		{KindConfigMap, unpackKey, &corev1.ConfigMap{}, &rec.ConfigMap},
	}

	for _, t := range targets {
		path, err := m.save(ctx, FileName(f, t.kind), t.key, t.obj)
		if err != nil {
			return rec, fmt.Errorf("%w: %s %s: %w", ErrBackup, t.kind, t.key, err)
		}
		*t.dst = path
		logger.Info("backed up", "kind", string(t.kind), "object", t.key.String(), "path", path)
	}
	return rec, nil
}

func (m *Manager) save(ctx context.Context, name string, key types.NamespacedName, obj client.Object) (string, error) {
	if err := m.Client.Get(ctx, key, obj); err != nil {
		return "", fmt.Errorf("reading: %w", err)
	}
	data, err := Marshal(obj, m.Scheme)
	if err != nil {
		return "", err
	}
	return m.Sink.Put(name, data)
}

// Marshal renders obj as YAML with apiVersion and kind filled in from the
// scheme and managedFields dropped, so the file can be re-applied as is.
func Marshal(obj client.Object, scheme *runtime.Scheme) ([]byte, error) {
	out, ok := obj.DeepCopyObject().(client.Object)
	if !ok {
		return nil, fmt.Errorf("copying %T", obj)
	}
	gvk, err := apiutil.GVKForObject(out, scheme)
	if err != nil {
		return nil, fmt.Errorf("resolving kind: %w", err)
	}
	out.GetObjectKind().SetGroupVersionKind(gvk)
	out.SetManagedFields(nil)

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", gvk.Kind, err)
	}
	return data, nil
}
