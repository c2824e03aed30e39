package cluster

import (
	"context"
	"fmt"

	appErr "github.com/launchbay/engine/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Labels stamped on every object the engine manages. Reconciliation filters
// namespaces on ManagedByLabel.
const (
	ManagedByLabel = "launchbay.dev/managed-by"
	ManagedByValue = "launchbay-engine"
	ProjectLabel   = "launchbay.dev/project"
	ServiceLabel   = "launchbay.dev/service"
)

// Gateway is a thin typed client over the cluster control API. It exposes
// verbs on namespaced objects; orchestration lives in the callers.
type Gateway struct {
	client kubernetes.Interface
}

// NewGateway builds a gateway from a kubeconfig path, or from in-cluster
// config when the path is empty.
func NewGateway(kubeconfig string) (*Gateway, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "build cluster config failed")
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "build cluster client failed")
	}
	return &Gateway{client: client}, nil
}

// NewGatewayWithClient wraps an existing clientset; tests pass the fake.
func NewGatewayWithClient(client kubernetes.Interface) *Gateway {
	return &Gateway{client: client}
}

func managedLabels(extra map[string]string) map[string]string {
	labels := map[string]string{ManagedByLabel: ManagedByValue}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

// EnsureNamespace creates the namespace with the engine's ownership labels.
// An existing namespace is not an error.
func (g *Gateway) EnsureNamespace(ctx context.Context, name string, projectID string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: managedLabels(map[string]string{ProjectLabel: projectID}),
		},
	}
	_, err := g.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return appErr.Wrap(err, appErr.CodeInternal, "create namespace failed")
	}
	return nil
}

func (g *Gateway) DeleteNamespace(ctx context.Context, name string) error {
	err := g.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return appErr.Wrap(err, appErr.CodeInternal, "delete namespace failed")
	}
	return nil
}

// ListManagedNamespaces returns the names of namespaces carrying the
// engine's ownership label.
func (g *Gateway) ListManagedNamespaces(ctx context.Context) ([]string, error) {
	list, err := g.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", ManagedByLabel, ManagedByValue),
	})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "list namespaces failed")
	}
	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		if ns.Status.Phase == corev1.NamespaceTerminating {
			continue
		}
		names = append(names, ns.Name)
	}
	return names, nil
}

// CreateSecret creates or replaces an opaque secret.
func (g *Gateway) CreateSecret(ctx context.Context, namespace, name string, data map[string][]byte) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    managedLabels(nil),
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
	_, err := g.client.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = g.client.CoreV1().Secrets(namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create secret failed")
	}
	return nil
}

func (g *Gateway) DeleteSecret(ctx context.Context, namespace, name string) error {
	err := g.client.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return appErr.Wrap(err, appErr.CodeInternal, "delete secret failed")
	}
	return nil
}

func (g *Gateway) CreateJob(ctx context.Context, namespace string, job *batchv1.Job) error {
	_, err := g.client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create job failed")
	}
	return nil
}

// GetJobStatus decodes the job's state into a JobStatus. A missing job
// returns CodeNotFound so pollers can treat submission lag as transient.
func (g *Gateway) GetJobStatus(ctx context.Context, namespace, name string) (*JobStatus, error) {
	job, err := g.client.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, appErr.New(appErr.CodeNotFound, "job not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "get job failed")
	}
	return decodeJobStatus(job), nil
}

// DeleteJob removes a job and its pods (background propagation).
func (g *Gateway) DeleteJob(ctx context.Context, namespace, name string) error {
	policy := metav1.DeletePropagationBackground
	err := g.client.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return appErr.Wrap(err, appErr.CodeInternal, "delete job failed")
	}
	return nil
}

// ApplyDeployment creates the workload, or replaces the spec wholesale when
// it already exists. Redeploys must never silently keep the old spec.
func (g *Gateway) ApplyDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	ns := deployment.Namespace
	_, err := g.client.AppsV1().Deployments(ns).Create(ctx, deployment, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := g.client.AppsV1().Deployments(ns).Get(ctx, deployment.Name, metav1.GetOptions{})
		if getErr != nil {
			return appErr.Wrap(getErr, appErr.CodeInternal, "get existing workload failed")
		}
		deployment.ResourceVersion = existing.ResourceVersion
		_, err = g.client.AppsV1().Deployments(ns).Update(ctx, deployment, metav1.UpdateOptions{})
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "apply workload failed")
	}
	return nil
}

func (g *Gateway) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	d, err := g.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, appErr.New(appErr.CodeNotFound, "workload not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "get workload failed")
	}
	return d, nil
}

// ScaleDeployment patches the workload's replica count.
func (g *Gateway) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	_, err := g.client.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "scale workload failed")
	}
	return nil
}

// ApplyService creates or replaces the cluster-IP service.
func (g *Gateway) ApplyService(ctx context.Context, svc *corev1.Service) error {
	ns := svc.Namespace
	_, err := g.client.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := g.client.CoreV1().Services(ns).Get(ctx, svc.Name, metav1.GetOptions{})
		if getErr != nil {
			return appErr.Wrap(getErr, appErr.CodeInternal, "get existing service failed")
		}
		svc.ResourceVersion = existing.ResourceVersion
		svc.Spec.ClusterIP = existing.Spec.ClusterIP
		_, err = g.client.CoreV1().Services(ns).Update(ctx, svc, metav1.UpdateOptions{})
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "apply service failed")
	}
	return nil
}

// ApplyIngress creates or replaces the routing object.
func (g *Gateway) ApplyIngress(ctx context.Context, ing *networkingv1.Ingress) error {
	ns := ing.Namespace
	_, err := g.client.NetworkingV1().Ingresses(ns).Create(ctx, ing, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := g.client.NetworkingV1().Ingresses(ns).Get(ctx, ing.Name, metav1.GetOptions{})
		if getErr != nil {
			return appErr.Wrap(getErr, appErr.CodeInternal, "get existing ingress failed")
		}
		ing.ResourceVersion = existing.ResourceVersion
		_, err = g.client.NetworkingV1().Ingresses(ns).Update(ctx, ing, metav1.UpdateOptions{})
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "apply ingress failed")
	}
	return nil
}

// ApplyPVC creates the volume claim if absent. Claims are immutable after
// creation, so a conflict from a prior partial run keeps the existing claim.
func (g *Gateway) ApplyPVC(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	_, err := g.client.CoreV1().PersistentVolumeClaims(pvc.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return appErr.Wrap(err, appErr.CodeInternal, "apply volume claim failed")
	}
	return nil
}

// ListPods decodes pods matching the label selector into PodHealth values.
func (g *Gateway) ListPods(ctx context.Context, namespace, selector string) ([]PodHealth, error) {
	list, err := g.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "list pods failed")
	}
	out := make([]PodHealth, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, decodePodHealth(&list.Items[i]))
	}
	return out, nil
}

// ListEvents returns recent cluster events for an object, newest last.
func (g *Gateway) ListEvents(ctx context.Context, namespace, fieldSelector string) ([]EventRecord, error) {
	list, err := g.client.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{FieldSelector: fieldSelector})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "list events failed")
	}
	out := make([]EventRecord, 0, len(list.Items))
	for _, e := range list.Items {
		out = append(out, EventRecord{
			Type:    e.Type,
			Reason:  e.Reason,
			Message: e.Message,
			Count:   e.Count,
			Object:  fmt.Sprintf("%s/%s", e.InvolvedObject.Kind, e.InvolvedObject.Name),
		})
	}
	return out, nil
}

// PodLogs fetches logs from one container, optionally tailed and from the
// previous container instance after a restart.
func (g *Gateway) PodLogs(ctx context.Context, namespace, pod, container string, tailLines int64, previous bool) (string, error) {
	opts := &corev1.PodLogOptions{Container: container, Previous: previous}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	raw, err := g.client.CoreV1().Pods(namespace).GetLogs(pod, opts).DoRaw(ctx)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "fetch pod logs failed")
	}
	return string(raw), nil
}
