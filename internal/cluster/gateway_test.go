package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error", "json")
	m.Run()
}

func TestEnsureNamespaceIsIdempotentAndLabeled(t *testing.T) {
	client := fake.NewSimpleClientset()
	gw := NewGatewayWithClient(client)
	ctx := context.Background()

	require.NoError(t, gw.EnsureNamespace(ctx, "proj-a", "pid-123"))
	require.NoError(t, gw.EnsureNamespace(ctx, "proj-a", "pid-123"))

	ns, err := client.CoreV1().Namespaces().Get(ctx, "proj-a", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, ManagedByValue, ns.Labels[ManagedByLabel])
	require.Equal(t, "pid-123", ns.Labels[ProjectLabel])
}

func TestListManagedNamespacesFiltersByLabel(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
			Name:   "managed",
			Labels: map[string]string{ManagedByLabel: ManagedByValue},
		}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}},
	)
	gw := NewGatewayWithClient(client)

	names, err := gw.ListManagedNamespaces(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"managed"}, names)
}

func TestCreateSecretReplacesExisting(t *testing.T) {
	client := fake.NewSimpleClientset()
	gw := NewGatewayWithClient(client)
	ctx := context.Background()

	require.NoError(t, gw.CreateSecret(ctx, "ns", "creds", map[string][]byte{"token": []byte("old")}))
	require.NoError(t, gw.CreateSecret(ctx, "ns", "creds", map[string][]byte{"token": []byte("new")}))

	secret, err := client.CoreV1().Secrets("ns").Get(ctx, "creds", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("new"), secret.Data["token"])
}

func TestGetJobStatusNotFound(t *testing.T) {
	gw := NewGatewayWithClient(fake.NewSimpleClientset())

	_, err := gw.GetJobStatus(context.Background(), "ns", "missing")
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestApplyDeploymentReplacesSpec(t *testing.T) {
	client := fake.NewSimpleClientset()
	gw := NewGatewayWithClient(client)
	ctx := context.Background()

	workload := func(image string) *appsv1.Deployment {
		return &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "ns"},
			Spec: appsv1.DeploymentSpec{
				Template: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{{Name: "api", Image: image}},
					},
				},
			},
		}
	}

	require.NoError(t, gw.ApplyDeployment(ctx, workload("app:v1")))
	require.NoError(t, gw.ApplyDeployment(ctx, workload("app:v2")))

	got, err := client.AppsV1().Deployments("ns").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "app:v2", got.Spec.Template.Spec.Containers[0].Image)
}

func TestApplyServiceKeepsClusterIP(t *testing.T) {
	client := fake.NewSimpleClientset()
	gw := NewGatewayWithClient(client)
	ctx := context.Background()

	first := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "ns"},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.0.0.7"},
	}
	require.NoError(t, gw.ApplyService(ctx, first))

	second := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "ns"}}
	require.NoError(t, gw.ApplyService(ctx, second))

	got, err := client.CoreV1().Services("ns").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7", got.Spec.ClusterIP)
}

func TestDecodeJobStatus(t *testing.T) {
	limit := int32(2)

	t.Run("counts pass through with main args", func(t *testing.T) {
		job := &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "build-1"},
			Spec: batchv1.JobSpec{
				BackoffLimit: &limit,
				Template: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{{Name: "build", Args: []string{"--destination=reg/app:1"}}},
					},
				},
			},
			Status: batchv1.JobStatus{Succeeded: 1},
		}
		s := decodeJobStatus(job)
		require.True(t, s.Complete())
		require.False(t, s.Exhausted())
		require.Equal(t, []string{"--destination=reg/app:1"}, s.MainArgs)
	})

	t.Run("failed condition marks exhaustion", func(t *testing.T) {
		job := &batchv1.Job{
			Spec: batchv1.JobSpec{BackoffLimit: &limit},
			Status: batchv1.JobStatus{
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}},
			},
		}
		s := decodeJobStatus(job)
		require.False(t, s.Complete())
		require.True(t, s.Exhausted())
	})
}

func TestDecodePodHealth(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-0"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				RestartCount: 4,
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
				},
			}},
		},
	}

	h := decodePodHealth(pod)
	require.Equal(t, int32(4), h.Restarts)
	require.True(t, h.CrashLooping())
	require.False(t, h.Ready)
}
