package tasks

import (
	"context"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"gorm.io/datatypes"

	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/pipeline"
	"github.com/launchbay/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockProjectRepository struct{ mock.Mock }

func (m *mockProjectRepository) Create(ctx context.Context, obj *models.Project) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockProjectRepository) GetByID(ctx context.Context, id any, dest *models.Project) error {
	args := m.Called(ctx, id, dest)
	return args.Error(0)
}
func (m *mockProjectRepository) Update(ctx context.Context, obj *models.Project) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockProjectRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockProjectRepository) ListActive(ctx context.Context) ([]models.Project, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]models.Project), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockServiceRepository struct{ mock.Mock }

func (m *mockServiceRepository) Create(ctx context.Context, obj *models.Service) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockServiceRepository) GetByID(ctx context.Context, id any, dest *models.Service) error {
	args := m.Called(ctx, id, dest)
	return args.Error(0)
}
func (m *mockServiceRepository) Update(ctx context.Context, obj *models.Service) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockServiceRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockServiceRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Service, error) {
	args := m.Called(ctx, projectID)
	if v := args.Get(0); v != nil {
		return v.([]models.Service), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockServiceRepository) UpdateGeneratedFiles(ctx context.Context, serviceID uuid.UUID, files datatypes.JSON) error {
	return m.Called(ctx, serviceID, files).Error(0)
}

type mockDeploymentRepository struct{ mock.Mock }

func (m *mockDeploymentRepository) Create(ctx context.Context, obj *models.Deployment) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockDeploymentRepository) GetByID(ctx context.Context, id any, dest *models.Deployment) error {
	args := m.Called(ctx, id, dest)
	return args.Error(0)
}
func (m *mockDeploymentRepository) Update(ctx context.Context, obj *models.Deployment) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockDeploymentRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockDeploymentRepository) ListByService(ctx context.Context, serviceID uuid.UUID) ([]models.Deployment, error) {
	args := m.Called(ctx, serviceID)
	if v := args.Get(0); v != nil {
		return v.([]models.Deployment), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockDeploymentRepository) GetLatestByService(ctx context.Context, serviceID uuid.UUID, dest *models.Deployment) error {
	return m.Called(ctx, serviceID, dest).Error(0)
}
func (m *mockDeploymentRepository) TransitionStatus(ctx context.Context, deploymentID uuid.UUID, from []string, to string) (bool, error) {
	args := m.Called(ctx, deploymentID, from, to)
	return args.Bool(0), args.Error(1)
}
func (m *mockDeploymentRepository) SetImageTag(ctx context.Context, deploymentID uuid.UUID, imageTag string) error {
	return m.Called(ctx, deploymentID, imageTag).Error(0)
}
func (m *mockDeploymentRepository) SetBuildLogs(ctx context.Context, deploymentID uuid.UUID, logs string) error {
	return m.Called(ctx, deploymentID, logs).Error(0)
}
func (m *mockDeploymentRepository) AppendBuildLogs(ctx context.Context, deploymentID uuid.UUID, logs string) error {
	return m.Called(ctx, deploymentID, logs).Error(0)
}
func (m *mockDeploymentRepository) CountActiveByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	args := m.Called(ctx, projectID)
	return args.Get(0).(int64), args.Error(1)
}

func testCredStore(t *testing.T) collab.CredentialStore {
	t.Helper()
	key := hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	store, err := collab.NewAESCredentialStore(key)
	require.NoError(t, err)
	return store
}

func TestHandleDeployFastPath(t *testing.T) {
	deploymentID := uuid.New()
	serviceID := uuid.New()
	projectID := uuid.New()

	client := fake.NewSimpleClientset()
	gw := cluster.NewGatewayWithClient(client)
	projectRepo := &mockProjectRepository{}
	serviceRepo := &mockServiceRepository{}
	deployRepo := &mockDeploymentRepository{}
	bus := events.NewBus()
	defer bus.Close()

	pipe := pipeline.NewPipeline(gw, deployRepo, bus, collab.NewLogNotifier(), pipeline.Options{
		Registry:      "registry.test",
		IngressDomain: "apps.test",
		PollInterval:  time.Millisecond,
		BuildTimeout:  time.Second,
	})
	handler := NewDeployTaskHandler(gw, pipe, projectRepo, serviceRepo, deployRepo, testCredStore(t), collab.BuildCredentials{})

	deployRepo.On("GetByID", mock.Anything, deploymentID, mock.Anything).
		Run(func(args mock.Arguments) {
			*args.Get(2).(*models.Deployment) = models.Deployment{
				ID: deploymentID, ServiceID: serviceID, Status: models.DeploymentPending,
			}
		}).Return(nil).Once()
	serviceRepo.On("GetByID", mock.Anything, serviceID, mock.Anything).
		Run(func(args mock.Arguments) {
			*args.Get(2).(*models.Service) = models.Service{
				ID: serviceID, ProjectID: projectID, Name: "cache",
				ImageURL: "redis:7", Port: 6379,
				EnvVars: datatypes.JSON(`{"MAXMEMORY":"256mb"}`),
			}
		}).Return(nil).Once()
	projectRepo.On("GetByID", mock.Anything, projectID, mock.Anything).
		Run(func(args mock.Arguments) {
			*args.Get(2).(*models.Project) = models.Project{
				ID: projectID, Name: "acme", Namespace: "acme",
			}
		}).Return(nil).Once()

	deployRepo.On("SetImageTag", mock.Anything, deploymentID, "redis:7").Return(nil).Once()
	deployRepo.On("TransitionStatus", mock.Anything, deploymentID,
		[]string{models.DeploymentPending, models.DeploymentDeploying}, models.DeploymentLive).
		Return(true, nil).Once()

	task, err := NewDeploymentRunTask(deploymentID.String())
	require.NoError(t, err)
	require.NoError(t, handler.HandleDeploy(context.Background(), task))

	ns, err := client.CoreV1().Namespaces().Get(context.Background(), "acme", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, cluster.ManagedByValue, ns.Labels[cluster.ManagedByLabel])

	workload, err := client.AppsV1().Deployments("acme").Get(context.Background(), "cache", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "redis:7", workload.Spec.Template.Spec.Containers[0].Image)
	require.Equal(t, "MAXMEMORY", workload.Spec.Template.Spec.Containers[0].Env[0].Name)

	mock.AssertExpectationsForObjects(t, projectRepo, serviceRepo, deployRepo)
}

func TestHandleDeployRejectsBadPayload(t *testing.T) {
	handler := NewDeployTaskHandler(nil, nil, nil, nil, nil, nil, collab.BuildCredentials{})

	err := handler.HandleDeploy(context.Background(), asynq.NewTask(TypeDeploymentRun, []byte("{garbage")))
	require.Error(t, err)

	err = handler.HandleDeploy(context.Background(), asynq.NewTask(TypeDeploymentRun, []byte(`{"deployment_id":"not-a-uuid"}`)))
	require.Error(t, err)
}

func TestResolveCredentialsUsesProjectToken(t *testing.T) {
	store := testCredStore(t)
	enc, err := store.Encrypt([]byte("project-scoped-token"))
	require.NoError(t, err)

	handler := NewDeployTaskHandler(nil, nil, nil, nil, nil, store,
		collab.BuildCredentials{GitToken: "platform-default", RegistryUser: "robot"})

	project := &models.Project{
		ID:       uuid.New(),
		Settings: datatypes.JSON(`{"git_token_enc":"` + enc + `"}`),
	}
	creds := handler.resolveCredentials(project)
	require.Equal(t, "project-scoped-token", creds.GitToken)
	require.Equal(t, "robot", creds.RegistryUser, "other defaults untouched")

	creds = handler.resolveCredentials(&models.Project{ID: uuid.New()})
	require.Equal(t, "platform-default", creds.GitToken)
}

func TestHandleRepairSkipsNonRunningSession(t *testing.T) {
	sessionID := uuid.New()
	sessions := &mockSessionRepository{}
	handler := NewRepairTaskHandler(nil, sessions, nil, nil, nil, nil, collab.BuildCredentials{})

	sessions.On("GetByID", mock.Anything, sessionID, mock.Anything).
		Run(func(args mock.Arguments) {
			*args.Get(2).(*models.DebugSession) = models.DebugSession{
				ID: sessionID, Status: models.SessionCancelled,
			}
		}).Return(nil).Once()

	task, err := NewDebugRunTask(sessionID.String())
	require.NoError(t, err)
	require.NoError(t, handler.HandleRepair(context.Background(), task))
	sessions.AssertExpectations(t)
}

type mockSessionRepository struct{ mock.Mock }

func (m *mockSessionRepository) Create(ctx context.Context, obj *models.DebugSession) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockSessionRepository) GetByID(ctx context.Context, id any, dest *models.DebugSession) error {
	args := m.Called(ctx, id, dest)
	return args.Error(0)
}
func (m *mockSessionRepository) Update(ctx context.Context, obj *models.DebugSession) error {
	return m.Called(ctx, obj).Error(0)
}
func (m *mockSessionRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockSessionRepository) GetRunningByService(ctx context.Context, serviceID uuid.UUID, dest *models.DebugSession) error {
	return m.Called(ctx, serviceID, dest).Error(0)
}
func (m *mockSessionRepository) TransitionStatus(ctx context.Context, sessionID uuid.UUID, from []string, to string) (bool, error) {
	args := m.Called(ctx, sessionID, from, to)
	return args.Bool(0), args.Error(1)
}
func (m *mockSessionRepository) SetAttempt(ctx context.Context, sessionID uuid.UUID, attempt int) error {
	return m.Called(ctx, sessionID, attempt).Error(0)
}
func (m *mockSessionRepository) SetJobHandle(ctx context.Context, sessionID uuid.UUID, jobName, namespace string) error {
	return m.Called(ctx, sessionID, jobName, namespace).Error(0)
}
func (m *mockSessionRepository) ClearJobHandle(ctx context.Context, sessionID uuid.UUID) error {
	return m.Called(ctx, sessionID).Error(0)
}
func (m *mockSessionRepository) SetOutcome(ctx context.Context, sessionID uuid.UUID, fileChanges datatypes.JSON, explanation string) error {
	return m.Called(ctx, sessionID, fileChanges, explanation).Error(0)
}
