package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/launchbay/engine/internal/api"
	"github.com/launchbay/engine/internal/api/handlers"
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/hub"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/pipeline"
	"github.com/launchbay/engine/internal/queue/tasks"
	"github.com/launchbay/engine/internal/reconcile"
	"github.com/launchbay/engine/internal/repair"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error", "json")
	m.Run()
}

var testSecret = []byte("handler-test-secret")

type stubProjects struct {
	repository.ProjectRepository
	byID map[uuid.UUID]models.Project
}

func (s *stubProjects) GetByID(ctx context.Context, id any, dest *models.Project) error {
	p, ok := s.byID[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "project not found")
	}
	*dest = p
	return nil
}

func (s *stubProjects) ListActive(ctx context.Context) ([]models.Project, error) {
	var out []models.Project
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out, nil
}

type stubServices struct {
	repository.ServiceRepository
	byID map[uuid.UUID]models.Service
}

func (s *stubServices) GetByID(ctx context.Context, id any, dest *models.Service) error {
	svc, ok := s.byID[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "service not found")
	}
	*dest = svc
	return nil
}

type stubDeployments struct {
	repository.DeploymentRepository
	byID map[uuid.UUID]models.Deployment
}

func (s *stubDeployments) GetByID(ctx context.Context, id any, dest *models.Deployment) error {
	d, ok := s.byID[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	*dest = d
	return nil
}

func (s *stubDeployments) Create(ctx context.Context, dep *models.Deployment) error {
	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}
	s.byID[dep.ID] = *dep
	return nil
}

func (s *stubDeployments) ListByService(ctx context.Context, serviceID uuid.UUID) ([]models.Deployment, error) {
	var out []models.Deployment
	for _, d := range s.byID {
		if d.ServiceID == serviceID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubDeployments) GetLatestByService(ctx context.Context, serviceID uuid.UUID, dest *models.Deployment) error {
	var found bool
	for _, d := range s.byID {
		if d.ServiceID != serviceID {
			continue
		}
		if !found || d.CreatedAt.After(dest.CreatedAt) {
			*dest = d
			found = true
		}
	}
	if !found {
		return appErr.New(appErr.CodeNotFound, "no deployments found")
	}
	return nil
}

func (s *stubDeployments) CountActiveByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return 0, nil
}

type stubSessions struct {
	repository.DebugSessionRepository
	byID    map[uuid.UUID]models.DebugSession
	running map[uuid.UUID]models.DebugSession // keyed by service id
}

func (s *stubSessions) GetByID(ctx context.Context, id any, dest *models.DebugSession) error {
	sess, ok := s.byID[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	*dest = sess
	return nil
}

func (s *stubSessions) GetRunningByService(ctx context.Context, serviceID uuid.UUID, dest *models.DebugSession) error {
	sess, ok := s.running[serviceID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "no running session")
	}
	*dest = sess
	return nil
}

func (s *stubSessions) Create(ctx context.Context, sess *models.DebugSession) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	s.byID[sess.ID] = *sess
	s.running[sess.ServiceID] = *sess
	return nil
}

func (s *stubSessions) TransitionStatus(ctx context.Context, sessionID uuid.UUID, from []string, to string) (bool, error) {
	sess, ok := s.byID[sessionID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if sess.Status == f {
			sess.Status = to
			s.byID[sessionID] = sess
			if to != models.SessionRunning {
				delete(s.running, sess.ServiceID)
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *stubSessions) ClearJobHandle(ctx context.Context, sessionID uuid.UUID) error { return nil }

type stubAttempts struct {
	repository.DebugAttemptRepository
	bySession map[uuid.UUID][]models.DebugAttempt
}

func (s *stubAttempts) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.DebugAttempt, error) {
	return s.bySession[sessionID], nil
}

type stubQueue struct {
	enqueued []*asynq.Task
	err      error
}

func (q *stubQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.enqueued = append(q.enqueued, task)
	return &asynq.TaskInfo{ID: uuid.NewString()}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

// harness wires the full router with in-memory backends.
type harness struct {
	srv    *httptest.Server
	queue  *stubQueue
	client *fake.Clientset

	owner    uuid.UUID
	stranger uuid.UUID

	project   models.Project
	service   models.Service
	failedDep models.Deployment

	deployments *stubDeployments
	sessions    *stubSessions
}

func newHarness(t *testing.T, readyErr error) *harness {
	t.Helper()

	h := &harness{
		owner:    uuid.New(),
		stranger: uuid.New(),
		queue:    &stubQueue{},
	}
	h.project = models.Project{ID: uuid.New(), UserID: h.owner, Name: "shop", Namespace: "proj-shop"}
	h.service = models.Service{
		ID:             uuid.New(),
		ProjectID:      h.project.ID,
		Name:           "api",
		RepoURL:        "https://github.com/acme/shop-api",
		Branch:         "main",
		Port:           8080,
		GeneratedFiles: datatypes.JSON([]byte(`{"Dockerfile":"FROM golang:1.22\nEXPOSE 8080"}`)),
	}
	h.failedDep = models.Deployment{
		ID:        uuid.New(),
		ServiceID: h.service.ID,
		CommitSHA: "deadbeefcafe",
		Status:    models.DeploymentFailed,
	}

	projects := &stubProjects{byID: map[uuid.UUID]models.Project{h.project.ID: h.project}}
	services := &stubServices{byID: map[uuid.UUID]models.Service{h.service.ID: h.service}}
	h.deployments = &stubDeployments{byID: map[uuid.UUID]models.Deployment{h.failedDep.ID: h.failedDep}}
	h.sessions = &stubSessions{
		byID:    map[uuid.UUID]models.DebugSession{},
		running: map[uuid.UUID]models.DebugSession{},
	}

	h.client = fake.NewSimpleClientset()
	gw := cluster.NewGatewayWithClient(h.client)
	bus := events.NewBus()
	pipe := pipeline.NewPipeline(gw, h.deployments, bus, collab.NewLogNotifier(), pipeline.Options{
		Registry:      "registry.test",
		IngressDomain: "apps.test",
		PollInterval:  time.Millisecond,
		BuildTimeout:  time.Second,
	})
	repairer := repair.NewRepairer(gw, h.sessions, &stubAttempts{}, services, h.deployments, nil, nil, pipe, bus)
	reconciler := reconcile.NewReconciler(gw, projects, h.deployments, bus)

	eventHub := hub.NewHub()
	authorizer := hub.NewAuthorizer(projects, services, h.deployments, h.sessions)

	router := api.NewRouter(api.Dependencies{
		Health:        handlers.NewHealthHandler(map[string]handlers.Pinger{"db": stubPinger{err: readyErr}}),
		Deploy:        handlers.NewDeployHandler(gw, projects, services, h.deployments, h.queue),
		Repair:        handlers.NewRepairHandler(repairer, projects, services, h.deployments, h.sessions, &stubAttempts{}, h.queue),
		Ops:           handlers.NewOpsHandler(reconciler, eventHub),
		WS:            handlers.NewWSHandler(eventHub, authorizer, testSecret),
		HMACSecret:    testSecret,
		AllowedOrigin: "*",
	})

	h.srv = httptest.NewServer(router)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPIRequiresToken(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/v1/deployments/"+h.failedDep.ID.String(), "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTriggerDeploymentEnqueues(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/services/"+h.service.ID.String()+"/deployments",
		h.token(t, h.owner), map[string]string{"commit_sha": "0123456789ab"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	dep := decode[models.Deployment](t, resp)
	require.Equal(t, models.DeploymentPending, dep.Status)
	require.Equal(t, h.service.ID, dep.ServiceID)

	require.Len(t, h.queue.enqueued, 1)
	require.Equal(t, tasks.TypeDeploymentRun, h.queue.enqueued[0].Type())
	var payload tasks.DeployPayload
	require.NoError(t, json.Unmarshal(h.queue.enqueued[0].Payload(), &payload))
	require.Equal(t, dep.ID.String(), payload.DeploymentID)
}

func TestTriggerDeploymentForbiddenForStranger(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/services/"+h.service.ID.String()+"/deployments",
		h.token(t, h.stranger), map[string]string{"commit_sha": "0123456789ab"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Empty(t, h.queue.enqueued)
}

func TestTriggerDeploymentRequiresCommitForSourceBuilds(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/services/"+h.service.ID.String()+"/deployments",
		h.token(t, h.owner), map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeploymentHistoryList(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/v1/services/"+h.service.ID.String()+"/deployments",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	deps := decode[[]models.Deployment](t, resp)
	require.Len(t, deps, 1)
	require.Equal(t, h.failedDep.ID, deps[0].ID)
}

func TestLatestDeploymentPicksNewest(t *testing.T) {
	h := newHarness(t, nil)

	newer := models.Deployment{
		ID:        uuid.New(),
		ServiceID: h.service.ID,
		Status:    models.DeploymentLive,
		CreatedAt: h.failedDep.CreatedAt.Add(time.Hour),
	}
	h.deployments.byID[newer.ID] = newer

	resp := h.do(t, http.MethodGet, "/api/v1/services/"+h.service.ID.String()+"/deployments/latest",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dep := decode[models.Deployment](t, resp)
	require.Equal(t, newer.ID, dep.ID)
}

func TestStartRepairEnqueues(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/deployments/"+h.failedDep.ID.String()+"/repair",
		h.token(t, h.owner), map[string]int{"max_attempts": 3})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	session := decode[models.DebugSession](t, resp)
	require.Equal(t, models.SessionRunning, session.Status)
	require.Equal(t, 3, session.MaxAttempts)

	require.Len(t, h.queue.enqueued, 1)
	require.Equal(t, tasks.TypeDebugRun, h.queue.enqueued[0].Type())
}

func TestStartRepairConflictsWithRunningSession(t *testing.T) {
	h := newHarness(t, nil)

	first := h.do(t, http.MethodPost, "/api/v1/deployments/"+h.failedDep.ID.String()+"/repair",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := h.do(t, http.MethodPost, "/api/v1/deployments/"+h.failedDep.ID.String()+"/repair",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestGetRepairSessionIncludesAttempts(t *testing.T) {
	h := newHarness(t, nil)

	started := h.do(t, http.MethodPost, "/api/v1/deployments/"+h.failedDep.ID.String()+"/repair",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusAccepted, started.StatusCode)
	session := decode[models.DebugSession](t, started)

	resp := h.do(t, http.MethodGet, "/api/v1/repair-sessions/"+session.ID.String(),
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	detail := decode[struct {
		Session  models.DebugSession   `json:"session"`
		Attempts []models.DebugAttempt `json:"attempts"`
	}](t, resp)
	require.Equal(t, session.ID, detail.Session.ID)
	require.Empty(t, detail.Attempts)
}

func TestCancelRepairSession(t *testing.T) {
	h := newHarness(t, nil)

	started := h.do(t, http.MethodPost, "/api/v1/deployments/"+h.failedDep.ID.String()+"/repair",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusAccepted, started.StatusCode)
	session := decode[models.DebugSession](t, started)

	resp := h.do(t, http.MethodPost, "/api/v1/repair-sessions/"+session.ID.String()+"/cancel",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stored models.DebugSession
	require.NoError(t, h.sessions.GetByID(context.Background(), session.ID, &stored))
	require.Equal(t, models.SessionCancelled, stored.Status)
}

func TestDeploymentLogsStreamFromPod(t *testing.T) {
	h := newHarness(t, nil)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "api-0",
			Namespace: h.project.Namespace,
			Labels:    map[string]string{"app": h.service.Name},
		},
	}
	_, err := h.client.CoreV1().Pods(h.project.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/v1/deployments/"+h.failedDep.ID.String()+"/logs",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// The fake clientset serves a fixed log body.
	require.Equal(t, "fake logs", string(body))
}

func TestDeploymentLogsWithoutPods(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/v1/deployments/"+h.failedDep.ID.String()+"/logs",
		h.token(t, h.owner), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScaleServiceWorkload(t *testing.T) {
	h := newHarness(t, nil)

	one := int32(1)
	workload := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: h.service.Name, Namespace: h.project.Namespace},
		Spec:       appsv1.DeploymentSpec{Replicas: &one},
	}
	_, err := h.client.AppsV1().Deployments(h.project.Namespace).Create(context.Background(), workload, metav1.CreateOptions{})
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/api/v1/services/"+h.service.ID.String()+"/scale",
		h.token(t, h.owner), map[string]int32{"replicas": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := h.client.AppsV1().Deployments(h.project.Namespace).Get(context.Background(), h.service.Name, metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(3), *stored.Spec.Replicas)
}

func TestScaleServiceRejectsOutOfRange(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/services/"+h.service.ID.String()+"/scale",
		h.token(t, h.owner), map[string]int32{"replicas": 50})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpsReconcileDefaultsToDryRun(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/ops/reconcile", h.token(t, h.owner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[reconcile.Result](t, resp)
	require.True(t, result.DryRun)
}

func TestOpsReconcileRejectsConflictingOptions(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/ops/reconcile", h.token(t, h.owner),
		map[string]bool{"recreate_missing": true, "delete_ghost_projects": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthProbes(t *testing.T) {
	t.Run("liveness is unconditional", func(t *testing.T) {
		h := newHarness(t, nil)
		resp := h.do(t, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("readiness degrades with a dead dependency", func(t *testing.T) {
		h := newHarness(t, appErr.New(appErr.CodeUnavailable, "connection refused"))
		resp := h.do(t, http.MethodGet, "/readyz", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
