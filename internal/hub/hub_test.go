package hub

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	failNext bool
	closed   bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("connection half-closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages = append(f.messages, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	h := NewHub()
	alice, bob := &fakeConn{}, &fakeConn{}
	h.AddConnection(alice, uuid.New())
	h.AddConnection(bob, uuid.New())

	require.True(t, h.Subscribe(alice, "deployment:d1:status"))
	h.Broadcast("deployment:d1:status", map[string]string{"status": "live"})

	require.Equal(t, 1, alice.count())
	require.Zero(t, bob.count())
}

func TestBroadcastToleratesFailedSend(t *testing.T) {
	h := NewHub()
	broken, healthy := &fakeConn{failNext: true}, &fakeConn{}
	h.AddConnection(broken, uuid.New())
	h.AddConnection(healthy, uuid.New())
	h.Subscribe(broken, "deployment:d1:status")
	h.Subscribe(healthy, "deployment:d1:status")

	h.Broadcast("deployment:d1:status", "building")
	require.Equal(t, 1, healthy.count(), "healthy subscriber still receives after peer failure")
}

func TestSubscribeUnknownConnection(t *testing.T) {
	h := NewHub()
	require.False(t, h.Subscribe(&fakeConn{}, "deployment:d1:status"))
}

func TestRemoveConnectionIsIdempotent(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{}
	h.AddConnection(conn, uuid.New())
	h.Subscribe(conn, "deployment:d1:status")
	h.Subscribe(conn, "project:p1:status")

	h.RemoveConnection(conn)
	h.RemoveConnection(conn) // second call must not panic or double-decrement

	stats := h.Stats()
	require.Zero(t, stats.Connections)
	require.Empty(t, stats.Channels)

	h.Broadcast("deployment:d1:status", "live")
	require.Zero(t, conn.count())
}

func TestUnsubscribeFreesEmptyChannel(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{}
	h.AddConnection(conn, uuid.New())
	h.Subscribe(conn, "deployment:d1:status")
	h.Unsubscribe(conn, "deployment:d1:status")

	require.Empty(t, h.Stats().Channels)
}

func TestStatsCountsUniqueUsers(t *testing.T) {
	h := NewHub()
	userID := uuid.New()
	first, second, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.AddConnection(first, userID)
	h.AddConnection(second, userID)
	h.AddConnection(other, uuid.New())
	h.Subscribe(first, "user:"+userID.String()+":notifications")

	stats := h.Stats()
	require.Equal(t, 3, stats.Connections)
	require.Equal(t, 2, stats.Users)
	require.Equal(t, 1, stats.Channels["user:"+userID.String()+":notifications"])
}

func TestAttachBusForwardsEvents(t *testing.T) {
	h := NewHub()
	bus := events.NewBus()
	defer bus.Close()
	cancel := AttachBus(bus, h)
	defer cancel()

	conn := &fakeConn{}
	h.AddConnection(conn, uuid.New())
	h.Subscribe(conn, "deployment:d1:status")

	bus.Publish("deployment:d1:status", map[string]string{"status": "building"})
	require.Equal(t, 1, conn.count())
	require.Contains(t, string(conn.messages[0]), `"type":"event"`)
	require.Contains(t, string(conn.messages[0]), `"channel":"deployment:d1:status"`)
}

// Compact repository stubs: embed the interface, override only what the
// authorizer touches.

type stubProjects struct {
	repository.ProjectRepository
	byID map[uuid.UUID]models.Project
}

func (s stubProjects) GetByID(_ context.Context, id any, dest *models.Project) error {
	p, ok := s.byID[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "project not found")
	}
	*dest = p
	return nil
}

type stubServices struct {
	repository.ServiceRepository
	byID map[uuid.UUID]models.Service
}

func (s stubServices) GetByID(_ context.Context, id any, dest *models.Service) error {
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

func (s stubDeployments) GetByID(_ context.Context, id any, dest *models.Deployment) error {
	d, ok := s.byID[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	*dest = d
	return nil
}

type stubSessions struct {
	repository.DebugSessionRepository
	byID map[uuid.UUID]models.DebugSession
}

func (s stubSessions) GetByID(_ context.Context, id any, dest *models.DebugSession) error {
	d, ok := s.byID[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	*dest = d
	return nil
}

func newTestAuthorizer() (*Authorizer, uuid.UUID, map[string]uuid.UUID) {
	owner := uuid.New()
	projectID := uuid.New()
	serviceID := uuid.New()
	deploymentID := uuid.New()
	sessionID := uuid.New()

	auth := NewAuthorizer(
		stubProjects{byID: map[uuid.UUID]models.Project{
			projectID: {ID: projectID, UserID: owner},
		}},
		stubServices{byID: map[uuid.UUID]models.Service{
			serviceID: {ID: serviceID, ProjectID: projectID},
		}},
		stubDeployments{byID: map[uuid.UUID]models.Deployment{
			deploymentID: {ID: deploymentID, ServiceID: serviceID},
		}},
		stubSessions{byID: map[uuid.UUID]models.DebugSession{
			sessionID: {ID: sessionID, ServiceID: serviceID},
		}},
	)
	ids := map[string]uuid.UUID{
		"project":    projectID,
		"service":    serviceID,
		"deployment": deploymentID,
		"session":    sessionID,
	}
	return auth, owner, ids
}

func TestAuthorizeOwnershipChain(t *testing.T) {
	auth, owner, ids := newTestAuthorizer()
	stranger := uuid.New()
	ctx := context.Background()

	for kind, id := range ids {
		channel := kind + ":" + id.String() + ":status"
		require.NoError(t, auth.Authorize(ctx, owner, channel), channel)
		err := auth.Authorize(ctx, stranger, channel)
		require.Error(t, err, channel)
		require.True(t, appErr.IsCode(err, appErr.CodeForbidden), channel)
	}
}

func TestAuthorizeUserChannelSelfOnly(t *testing.T) {
	auth, owner, _ := newTestAuthorizer()
	ctx := context.Background()

	require.NoError(t, auth.Authorize(ctx, owner, "user:"+owner.String()+":notifications"))
	err := auth.Authorize(ctx, owner, "user:"+uuid.New().String()+":notifications")
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))
}

func TestAuthorizeRejectsMalformedChannels(t *testing.T) {
	auth, owner, _ := newTestAuthorizer()
	ctx := context.Background()

	require.True(t, appErr.IsCode(auth.Authorize(ctx, owner, "nocolon"), appErr.CodeInvalid))
	require.True(t, appErr.IsCode(auth.Authorize(ctx, owner, "deployment:not-a-uuid:status"), appErr.CodeInvalid))
	require.True(t, appErr.IsCode(auth.Authorize(ctx, owner, "cluster:"+uuid.New().String()+":status"), appErr.CodeForbidden))
}

func TestAuthorizeUnknownResource(t *testing.T) {
	auth, owner, _ := newTestAuthorizer()
	err := auth.Authorize(context.Background(), owner, "deployment:"+uuid.New().String()+":status")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}
