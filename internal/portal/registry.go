package portal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/camera"
	"github.com/campusgate/attendance-portal/internal/guard"
	"github.com/campusgate/attendance-portal/internal/session"
	"github.com/campusgate/attendance-portal/internal/verification"
)

// Client is the server-side state of one browser.
type Client struct {
	ID    string
	Store *session.Store

	newFlow func(verification.Mode) *verification.Flow

	mu       sync.Mutex
	flows    map[string]*verification.Flow
	lastSeen time.Time
}

// Flow returns the capture flow owned by the page at path, creating it on
// first use. The enrollment page drives an enroll flow, every other page a
// verify flow.
func (c *Client) Flow(path string) *verification.Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flows[path]; ok {
		return f
	}
	mode := verification.ModeVerify
	if path == guard.EnrollmentPath {
		mode = verification.ModeEnroll
	}
	f := c.newFlow(mode)
	c.flows[path] = f
	return f
}

// LeavePagesExcept releases the camera held by any flow not owned by path.
func (c *Client) LeavePagesExcept(path string) {
	c.mu.Lock()
	var leaving []*verification.Flow
	for p, f := range c.flows {
		if p != path {
			leaving = append(leaving, f)
		}
	}
	c.mu.Unlock()
	for _, f := range leaving {
		f.Close()
	}
}

// CloseFlows releases the camera whatever page holds it.
func (c *Client) CloseFlows() { c.LeavePagesExcept("") }

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// RegistryDeps wires the collaborators every client shares.
type RegistryDeps struct {
	Backend  session.Backend
	Resolver session.ProfileResolver
	Storage  session.Storage
	Camera   *camera.Hub
	Verifier verification.Verifier
	Profiles verification.ProfileUpdater
	IdleTTL  time.Duration
	Metrics  *Metrics
	Logger   *zap.Logger
	Now      func() time.Time
	// OnEvict runs after a client has been torn down.
	OnEvict func(clientID string)
}

// Registry keeps one Client per browser, created on first sight and
// initialized in the background.
type Registry struct {
	deps   RegistryDeps
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(deps RegistryDeps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IdleTTL <= 0 {
		deps.IdleTTL = 30 * time.Minute
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Registry{deps: deps, logger: deps.Logger, clients: make(map[string]*Client)}
}

// Get returns the client for id, creating it if needed.
func (r *Registry) Get(id string) *Client {
	now := r.deps.Now()

	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		c = r.newClient(id)
		r.clients[id] = c
		r.deps.Metrics.Clients.Set(float64(len(r.clients)))
	}
	r.mu.Unlock()

	c.touch(now)
	if !ok {
		go c.Store.Initialize(context.Background())
	}
	return c
}

func (r *Registry) newClient(id string) *Client {
	logger := r.logger.With(zap.String("client_id", id))
	store := session.NewStore(r.deps.Backend, r.deps.Resolver, r.deps.Storage, session.Options{
		Key:    session.StorageKey(id),
		Logger: logger,
		Now:    r.deps.Now,
	})

	c := &Client{ID: id, Store: store, flows: make(map[string]*verification.Flow)}
	cam := cameraFor(r.deps.Camera, id)
	c.newFlow = func(mode verification.Mode) *verification.Flow {
		return verification.NewFlow(verification.Config{
			Mode:     mode,
			Camera:   cam,
			Verifier: r.deps.Verifier,
			Profiles: r.deps.Profiles,
			State:    store,
			Logger:   logger,
			Now:      r.deps.Now,
		})
	}
	return c
}

func cameraFor(hub *camera.Hub, clientID string) verification.Camera {
	return verification.CameraFunc(func(ctx context.Context) (verification.FrameSource, error) {
		if hub == nil {
			return nil, camera.ErrPermissionDenied
		}
		lease, err := hub.Device(clientID).Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return lease, nil
	})
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Evict tears down the client id, releasing its camera. Its persisted
// session survives, so the browser recovers it on its next request.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.deps.Metrics.Clients.Set(float64(len(r.clients)))
	r.mu.Unlock()
	if ok {
		r.teardown(c)
	}
}

// EvictIdle evicts every client not seen within the idle TTL.
func (r *Registry) EvictIdle(now time.Time) int {
	cutoff := now.Add(-r.deps.IdleTTL)

	r.mu.Lock()
	var idle []*Client
	for id, c := range r.clients {
		if c.idleSince().Before(cutoff) {
			idle = append(idle, c)
			delete(r.clients, id)
		}
	}
	r.deps.Metrics.Clients.Set(float64(len(r.clients)))
	r.mu.Unlock()

	for _, c := range idle {
		r.teardown(c)
	}
	if len(idle) > 0 {
		r.logger.Info("evicted idle clients", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// CloseAll tears down every client.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	r.clients = make(map[string]*Client)
	r.deps.Metrics.Clients.Set(0)
	r.mu.Unlock()

	for _, c := range all {
		r.teardown(c)
	}
}

func (r *Registry) teardown(c *Client) {
	c.CloseFlows()
	if r.deps.Camera != nil {
		r.deps.Camera.Disconnect(c.ID)
	}
	c.Store.Teardown()
	if r.deps.OnEvict != nil {
		r.deps.OnEvict(c.ID)
	}
}
