// Package registry manages the inventory of fleet servers.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/store"
)

// Registry owns server records. Health fields are written exclusively
// through UpdateHealth so operator writes and monitor writes never race on
// the same columns.
type Registry struct {
	store        *store.Store
	exec         remote.Executor
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a server registry backed by the given store and executor.
func New(st *store.Store, exec remote.Executor, probeTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:        st,
		exec:         exec,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "registry"),
	}
}

// AddInput is the operator-supplied description of a new server.
type AddInput struct {
	Name      string     `json:"name"`
	IPAddress string     `json:"ip_address"`
	Port      int        `json:"port"`
	Username  string     `json:"username"`
	Auth      model.Auth `json:"auth"`
	Roles     []string   `json:"service_roles"`
}

func (in *AddInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", model.ErrValidation)
	}
	return validateEndpoint(in.IPAddress, in.Port, in.Username, in.Auth)
}

func validateEndpoint(ip string, port int, username string, auth model.Auth) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: invalid ip_address %q", model.ErrValidation, ip)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", model.ErrValidation, port)
	}
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is required", model.ErrValidation)
	}
	switch auth.Method {
	case model.AuthPassword:
		if auth.Password == "" {
			return fmt.Errorf("%w: password is required for password auth", model.ErrValidation)
		}
	case model.AuthKey:
		if auth.KeyPath == "" {
			return fmt.Errorf("%w: key_path is required for key auth", model.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: auth method must be password or key", model.ErrValidation)
	}
	return nil
}

// Add registers a new server. The record starts Active with a zero health
// score until the first monitor pass. Registration does not require the
// server to be reachable.
func (r *Registry) Add(in AddInput) (*model.Server, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Port == 0 {
		in.Port = 22
	}

	now := time.Now().UTC()
	srv := &model.Server{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		IPAddress: in.IPAddress,
		Port:      in.Port,
		Username:  in.Username,
		Auth:      in.Auth,
		Roles:     normalizeRoles(in.Roles),
		Status:    model.ServerActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.InsertServer(srv); err != nil {
		return nil, err
	}
	r.logger.Info("server registered", "server_id", srv.ID, "name", srv.Name,
		"address", fmt.Sprintf("%s:%d", srv.IPAddress, srv.Port))
	return srv, nil
}

// Get fetches one server by id.
func (r *Registry) Get(id string) (*model.Server, error) {
	return r.store.GetServer(id)
}

// List returns servers matching the filter.
func (r *Registry) List(filter store.ServerFilter) ([]*model.Server, error) {
	return r.store.ListServers(filter)
}

// TestConnection probes the server over SSH and gathers system facts.
// Results are returned to the caller only; stored status and health are
// left untouched.
func (r *Registry) TestConnection(ctx context.Context, id string) (*model.ConnectionResult, error) {
	srv, err := r.store.GetServer(id)
	if err != nil {
		return nil, err
	}
	return r.probe(ctx, EndpointFor(srv))
}

// TestInput is an operator-supplied connection spec that is not (yet)
// registered.
type TestInput struct {
	IPAddress string     `json:"ip_address"`
	Port      int        `json:"port"`
	Username  string     `json:"username"`
	Auth      model.Auth `json:"auth"`
}

// TestEndpoint probes an unregistered connection spec, letting operators
// verify credentials before Add. Nothing is persisted.
func (r *Registry) TestEndpoint(ctx context.Context, in TestInput) (*model.ConnectionResult, error) {
	if err := validateEndpoint(in.IPAddress, in.Port, in.Username, in.Auth); err != nil {
		return nil, err
	}
	if in.Port == 0 {
		in.Port = 22
	}
	ep := remote.Endpoint{Host: in.IPAddress, Port: in.Port, User: in.Username}
	switch in.Auth.Method {
	case model.AuthPassword:
		ep.Password = in.Auth.Password
	case model.AuthKey:
		ep.KeyPath = in.Auth.KeyPath
	}
	return r.probe(ctx, ep)
}

func (r *Registry) probe(ctx context.Context, ep remote.Endpoint) (*model.ConnectionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	facts, err := remote.GatherFacts(ctx, r.exec, ep)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &model.ConnectionResult{
			Reachable: false,
			LatencyMS: latency,
			Message:   err.Error(),
		}, nil
	}
	return &model.ConnectionResult{
		Reachable: true,
		LatencyMS: latency,
		Facts:     facts,
	}, nil
}

// UpdateHealth records a monitor observation for the server.
func (r *Registry) UpdateHealth(id string, score int, status model.ServerStatus, checkedAt time.Time) error {
	return r.store.UpdateServerHealth(id, score, status, checkedAt)
}

// SetRoles replaces the server's role assignments.
func (r *Registry) SetRoles(id string, roles []string) error {
	if err := r.store.UpdateServerRoles(id, normalizeRoles(roles)); err != nil {
		return err
	}
	r.logger.Info("server roles updated", "server_id", id, "roles", roles)
	return nil
}

// Disable takes a server out of monitoring and scheduling.
func (r *Registry) Disable(id string) error {
	return r.store.SetServerStatus(id, model.ServerDisabled)
}

// Enable returns a disabled server to the Active pool. The next monitor
// pass settles its real status.
func (r *Registry) Enable(id string) error {
	return r.store.SetServerStatus(id, model.ServerActive)
}

// Remove deletes a server. Servers referenced by a Pending or Running task
// cannot be removed.
func (r *Registry) Remove(id string) error {
	busy, err := r.store.ActiveTaskReferencing(id)
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("%w: %s", model.ErrServerInUse, id)
	}
	if err := r.store.DeleteServer(id); err != nil {
		return err
	}
	r.logger.Info("server removed", "server_id", id)
	return nil
}

// EndpointFor builds the SSH endpoint for a stored server.
func EndpointFor(srv *model.Server) remote.Endpoint {
	ep := remote.Endpoint{
		Host: srv.IPAddress,
		Port: srv.Port,
		User: srv.Username,
	}
	switch srv.Auth.Method {
	case model.AuthPassword:
		ep.Password = srv.Auth.Password
	case model.AuthKey:
		ep.KeyPath = srv.Auth.KeyPath
	}
	return ep
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]bool, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}
