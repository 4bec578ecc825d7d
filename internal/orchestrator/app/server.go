// Package app wires the orchestrator components behind the loopback HTTP
// control plane and owns the run loop: flush cadence, sweeps, and ordered
// shutdown.
package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberfall/emberfall/internal/orchestrator/identity"
	"github.com/emberfall/emberfall/internal/orchestrator/persist"
	"github.com/emberfall/emberfall/internal/orchestrator/registry"
	"github.com/emberfall/emberfall/internal/orchestrator/storage"
	"github.com/emberfall/emberfall/internal/orchestrator/supervisor"
	"github.com/emberfall/emberfall/internal/orchestrator/ticket"
	"github.com/emberfall/emberfall/internal/orchestrator/transfer"
	apperrors "github.com/emberfall/emberfall/internal/platform/errors"
	"github.com/emberfall/emberfall/internal/platform/id"
)

// internalHeader carries the shared secret world instances authenticate
// internal calls with.
const internalHeader = "X-Emberfall-Internal"

// Server exposes the control plane routes over the orchestrator components.
type Server struct {
	accounts    storage.AccountStore
	tickets     *ticket.Service
	registry    *registry.Registry
	gateway     *persist.Gateway
	coordinator *transfer.Coordinator
	supervisor  *supervisor.Supervisor
	grants      identity.GrantConfig

	internalSecret []byte
	primary        string
	bootOrder      []string
	debugKill      bool
	guestIDs       atomic.Int64

	// flushNow wakes the run loop when the persistence queue crosses its
	// high-water mark.
	flushNow chan struct{}
}

// ServerConfig collects the dependencies the control plane serves.
type ServerConfig struct {
	Accounts       storage.AccountStore
	Tickets        *ticket.Service
	Registry       *registry.Registry
	Gateway        *persist.Gateway
	Coordinator    *transfer.Coordinator
	Supervisor     *supervisor.Supervisor
	Grants         identity.GrantConfig
	InternalSecret string
	Primary        string
	BootOrder      []string
	GuestThreshold int64
	DebugKill      bool
}

// NewServer creates the control plane server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Accounts == nil || cfg.Tickets == nil || cfg.Registry == nil || cfg.Gateway == nil {
		return nil, errors.New("accounts, tickets, registry, and gateway are required")
	}
	if cfg.Coordinator == nil || cfg.Supervisor == nil {
		return nil, errors.New("coordinator and supervisor are required")
	}
	if strings.TrimSpace(cfg.InternalSecret) == "" {
		return nil, errors.New("internal secret is required")
	}
	if cfg.GuestThreshold <= 0 {
		return nil, errors.New("guest threshold must be positive")
	}
	s := &Server{
		accounts:       cfg.Accounts,
		tickets:        cfg.Tickets,
		registry:       cfg.Registry,
		gateway:        cfg.Gateway,
		coordinator:    cfg.Coordinator,
		supervisor:     cfg.Supervisor,
		grants:         cfg.Grants,
		internalSecret: []byte(cfg.InternalSecret),
		primary:        cfg.Primary,
		bootOrder:      cfg.BootOrder,
		debugKill:      cfg.DebugKill,
		flushNow:       make(chan struct{}, 1),
	}
	// Guest account ids live above the durable range and reset on restart.
	s.guestIDs.Store(cfg.GuestThreshold)
	return s, nil
}

// FlushRequested returns the channel the run loop selects on for
// high-water flush wakeups.
func (s *Server) FlushRequested() <-chan struct{} {
	return s.flushNow
}

// Handler builds the route table with panic recovery on the outside.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/bootstrap", s.handleBootstrap)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /internal/v1/ready", s.internal(s.handleReady))
	mux.Handle("POST /internal/v1/heartbeat", s.internal(s.handleHeartbeat))
	mux.Handle("POST /internal/v1/validate-ticket", s.internal(s.handleValidateTicket))
	mux.Handle("POST /internal/v1/request-transfer", s.internal(s.handleRequestTransfer))
	mux.Handle("POST /internal/v1/transfer-result", s.internal(s.handleTransferResult))
	mux.Handle("POST /internal/v1/persist-snapshot", s.internal(s.handlePersistSnapshot))
	mux.Handle("POST /internal/v1/persist-event", s.internal(s.handlePersistEvent))
	mux.Handle("POST /internal/v1/kill-instance", s.internal(s.handleKillInstance))

	return s.recover(mux)
}

// recover converts handler panics into a 500 so one bad request never takes
// the control plane down.
func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("app: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// internal authenticates shard-to-orchestrator calls with the shared secret.
func (s *Server) internal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(internalHeader))
		if subtle.ConstantTimeCompare(presented, s.internalSecret) != 1 {
			writeError(w, apperrors.New(apperrors.CodeUnauthorized, "internal secret mismatch"))
			return
		}
		next(w, r)
	})
}

type bootstrapRequest struct {
	IdentityKey   string `json:"identity_key,omitempty"`
	IdentityGrant string `json:"identity_grant,omitempty"`
}

type bootstrapResponse struct {
	Token            string `json:"token"`
	TargetInstanceID string `json:"target_instance_id"`
	Endpoint         string `json:"endpoint"`
	AccountID        int64  `json:"account_id"`
	Guest            bool   `json:"guest"`
	ExpiresAtMs      int64  `json:"expires_at_ms"`
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	identityKey, err := s.resolveIdentity(req)
	if err != nil {
		writeError(w, err)
		return
	}

	var payload ticket.Payload
	if identityKey == "" {
		payload = ticket.Payload{AccountID: s.guestIDs.Add(1), Guest: true}
	} else {
		account, err := s.lookupOrCreateAccount(r.Context(), identityKey)
		if err != nil {
			writeError(w, err)
			return
		}
		payload = ticket.Payload{AccountID: account.AccountID, IdentityKey: account.IdentityKey}
		if !account.Snapshot.IsZero() {
			snapshot := account.Snapshot
			payload.Snapshot = &snapshot
		}
	}

	target, err := s.registry.PickBootstrapTarget(s.primary, s.bootOrder)
	if err != nil {
		writeError(w, err)
		return
	}
	endpoint, ok := s.registry.Endpoint(target)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeNoReadyMaps, "bootstrap target lost readiness"))
		return
	}

	record, err := s.tickets.Issue(target, ticket.KindJoin, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("app: bootstrap account=%d guest=%t target=%s", payload.AccountID, payload.Guest, target)
	writeJSON(w, http.StatusOK, bootstrapResponse{
		Token:            record.Token,
		TargetInstanceID: target,
		Endpoint:         endpoint,
		AccountID:        payload.AccountID,
		Guest:            payload.Guest,
		ExpiresAtMs:      record.ExpiresAt.UnixMilli(),
	})
}

// resolveIdentity returns the durable identity key for a bootstrap request,
// or empty for a guest. With grant verification enabled, a raw identity key
// is not accepted.
func (s *Server) resolveIdentity(req bootstrapRequest) (string, error) {
	grant := strings.TrimSpace(req.IdentityGrant)
	key := strings.TrimSpace(req.IdentityKey)

	if s.grants.Enabled() {
		if grant == "" && key == "" {
			return "", nil
		}
		claims, err := identity.ValidateGrant(grant, s.grants)
		if err != nil {
			return "", err
		}
		return claims.IdentityKey, nil
	}
	if grant != "" {
		return "", apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grants are not configured")
	}
	return key, nil
}

func (s *Server) lookupOrCreateAccount(ctx context.Context, identityKey string) (storage.Account, error) {
	account, err := s.accounts.GetAccountByIdentity(ctx, identityKey)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Account{}, err
	}
	return s.accounts.CreateAccount(ctx, identityKey)
}

type healthzInstance struct {
	InstanceID    string `json:"instance_id"`
	ShardID       string `json:"shard_id"`
	Endpoint      string `json:"endpoint"`
	Healthy       bool   `json:"healthy"`
	OnlinePlayers int    `json:"online_players"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LastSeenMs    int64  `json:"last_seen_ms"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	statuses := s.registry.Snapshot()
	instances := make([]healthzInstance, 0, len(statuses))
	anyHealthy := false
	for _, status := range statuses {
		healthy := s.registry.Healthy(status.InstanceID)
		anyHealthy = anyHealthy || healthy
		instances = append(instances, healthzInstance{
			InstanceID:    status.InstanceID,
			ShardID:       status.ShardID,
			Endpoint:      status.Endpoint,
			Healthy:       healthy,
			OnlinePlayers: status.OnlinePlayers,
			UptimeSeconds: status.UptimeSeconds,
			LastSeenMs:    status.LastSeen.UnixMilli(),
		})
	}
	state := "ok"
	if !anyHealthy {
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    state,
		"instances": instances,
	})
}

type readyRequest struct {
	InstanceID string `json:"instance_id"`
	ShardID    string `json:"shard_id"`
	Endpoint   string `json:"endpoint"`
	PID        int    `json:"pid"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var req readyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.InstanceID) == "" || strings.TrimSpace(req.Endpoint) == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "instance id and endpoint are required"))
		return
	}
	s.registry.OnReady(req.InstanceID, req.ShardID, req.Endpoint, req.PID)
	log.Printf("app: ready instance=%s pid=%d endpoint=%s", req.InstanceID, req.PID, req.Endpoint)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type heartbeatRequest struct {
	InstanceID    string `json:"instance_id"`
	PID           int    `json:"pid"`
	OnlinePlayers int    `json:"online_players"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.OnHeartbeat(req.InstanceID, req.PID, req.OnlinePlayers, req.UptimeSeconds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type validateTicketRequest struct {
	Token      string `json:"token"`
	InstanceID string `json:"instance_id"`
}

type validateTicketResponse struct {
	AccountID   int64             `json:"account_id"`
	IdentityKey string            `json:"identity_key,omitempty"`
	Guest       bool              `json:"guest"`
	Snapshot    *storage.Snapshot `json:"snapshot,omitempty"`
	TransferID  string            `json:"transfer_id,omitempty"`
}

func (s *Server) handleValidateTicket(w http.ResponseWriter, r *http.Request) {
	var req validateTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	payload, err := s.tickets.Validate(req.Token, req.InstanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validateTicketResponse{
		AccountID:   payload.AccountID,
		IdentityKey: payload.IdentityKey,
		Guest:       payload.Guest,
		Snapshot:    payload.Snapshot,
		TransferID:  payload.TransferID,
	})
}

type requestTransferRequest struct {
	FromInstanceID string            `json:"from_instance_id"`
	ToInstanceID   string            `json:"to_instance_id"`
	AccountID      int64             `json:"account_id"`
	IdentityKey    string            `json:"identity_key,omitempty"`
	Guest          bool              `json:"guest"`
	Snapshot       *storage.Snapshot `json:"snapshot,omitempty"`
}

type requestTransferResponse struct {
	TransferID       string `json:"transfer_id"`
	Token            string `json:"token"`
	TargetInstanceID string `json:"target_instance_id"`
	Endpoint         string `json:"endpoint"`
	ExpiresAtMs      int64  `json:"expires_at_ms"`
}

func (s *Server) handleRequestTransfer(w http.ResponseWriter, r *http.Request) {
	var req requestTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ticketRecord, record, err := s.coordinator.RequestTransfer(
		r.Context(), req.FromInstanceID, req.ToInstanceID,
		req.AccountID, req.IdentityKey, req.Guest, req.Snapshot)
	if err != nil {
		writeError(w, err)
		return
	}
	endpoint, _ := s.registry.Endpoint(req.ToInstanceID)
	writeJSON(w, http.StatusOK, requestTransferResponse{
		TransferID:       record.TransferID,
		Token:            ticketRecord.Token,
		TargetInstanceID: ticketRecord.TargetInstanceID,
		Endpoint:         endpoint,
		ExpiresAtMs:      ticketRecord.ExpiresAt.UnixMilli(),
	})
}

type transferResultRequest struct {
	TransferID string `json:"transfer_id"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleTransferResult(w http.ResponseWriter, r *http.Request) {
	var req transferResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.coordinator.OnTransferResult(req.TransferID, req.Stage, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type persistSnapshotRequest struct {
	AccountID     int64             `json:"account_id"`
	Snapshot      *storage.Snapshot `json:"snapshot,omitempty"`
	SaveCharacter bool              `json:"save_character"`
	SaveAbilities bool              `json:"save_abilities"`
}

func (s *Server) handlePersistSnapshot(w http.ResponseWriter, r *http.Request) {
	var req persistSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.gateway.EnqueueSnapshot(req.AccountID, req.Snapshot, req.SaveCharacter, req.SaveAbilities) {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type persistEventRequest struct {
	EventID    string          `json:"event_id,omitempty"`
	Kind       string          `json:"kind"`
	AccountID  int64           `json:"account_id"`
	TransferID string          `json:"transfer_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handlePersistEvent(w http.ResponseWriter, r *http.Request) {
	var req persistEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Kind) == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "event kind is required"))
		return
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		minted, err := id.NewID()
		if err != nil {
			writeError(w, err)
			return
		}
		eventID = minted
	}
	err := s.gateway.SaveCriticalEvent(r.Context(), storage.CriticalEvent{
		EventID:    eventID,
		Kind:       req.Kind,
		AccountID:  req.AccountID,
		TransferID: req.TransferID,
		Payload:    req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
}

type killInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

func (s *Server) handleKillInstance(w http.ResponseWriter, r *http.Request) {
	if !s.debugKill {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "kill-instance is disabled"))
		return
	}
	var req killInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.supervisor.KillInstance(req.InstanceID) {
		writeError(w, apperrors.New(apperrors.CodeInstanceNotFound, "instance has no live process"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeJSON parses a request body, rejecting unknown noise early.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "decode request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("app: encode response: %v", err)
	}
}

// writeError maps a coded error to its HTTP status with a JSON body.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), map[string]string{
		"error":   string(code),
		"message": err.Error(),
	})
}
