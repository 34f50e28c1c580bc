// Package api serves the REST endpoints that sit beside the realtime
// transports: login, room metadata, live room listings and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsync/internal/auth"
	"github.com/cory-johannsen/roomsync/internal/game/room"
	"github.com/cory-johannsen/roomsync/internal/storage/postgres"
)

// maxBodyBytes caps a request body.
const maxBodyBytes = 64 << 10

// AccountStore authenticates or registers accounts.
type AccountStore interface {
	LoginOrRegister(ctx context.Context, username, password string) (postgres.Account, bool, error)
}

// RoomStore persists room metadata.
type RoomStore interface {
	Create(ctx context.Context, createdBy string) (postgres.RoomRecord, error)
	AddUser(ctx context.Context, roomID, username string) error
	List(ctx context.Context) ([]postgres.RoomRecord, error)
}

// LiveRooms lists rooms with at least one connected member.
type LiveRooms interface {
	Rooms() []room.Summary
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler serves the REST API.
type Handler struct {
	accounts AccountStore
	rooms    RoomStore
	live     LiveRooms
	tokens   *auth.Tokens
	checks   map[string]HealthCheck
	logger   *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAccounts enables password-checked logins. Without it, login accepts any
// valid username and never issues a token.
func WithAccounts(s AccountStore) Option {
	return func(h *Handler) { h.accounts = s }
}

// WithRooms enables the room metadata endpoints.
func WithRooms(s RoomStore) Option {
	return func(h *Handler) { h.rooms = s }
}

// WithTokens makes password-checked logins return a signed session token.
func WithTokens(t *auth.Tokens) Option {
	return func(h *Handler) { h.tokens = t }
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// New creates a Handler.
//
// Precondition: live and logger must be non-nil.
func New(live LiveRooms, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		live:   live,
		checks: make(map[string]HealthCheck),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/login", h.wrap(h.login))
	mux.HandleFunc("POST /api/create-room", h.wrap(h.createRoom))
	mux.HandleFunc("POST /api/join-room", h.wrap(h.joinRoom))
	mux.HandleFunc("GET /api/rooms", h.wrap(h.listRooms))
	mux.HandleFunc("GET /api/live-rooms", h.wrap(h.liveRooms))
	mux.HandleFunc("GET /healthz", h.health)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Username  string     `json:"username"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Created   bool       `json:"created"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp := loginResponse{Username: req.Username}
	if h.accounts != nil {
		acct, created, err := h.accounts.LoginOrRegister(r.Context(), req.Username, req.Password)
		switch {
		case errors.Is(err, postgres.ErrInvalidUsername), errors.Is(err, postgres.ErrInvalidPassword):
			h.errorJSON(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, postgres.ErrInvalidCredentials):
			h.errorJSON(w, "invalid credentials", http.StatusUnauthorized)
			return
		case err != nil:
			h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
			h.errorJSON(w, "internal server error", http.StatusInternalServerError)
			return
		}
		resp.Username = acct.Username
		resp.Created = created
	} else if req.Username == "" || len(req.Username) > postgres.MaxUsernameLength {
		h.errorJSON(w, "username is required", http.StatusBadRequest)
		return
	}

	if h.accounts != nil && h.tokens.Enabled() {
		token, claims, err := h.tokens.Issue(resp.Username)
		if err != nil {
			h.logger.Error("issuing token", zap.String("username", resp.Username), zap.Error(err))
			h.errorJSON(w, "internal server error", http.StatusInternalServerError)
			return
		}
		resp.Token = token
		resp.ExpiresAt = &claims.ExpiresAt
	}
	h.writeJSON(w, resp, http.StatusOK)
}

type roomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type roomResponse struct {
	RoomID string `json:"roomId"`
}

func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	if !h.requireRooms(w) {
		return
	}
	var req roomRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Username == "" {
		h.errorJSON(w, "username is required", http.StatusBadRequest)
		return
	}

	rec, err := h.rooms.Create(r.Context(), req.Username)
	if err != nil {
		h.logger.Error("creating room", zap.String("username", req.Username), zap.Error(err))
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("room created", zap.String("room_id", rec.ID), zap.String("username", req.Username))
	h.writeJSON(w, roomResponse{RoomID: rec.ID}, http.StatusCreated)
}

func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	if !h.requireRooms(w) {
		return
	}
	var req roomRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RoomID == "" || req.Username == "" {
		h.errorJSON(w, "roomId and username are required", http.StatusBadRequest)
		return
	}

	err := h.rooms.AddUser(r.Context(), req.RoomID, req.Username)
	switch {
	case errors.Is(err, postgres.ErrRoomNotFound):
		h.errorJSON(w, "room not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("joining room", zap.String("room_id", req.RoomID), zap.Error(err))
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, roomResponse{RoomID: req.RoomID}, http.StatusOK)
}

type roomListing struct {
	postgres.RoomRecord
	UserCount int `json:"userCount"`
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	if !h.requireRooms(w) {
		return
	}
	recs, err := h.rooms.List(r.Context())
	if err != nil {
		h.logger.Error("listing rooms", zap.Error(err))
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}
	out := make([]roomListing, 0, len(recs))
	for _, rec := range recs {
		out = append(out, roomListing{RoomRecord: rec, UserCount: rec.UserCount()})
	}
	h.writeJSON(w, out, http.StatusOK)
}

func (h *Handler) liveRooms(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.live.Rooms(), http.StatusOK)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	for name, check := range h.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.checks))
		}
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	h.writeJSON(w, resp, code)
}

func (h *Handler) requireRooms(w http.ResponseWriter) bool {
	if h.rooms == nil {
		h.errorJSON(w, "room storage is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.errorJSON(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("writing response", zap.Error(err))
	}
}

func (h *Handler) errorJSON(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, map[string]string{"error": message}, code)
}
