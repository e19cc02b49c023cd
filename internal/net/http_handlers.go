// Package net exposes the server over HTTP: health and diagnostics, the
// Prometheus scrape endpoint, the entity admin API and the observer
// websocket.
package net

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/loop"
	"entity-scale/server/internal/observability"
	"entity-scale/server/internal/scale"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
)

// Caller runs functions on the loop goroutine.
type Caller interface {
	Call(ctx context.Context, typ loop.CommandType, source string, fn func() error) error
}

type HTTPHandlerConfig struct {
	Loop        Caller
	World       *world.World
	Coordinator *scale.Coordinator
	// RouterStats reports the structured logging router counters.
	RouterStats func() logging.RouterStats
	Gatherer    prometheus.Gatherer
	WebSocket   nethttp.HandlerFunc
	TickRate    int
	Timeout     time.Duration
	// AfterReset runs on the loop goroutine once POST /world/reset has
	// emptied the world, so the world save can be rewritten too.
	AfterReset  func(ctx context.Context) error

	Logger        telemetry.Logger
	Observability observability.Config
}

type spawnRequest struct {
	Prefab          string      `json:"prefab"`
	Pos             [3]float64  `json:"pos"`
	Rot             [3]float64  `json:"rot"`
	Scale           *[3]float64 `json:"scale,omitempty"`
	Parent          uint64      `json:"parent,omitempty"`
	EnableSaving    *bool       `json:"enableSaving,omitempty"`
	GlobalBroadcast bool        `json:"globalBroadcast"`
}

type scaleRequest struct {
	Scale   *[3]float64 `json:"scale,omitempty"`
	Uniform *float64    `json:"uniform,omitempty"`
}

type scaleResponse struct {
	ID        uint64     `json:"id"`
	Scale     [3]float64 `json:"scale"`
	Scaled    bool       `json:"scaled"`
	Technique string     `json:"technique"`
}

type handler struct {
	cfg    HTTPHandlerConfig
	logger telemetry.Logger
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	h := &handler{cfg: cfg, logger: logger}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /diagnostics", h.diagnostics)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("POST /entities", h.spawn)
	mux.HandleFunc("DELETE /entities/{id}", h.destroy)
	mux.HandleFunc("GET /entities/{id}/scale", h.getScale)
	mux.HandleFunc("POST /entities/{id}/scale", h.setScale)
	mux.HandleFunc("POST /entities/{id}/register", h.register)
	mux.HandleFunc("POST /world/reset", h.reset)
	if cfg.WebSocket != nil {
		mux.HandleFunc("/ws", cfg.WebSocket)
	}
	cfg.Observability.Register(mux)

	return mux
}

func (h *handler) diagnostics(w nethttp.ResponseWriter, r *nethttp.Request) {
	var (
		engine   scale.Diagnostics
		entities int
	)
	err := h.call(r, loop.CommandQuery, func() error {
		engine = h.cfg.Coordinator.Diagnostics()
		entities = h.cfg.World.Len()
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	payload := struct {
		Status     string               `json:"status"`
		ServerTime int64                `json:"serverTime"`
		TickRate   int                  `json:"tickRate"`
		Entities   int                  `json:"entities"`
		Scale      scale.Diagnostics    `json:"scale"`
		Logging    *logging.RouterStats `json:"logging,omitempty"`
	}{
		Status:     "ok",
		ServerTime: time.Now().UnixMilli(),
		TickRate:   h.cfg.TickRate,
		Entities:   entities,
		Scale:      engine,
	}
	if h.cfg.RouterStats != nil {
		stats := h.cfg.RouterStats()
		payload.Logging = &stats
	}
	writeJSON(w, nethttp.StatusOK, payload)
}

func (h *handler) spawn(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req spawnRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Prefab == "" {
		httpError(w, "prefab is required", nethttp.StatusBadRequest)
		return
	}
	var localScale geom.Vec3
	if req.Scale != nil {
		localScale = geom.FromArray(*req.Scale)
		if !localScale.ValidScale() {
			httpError(w, "scale components must be positive", nethttp.StatusBadRequest)
			return
		}
	}
	var id world.EntityID
	err := h.call(r, loop.CommandSpawn, func() error {
		params := world.SpawnParams{
			Prefab:          req.Prefab,
			Pos:             geom.FromArray(req.Pos),
			Rot:             geom.FromEuler(geom.FromArray(req.Rot)),
			Scale:           localScale,
			EnableSaving:    req.EnableSaving == nil || *req.EnableSaving,
			GlobalBroadcast: req.GlobalBroadcast,
		}
		if req.Parent != 0 {
			parent, ok := h.cfg.World.Entity(world.EntityID(req.Parent))
			if !ok {
				return scale.ErrEntityNotFound
			}
			params.Parent = parent
		}
		id = h.cfg.World.SpawnEntity(params).ID()
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusCreated, map[string]uint64{"id": uint64(id)})
}

func (h *handler) destroy(w nethttp.ResponseWriter, r *nethttp.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := h.call(r, loop.CommandDestroy, func() error {
		entity, ok := h.cfg.World.Entity(id)
		if !ok {
			return scale.ErrEntityNotFound
		}
		h.cfg.World.Destroy(entity)
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(nethttp.StatusNoContent)
}

func (h *handler) getScale(w nethttp.ResponseWriter, r *nethttp.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var resp scaleResponse
	err := h.call(r, loop.CommandQuery, func() error {
		entity, ok := h.cfg.World.Entity(id)
		if !ok {
			return scale.ErrEntityNotFound
		}
		v := h.cfg.Coordinator.GetScale(entity)
		resp = scaleResponse{
			ID:        uint64(id),
			Scale:     v.Array(),
			Scaled:    !v.IsIdentityScale(),
			Technique: h.cfg.Coordinator.Technique(),
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, resp)
}

func (h *handler) setScale(w nethttp.ResponseWriter, r *nethttp.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req scaleRequest
	if !decode(w, r, &req) {
		return
	}
	var v geom.Vec3
	switch {
	case req.Scale != nil:
		v = geom.FromArray(*req.Scale)
	case req.Uniform != nil:
		v = geom.Uniform(*req.Uniform)
	default:
		httpError(w, "scale or uniform is required", nethttp.StatusBadRequest)
		return
	}
	if !v.ValidScale() {
		httpError(w, "scale components must be positive", nethttp.StatusBadRequest)
		return
	}

	var (
		applied bool
		resp    scaleResponse
	)
	err := h.call(r, loop.CommandScale, func() error {
		var err error
		applied, err = h.cfg.Coordinator.ScaleByID(id, v)
		if err != nil {
			return err
		}
		entity, _ := h.cfg.World.Entity(id)
		current := h.cfg.Coordinator.GetScale(entity)
		resp = scaleResponse{
			ID:        uint64(id),
			Scale:     current.Array(),
			Scaled:    !current.IsIdentityScale(),
			Technique: h.cfg.Coordinator.Technique(),
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if !applied {
		httpError(w, "scale rejected", nethttp.StatusConflict)
		return
	}
	writeJSON(w, nethttp.StatusOK, resp)
}

// register adopts an entity that already sits under a scaled carrier, for
// hierarchies restored or built outside the scale endpoint.
func (h *handler) register(w nethttp.ResponseWriter, r *nethttp.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var (
		adopted bool
		resp    scaleResponse
	)
	err := h.call(r, loop.CommandRegister, func() error {
		entity, ok := h.cfg.World.Entity(id)
		if !ok {
			return scale.ErrEntityNotFound
		}
		adopted = h.cfg.Coordinator.RegisterScaledEntity(entity)
		current := h.cfg.Coordinator.GetScale(entity)
		resp = scaleResponse{
			ID:        uint64(id),
			Scale:     current.Array(),
			Scaled:    !current.IsIdentityScale(),
			Technique: h.cfg.Coordinator.Technique(),
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if !adopted {
		httpError(w, "entity has no scaled carrier", nethttp.StatusConflict)
		return
	}
	writeJSON(w, nethttp.StatusOK, resp)
}

// reset wipes the world and starts a fresh scale store.
func (h *handler) reset(w nethttp.ResponseWriter, r *nethttp.Request) {
	err := h.call(r, loop.CommandReset, func() error {
		h.cfg.World.Reset()
		if err := h.cfg.Coordinator.OnNewSave(r.Context()); err != nil {
			return err
		}
		if h.cfg.AfterReset != nil {
			return h.cfg.AfterReset(r.Context())
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(nethttp.StatusNoContent)
}

func (h *handler) call(r *nethttp.Request, typ loop.CommandType, fn func() error) error {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()
	return h.cfg.Loop.Call(ctx, typ, "http:"+r.RemoteAddr, fn)
}

func (h *handler) fail(w nethttp.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scale.ErrEntityNotFound):
		httpError(w, "entity not found", nethttp.StatusNotFound)
	case errors.Is(err, loop.ErrRejected):
		httpError(w, "server busy", nethttp.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, "timed out", nethttp.StatusGatewayTimeout)
	default:
		h.logger.Printf("request failed: %v", err)
		httpError(w, "internal error", nethttp.StatusInternalServerError)
	}
}

func pathID(w nethttp.ResponseWriter, r *nethttp.Request) (world.EntityID, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		httpError(w, "invalid entity id", nethttp.StatusBadRequest)
		return 0, false
	}
	return world.EntityID(id), true
}

func decode(w nethttp.ResponseWriter, r *nethttp.Request, dst any) bool {
	if r.Body == nil {
		httpError(w, "missing payload", nethttp.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	if err := decoder.Decode(dst); err != nil {
		httpError(w, "invalid payload", nethttp.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
