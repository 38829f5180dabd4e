package api

import (
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/cloud"
	"github.com/junovale/clusterdash/internal/console"
	"github.com/junovale/clusterdash/internal/manager"
	"github.com/junovale/clusterdash/internal/telemetry"
)

//go:embed web
var webFS embed.FS

// staticFS fails at init if the embedded tree ever moves.
var staticFS = mustSub(webFS, "web")

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Grid geometry shared with the embedded front end.
const (
	tileSize    = 32
	canvasWidth = 640
)

// Handler is the console's HTTP surface.
type Handler struct {
	mgr *manager.Manager
	log *zap.Logger
}

// NewHTTPHandler wires the console routes onto a mux.
func NewHTTPHandler(mgr *manager.Manager, log *zap.Logger) http.Handler {
	h := &Handler{mgr: mgr, log: log.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/cloud/instance_feed_json", h.handleInstanceFeed)
	mux.HandleFunc("/cloud/render_grid", h.handleRenderGrid)
	mux.HandleFunc("/cloud/cluster_status", h.handleClusterStatus)
	mux.HandleFunc("/cloud/instance_state", h.handleInstanceState)
	mux.HandleFunc("/cloud/toggle_autoscaling", h.handleToggleAutoscaling)
	mux.HandleFunc("/cloud/adjust_autoscaling", h.handleAdjustAutoscaling)
	mux.HandleFunc("/cloud/add_instances", h.handleAddInstances)
	mux.HandleFunc("/cloud/remove_instances", h.handleRemoveInstances)
	mux.HandleFunc("/cloud/reboot_instance", h.handleRebootInstance)

	mux.Handle("/", http.FileServer(http.FS(staticFS)))

	return h.withObservation(mux)
}

// withObservation wraps every request in a span and an access log line.
func (h *Handler) withObservation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer().Start(r.Context(), "http "+r.URL.Path)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from clusterdash"})
}

// handleInstanceFeed serves the snapshot the dashboard polls. There is
// no error surface here: an empty registry just yields an empty list and
// the dashboard draws an empty grid.
func (h *Handler) handleInstanceFeed(w http.ResponseWriter, r *http.Request) {
	insts := h.mgr.Instances()
	now := time.Now()
	feed := make([]map[string]interface{}, 0, len(insts))
	for _, inst := range insts {
		feed = append(feed, inst.StatusDict(now))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"instances": feed})
}

// handleRenderGrid precomputes tile positions, colors and tooltips for
// the canvas front end.
func (h *Handler) handleRenderGrid(w http.ResponseWriter, r *http.Request) {
	tiles := console.RenderGrid(h.mgr.Instances(), tileSize, canvasWidth, time.Now())
	if tiles == nil {
		tiles = []console.Tile{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tiles": tiles})
}

func (h *Handler) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	insts := h.mgr.Instances()
	ready := 0
	for _, inst := range insts {
		if inst.NodeReady {
			ready++
		}
	}
	on, asMin, asMax, itype := h.mgr.Autoscaler().Limits()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cluster_name":   h.mgr.ClusterName(),
		"cluster_status": h.mgr.Status(),
		"uptime_seconds": int(h.mgr.Uptime().Seconds()),
		"app_status":     h.mgr.AppStatus(),
		"data_status":    h.mgr.DataStatus(),
		"total_workers":  len(insts),
		"ready_workers":  ready,
		"autoscaling": map[string]interface{}{
			"use_autoscaling": on,
			"as_min":          asMin,
			"as_max":          asMax,
			"instance_type":   itype,
		},
	})
}

// handleInstanceState reports the cloud-level state per worker; with an
// instance_id query parameter it asks the cloud about that one worker
// directly.
func (h *Handler) handleInstanceState(w http.ResponseWriter, r *http.Request) {
	states, err := h.mgr.WorkersStatus(r.Context(), r.URL.Query().Get("instance_id"))
	if err != nil {
		if errors.Is(err, cloud.ErrInstanceNotFound) {
			h.writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		h.log.Error("instance state lookup failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to query instance state")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"states": states})
}

type autoscaleRequest struct {
	Min          int    `json:"as_min"`
	Max          int    `json:"as_max"`
	InstanceType string `json:"instance_type"`
}

// handleToggleAutoscaling turns autoscaling on when it is off and off
// when it is on. Limits are required when turning it on.
func (h *Handler) handleToggleAutoscaling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	as := h.mgr.Autoscaler()
	if as.Enabled() {
		as.Stop()
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"use_autoscaling": false})
		return
	}
	var req autoscaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Min < 0 || req.Max < 1 || req.Min > req.Max {
		h.writeError(w, http.StatusBadRequest, "as_min/as_max out of range")
		return
	}
	as.Start(req.Min, req.Max, req.InstanceType)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"use_autoscaling": true,
		"as_min":          req.Min,
		"as_max":          req.Max,
	})
}

func (h *Handler) handleAdjustAutoscaling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req autoscaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	as := h.mgr.Autoscaler()
	if !as.Enabled() {
		h.writeError(w, http.StatusConflict, "autoscaling is not on")
		return
	}
	if req.Min < 0 || req.Max < 1 || req.Min > req.Max {
		h.writeError(w, http.StatusBadRequest, "as_min/as_max out of range")
		return
	}
	as.SetLimits(req.Min, req.Max)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"as_min": req.Min,
		"as_max": req.Max,
	})
}

func (h *Handler) handleAddInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Count        int    `json:"number_nodes"`
		InstanceType string `json:"instance_type"`
		SpotPrice    string `json:"spot_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Count < 1 {
		h.writeError(w, http.StatusBadRequest, "number_nodes must be positive")
		return
	}
	added, err := h.mgr.AddInstances(r.Context(), req.Count, req.InstanceType, req.SpotPrice)
	if err != nil {
		h.log.Error("add instances failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to add instances")
		return
	}
	ids := make([]string, 0, len(added))
	for _, inst := range added {
		ids = append(ids, inst.ID)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"added": ids})
}

func (h *Handler) handleRemoveInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Count int  `json:"number_nodes"`
		Force bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Count < 1 {
		h.writeError(w, http.StatusBadRequest, "number_nodes must be positive")
		return
	}
	removed, err := h.mgr.RemoveInstances(r.Context(), req.Count, req.Force)
	if err != nil {
		if errors.Is(err, manager.ErrNoIdleInstances) {
			h.writeError(w, http.StatusConflict, "no idle instances to remove")
			return
		}
		h.log.Error("remove instances failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to remove instances")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (h *Handler) handleRebootInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.InstanceID == "" {
		h.writeError(w, http.StatusBadRequest, "instance_id required")
		return
	}
	if err := h.mgr.RebootInstance(r.Context(), req.InstanceID, false); err != nil {
		if errors.Is(err, manager.ErrUnknownInstance) {
			h.writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		h.log.Error("reboot failed", zap.String("id", req.InstanceID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to reboot instance")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"rebooting": req.InstanceID})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.log.Warn("request failed", zap.Int("status", status), zap.String("msg", msg))
}
