package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"foresight/internal/domain"
	"foresight/internal/resolver"
	"foresight/internal/scheduler"
	"foresight/internal/stats"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "foresight",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// LifecycleHandlers serves the forecast lifecycle admin endpoints.
type LifecycleHandlers struct {
	cfg Config
	log zerolog.Logger
}

func NewLifecycleHandlers(cfg Config, log zerolog.Logger) *LifecycleHandlers {
	return &LifecycleHandlers{
		cfg: cfg,
		log: log.With().Str("component", "lifecycle_handlers").Logger(),
	}
}

func (h *LifecycleHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *LifecycleHandlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]interface{}{
		"status": "error",
		"error":  msg,
	})
}

func (h *LifecycleHandlers) writeOK(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   data,
	})
}

// snapshotRequest is the JSON body of POST /api/snapshots. Horizons, presets,
// and roles accept lists; the singular fields are one-element shorthand.
type snapshotRequest struct {
	Symbol          string   `json:"symbol"`
	Horizon         string   `json:"horizon,omitempty"`
	Horizons        []string `json:"horizons,omitempty"`
	Preset          string   `json:"preset,omitempty"`
	Presets         []string `json:"presets,omitempty"`
	Role            string   `json:"role,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	Direction       string   `json:"direction"`
	Confidence      float64  `json:"confidence"`
	ExpectedMovePct float64  `json:"expected_move_pct"`
	CurrentPrice    float64  `json:"current_price"`
	PolicyHash      string   `json:"policy_hash"`
	EngineVersion   string   `json:"engine_version"`
	AsOf            string   `json:"as_of,omitempty"` // RFC 3339; empty means now
}

type snapshotResult struct {
	Horizon     string `json:"horizon"`
	Preset      string `json:"preset"`
	Role        string `json:"role"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Inserted    bool   `json:"inserted"`
	ResolveAt   string `json:"resolve_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// HandleCreateSnapshot validates model outputs and writes one snapshot per
// (horizon, preset, role) combination. Invalid combinations are reported
// per item; the rest of the batch still writes.
func (h *LifecycleHandlers) HandleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	horizons := req.Horizons
	if len(horizons) == 0 {
		horizons = []string{req.Horizon}
	}
	presets := req.Presets
	if len(presets) == 0 {
		presets = []string{req.Preset}
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = []string{req.Role}
	}

	var asOf time.Time
	if req.AsOf != "" {
		parsed, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid as_of timestamp: "+err.Error())
			return
		}
		asOf = parsed
	}

	results := make([]snapshotResult, 0, len(horizons)*len(presets)*len(roles))
	inserted, duplicates, rejected := 0, 0, 0
	for _, horizon := range horizons {
		for _, preset := range presets {
			for _, role := range roles {
				out := domain.ModelOutput{
					Symbol:          req.Symbol,
					Horizon:         horizon,
					Preset:          domain.Preset(preset),
					Role:            domain.Role(role),
					Direction:       domain.Direction(req.Direction),
					Confidence:      req.Confidence,
					ExpectedMovePct: req.ExpectedMovePct,
					CurrentPrice:    req.CurrentPrice,
					PolicyHash:      req.PolicyHash,
					EngineVersion:   req.EngineVersion,
					AsOf:            asOf,
				}

				res := snapshotResult{Horizon: horizon, Preset: preset, Role: role}
				snap, wasNew, err := h.cfg.Writer.WriteSnapshot(r.Context(), out)
				switch {
				case errors.Is(err, domain.ErrInvalidSnapshotInput):
					res.Error = err.Error()
					rejected++
				case err != nil:
					h.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to write snapshot")
					h.writeError(w, http.StatusInternalServerError, "failed to write snapshot")
					return
				default:
					res.Fingerprint = snap.Fingerprint
					res.Inserted = wasNew
					res.ResolveAt = snap.ResolveAt.UTC().Format(time.RFC3339)
					if wasNew {
						inserted++
					} else {
						duplicates++
					}
				}
				results = append(results, res)
			}
		}
	}

	// Nothing valid in the whole request is a client error, not a partial
	// write.
	if rejected == len(results) {
		h.writeError(w, http.StatusUnprocessableEntity, results[0].Error)
		return
	}

	status := http.StatusCreated
	if inserted == 0 {
		status = http.StatusOK
	}
	if len(results) == 1 {
		h.writeJSON(w, status, map[string]interface{}{
			"status": "success",
			"data": map[string]interface{}{
				"fingerprint": results[0].Fingerprint,
				"inserted":    results[0].Inserted,
				"resolve_at":  results[0].ResolveAt,
			},
		})
		return
	}
	h.writeJSON(w, status, map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"written":    inserted,
			"duplicates": duplicates,
			"rejected":   rejected,
			"snapshots":  results,
		},
	})
}

// HandleListSnapshots returns the newest snapshots for a symbol.
func (h *LifecycleHandlers) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	limit := queryInt(r, "limit", 50)

	snapshots, err := h.cfg.Snapshots.List(r.Context(), symbol, limit)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to list snapshots")
		h.writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	h.writeOK(w, snapshots)
}

// HandleResolveDue runs one outcome resolution batch.
func (h *LifecycleHandlers) HandleResolveDue(w http.ResponseWriter, r *http.Request) {
	summary, err := h.cfg.Tracker.ResolveDue(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Outcome resolution failed")
		h.writeError(w, http.StatusInternalServerError, "outcome resolution failed")
		return
	}
	h.writeOK(w, summary)
}

// HandleQueryStats returns the persisted rollup for one cohort and window.
func (h *LifecycleHandlers) HandleQueryStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cohort := domain.Cohort{
		Symbol:  q.Get("symbol"),
		Horizon: q.Get("horizon"),
		Preset:  domain.Preset(q.Get("preset")),
		Role:    domain.Role(q.Get("role")),
	}
	if cohort.Symbol == "" || cohort.Horizon == "" {
		h.writeError(w, http.StatusBadRequest, "symbol and horizon are required")
		return
	}
	// Rollups persist at the configured window size; an explicit ?window=
	// targets a differently-sized rollup.
	window := queryInt(r, "window", h.cfg.DefaultWindow)

	rollup, err := h.cfg.Stats.Get(r.Context(), cohort, window)
	if err != nil {
		if errors.Is(err, stats.ErrStatsNotFound) {
			h.writeError(w, http.StatusNotFound, "no stats for cohort")
			return
		}
		h.log.Error().Err(err).Msg("Failed to query cohort stats")
		h.writeError(w, http.StatusInternalServerError, "failed to query stats")
		return
	}
	h.writeOK(w, rollup)
}

// HandleQueryDrift recomputes the live-vs-vintage drift report for every
// cohort of a symbol.
func (h *LifecycleHandlers) HandleQueryDrift(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	reports, err := DriftReports(r.Context(), h.cfg, symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to compute drift")
		h.writeError(w, http.StatusInternalServerError, "failed to compute drift")
		return
	}
	h.writeOK(w, reports)
}

// HandleGetGovernance returns the governance state for a symbol.
func (h *LifecycleHandlers) HandleGetGovernance(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	state, err := h.cfg.GovRepo.Get(r.Context(), symbol, h.cfg.Clock.Now())
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to read governance state")
		h.writeError(w, http.StatusInternalServerError, "failed to read governance state")
		return
	}
	h.writeOK(w, state)
}

// HandleGovernanceHistory returns recent transitions, newest first.
func (h *LifecycleHandlers) HandleGovernanceHistory(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	limit := queryInt(r, "limit", 50)

	history, err := h.cfg.GovRepo.History(r.Context(), symbol, limit)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to read governance history")
		h.writeError(w, http.StatusInternalServerError, "failed to read governance history")
		return
	}
	h.writeOK(w, history)
}

type overrideRequest struct {
	Mode  string `json:"mode"`
	Actor string `json:"actor"`
}

// HandleOverride sets a governance mode directly, with the actor recorded in
// the audit trail.
func (h *LifecycleHandlers) HandleOverride(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	state, err := h.cfg.Machine.Override(r.Context(), symbol,
		resolver.GovernanceMode(req.Mode), req.Actor)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeOK(w, state)
}

// HandleRecentAlerts returns the recent alert log for a symbol.
func (h *LifecycleHandlers) HandleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	limit := queryInt(r, "limit", 50)

	records, err := h.cfg.Alerts.Recent(r.Context(), symbol, limit)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to read alert log")
		h.writeError(w, http.StatusInternalServerError, "failed to read alert log")
		return
	}
	h.writeOK(w, records)
}

// resolveRequest is the JSON body of POST /api/resolver/decide.
type resolveRequest struct {
	Horizons map[string]struct {
		SignedEdge  float64  `json:"signed_edge"`
		Confidence  float64  `json:"confidence"`
		Reliability float64  `json:"reliability"`
		PhaseRisk   float64  `json:"phase_risk"`
		Blockers    []string `json:"blockers,omitempty"`
	} `json:"horizons"`
	Entropy float64 `json:"entropy"`
	Tail    struct {
		MCP95DD float64 `json:"mc_p95_dd"`
		MaxDDWF float64 `json:"max_dd_wf"`
	} `json:"tail"`
	Modifiers struct {
		VolShock     bool   `json:"vol_shock"`
		BearDrawdown bool   `json:"bear_drawdown"`
		Divergence   string `json:"divergence,omitempty"`
	} `json:"modifiers"`
	Governance struct {
		Mode            string `json:"mode"`
		Role            string `json:"role"`
		PolicyHashMatch bool   `json:"policy_hash_match"`
	} `json:"governance"`
}

// HandleResolve runs the hierarchical resolver over the posted input.
func (h *LifecycleHandlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	in := resolver.Input{
		Horizons: make(map[string]resolver.HorizonInput, len(req.Horizons)),
		Entropy:  req.Entropy,
		Tail: resolver.TailStats{
			MCP95DD: req.Tail.MCP95DD,
			MaxDDWF: req.Tail.MaxDDWF,
		},
		Modifiers: resolver.Modifiers{
			VolShock:     req.Modifiers.VolShock,
			BearDrawdown: req.Modifiers.BearDrawdown,
			Divergence:   resolver.DivergenceGrade(req.Modifiers.Divergence),
		},
		Governance: resolver.Directive{
			Mode:            resolver.GovernanceMode(req.Governance.Mode),
			Role:            domain.Role(req.Governance.Role),
			PolicyHashMatch: req.Governance.PolicyHashMatch,
		},
	}
	if in.Governance.Mode == "" {
		in.Governance.Mode = resolver.ModeNormal
	}
	for name, hz := range req.Horizons {
		in.Horizons[name] = resolver.HorizonInput{
			SignedEdge:  hz.SignedEdge,
			Confidence:  hz.Confidence,
			Reliability: hz.Reliability,
			PhaseRisk:   hz.PhaseRisk,
			Blockers:    hz.Blockers,
		}
	}

	h.writeOK(w, h.cfg.Resolver.Resolve(in))
}

// HandleJobState returns the persisted state of one job.
func (h *LifecycleHandlers) HandleJobState(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	state, err := h.cfg.Scheduler.State(r.Context(), jobID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "unknown job: "+jobID)
		return
	}
	h.writeOK(w, state)
}

// HandleJobRuns returns the recent run history of one job.
func (h *LifecycleHandlers) HandleJobRuns(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	limit := queryInt(r, "limit", 20)

	runs, err := h.cfg.SchedRepo.RecentRuns(r.Context(), jobID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to read job runs")
		h.writeError(w, http.StatusInternalServerError, "failed to read job runs")
		return
	}
	h.writeOK(w, runs)
}

func (h *LifecycleHandlers) HandleEnableJob(w http.ResponseWriter, r *http.Request) {
	h.setJobEnabled(w, r, true)
}

func (h *LifecycleHandlers) HandleDisableJob(w http.ResponseWriter, r *http.Request) {
	h.setJobEnabled(w, r, false)
}

func (h *LifecycleHandlers) setJobEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	jobID := chi.URLParam(r, "jobID")

	var err error
	if enabled {
		err = h.cfg.Scheduler.Enable(r.Context(), jobID)
	} else {
		err = h.cfg.Scheduler.Disable(r.Context(), jobID)
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to toggle job")
		h.writeError(w, http.StatusInternalServerError, "failed to toggle job")
		return
	}
	h.writeOK(w, map[string]interface{}{"job_id": jobID, "enabled": enabled})
}

// HandleRunJob triggers a job outside its schedule. The run executes in the
// background; conflicts with an in-flight run surface in the job history.
func (h *LifecycleHandlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	state, err := h.cfg.Scheduler.State(r.Context(), jobID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "unknown job: "+jobID)
		return
	}
	if !state.Enabled {
		h.writeError(w, http.StatusConflict, "job is disabled")
		return
	}

	go func() {
		// Detached from the request: a manual pipeline run outlives it.
		ctx := context.Background()
		if _, err := h.cfg.Scheduler.RunNow(ctx, jobID, scheduler.TriggerManual); err != nil {
			h.log.Warn().Err(err).Str("job_id", jobID).Msg("Manual job run did not complete")
		}
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "success",
		"data":   map[string]interface{}{"job_id": jobID, "triggered": true},
	})
}

// HandleCancelJob requests cooperative cancellation of the running job.
func (h *LifecycleHandlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.cfg.Scheduler.RequestCancel(r.Context(), jobID); err != nil {
		if errors.Is(err, scheduler.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "no running job to cancel")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to request cancellation")
		h.writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	h.writeOK(w, map[string]interface{}{"job_id": jobID, "cancel_requested": true})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
