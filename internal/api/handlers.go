package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/anomaly"
	"github.com/sells-group/vehicle-consensus/internal/consensus"
	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/orchestrator"
)

type evidenceResponse struct {
	Recorded       []evidence.Recorded     `json:"recorded"`
	Classification *anomaly.Classification `json:"classification,omitempty"`
	Consensus      []model.ConsensusResult `json:"consensus,omitempty"`
	ConsensusError string                  `json:"consensus_error,omitempty"`
}

// recordEvidence stores a batch atomically and runs auto-consensus on the
// touched fields. Consensus failures do not undo the recorded evidence.
func (h *handler) recordEvidence(w http.ResponseWriter, r *http.Request) {
	var b evidence.Batch
	if err := decode(r, &b); err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := h.cfg.Evidence.RecordBatch(r.Context(), b)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := evidenceResponse{Recorded: recs}
	h.autoConsensus(r.Context(), &resp)
	writeJSON(w, http.StatusCreated, resp)
}

// observe runs one observation through the anomaly detector.
func (h *handler) observe(w http.ResponseWriter, r *http.Request) {
	var obs evidence.Observation
	if err := decode(r, &obs); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.cfg.Detector.Observe(r.Context(), obs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := evidenceResponse{Recorded: out.Recorded, Classification: &out.Classification}
	h.autoConsensus(r.Context(), &resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handler) autoConsensus(ctx context.Context, resp *evidenceResponse) {
	if h.cfg.Consensus == nil {
		return
	}
	results, err := h.cfg.Consensus.ApplyRecorded(ctx, resp.Recorded)
	resp.Consensus = results
	if err != nil {
		resp.ConsensusError = err.Error()
	}
}

func (h *handler) rejectEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.cfg.Evidence.Reject(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rejected": n})
}

func (h *handler) getField(w http.ResponseWriter, r *http.Request) {
	v, err := h.cfg.Consensus.Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "field"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// recomputeField recomputes one field. Assignment is on unless
// ?assign=false is passed.
func (h *handler) recomputeField(w http.ResponseWriter, r *http.Request) {
	assign, err := boolParam(r, "assign", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.cfg.Consensus.Recompute(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "field"), consensus.Options{AutoAssign: assign})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) mergeHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.cfg.Merger.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merges": nonNil(recs)})
}

// mergePlan sweeps for duplicate groups. Query parameters override the
// configured thresholds: limit, basis (repeatable), radius_m, min_signature.
func (h *handler) mergePlan(w http.ResponseWriter, r *http.Request) {
	th := h.cfg.Thresholds
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, model.NewValidationError("limit", "must be a positive integer"))
			return
		}
		th.GroupLimit = n
	}
	if v := q.Get("radius_m"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, r, model.NewValidationError("radius_m", "must be a positive number"))
			return
		}
		th.GeoRadiusMeters = f
	}
	if v := q.Get("min_signature"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, model.NewValidationError("min_signature", "must be a positive integer"))
			return
		}
		th.MinSignatureSize = n
	}
	for _, b := range q["basis"] {
		basis := model.MatchBasis(strings.TrimSpace(b))
		switch basis {
		case model.BasisImageSignature, model.BasisGeoTime, model.BasisAttributeMatch:
			th.Bases = append(th.Bases, basis)
		default:
			writeError(w, r, model.NewValidationError("basis", "unknown match basis "+b))
			return
		}
	}

	groups, err := h.cfg.Finder.Sweep(r.Context(), th)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": nonNil(groups)})
}

func (h *handler) mergeExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Groups      []model.DuplicateCandidateGroup `json:"groups"`
		DryRun      bool                            `json:"dry_run"`
		Parallelism int                             `json:"parallelism"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Groups) == 0 {
		writeError(w, r, model.NewValidationError("groups", "required"))
		return
	}
	results, err := h.cfg.Merger.ExecutePlan(r.Context(), req.Groups, req.DryRun, req.Parallelism)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dry_run": req.DryRun, "results": results})
}

func (h *handler) mergePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CanonicalID string `json:"canonical_id"`
		DuplicateID string `json:"duplicate_id"`
		DryRun      bool   `json:"dry_run"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.cfg.Merger.Merge(r.Context(), req.CanonicalID, req.DuplicateID, req.DryRun)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) listSources(w http.ResponseWriter, r *http.Request) {
	out, err := h.cfg.Controls.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": nonNil(out)})
}

func (h *handler) sourceHealth(w http.ResponseWriter, r *http.Request) {
	out, err := h.cfg.Controls.Health(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": nonNil(out)})
}

func (h *handler) getSource(w http.ResponseWriter, r *http.Request) {
	sc, err := h.cfg.Controls.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *handler) patchSource(w http.ResponseWriter, r *http.Request) {
	var patch model.SourcePatch
	if err := decode(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	sc, err := h.cfg.Controls.Update(r.Context(), chi.URLParam(r, "name"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.log.Info("source updated", zap.String("source", sc.SourceName), zap.Bool("enabled", sc.IsEnabled))
	writeJSON(w, http.StatusOK, sc)
}

func (h *handler) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority     *int            `json:"priority,omitempty"`
		MaxAttempts  int             `json:"max_attempts,omitempty"`
		ScheduledFor time.Time       `json:"scheduled_for,omitempty"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	job, err := h.cfg.Scheduler.Enqueue(r.Context(), orchestrator.JobRequest{
		SourceName:   chi.URLParam(r, "name"),
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		ScheduledFor: req.ScheduledFor,
		Payload:      req.Payload,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resolveSignals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityIDs []string `json:"entity_ids"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.cfg.Signals.Resolve(r.Context(), req.EntityIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolutions": out})
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, model.NewValidationError(name, "must be a boolean")
	}
	return b, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
