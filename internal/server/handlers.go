package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/jobs"
	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/runner"
	"github.com/ecademy/leadfunnel/internal/store"
)

const maxBodyBytes = 1 << 16

type reconcileResponse struct {
	RunID     string                          `json:"run_id"`
	Status    model.RunStatus                 `json:"status"`
	Campaigns map[string]model.CampaignReport `json:"campaigns"`
}

type acceptedResponse struct {
	JobID  string          `json:"job_id"`
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

type runResponse struct {
	Run       *model.Run                      `json:"run"`
	Campaigns map[string]model.CampaignReport `json:"campaigns,omitempty"`
	Summaries []store.CampaignSummary         `json:"summaries"`
}

type jobResponse struct {
	JobID     string          `json:"job_id"`
	State     string          `json:"state"`
	RunStatus model.RunStatus `json:"run_status,omitempty"`
	Job       *jobs.JobInfo   `json:"job,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body reconcileRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	req := model.RunRequest{StartDate: body.StartDate, EndDate: body.EndDate, Cohort: model.Cohort(body.CampaignType)}
	run, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, "server: submit run", err)
		return
	}
	req = model.RunRequest{StartDate: run.StartDate, EndDate: run.EndDate, Cohort: run.Cohort}

	if body.Async {
		s.startAsync(w, r, run.ID, req)
		return
	}

	res, err := s.runs.Execute(r.Context(), run.ID, req)
	if err != nil {
		s.log.Error("server: reconcile failed", zap.String("run_id", run.ID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "reconciliation failed", "run_id": run.ID})
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{RunID: run.ID, Status: res.Run.Status, Campaigns: res.Campaigns})
}

func (s *Server) startAsync(w http.ResponseWriter, r *http.Request, runID string, req model.RunRequest) {
	if s.queue != nil {
		if _, err := s.queue.Enqueue(r.Context(), runID, req); err != nil {
			if ferr := s.store.FailRun(r.Context(), runID, err); ferr != nil {
				s.log.Warn("server: fail unqueued run", zap.String("run_id", runID), zap.Error(ferr))
			}
			s.fail(w, "server: enqueue run", err)
			return
		}
	} else {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.runs.Execute(s.ctx, runID, req); err != nil {
				s.log.Warn("server: async run failed", zap.String("run_id", runID), zap.Error(err))
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{JobID: runID, RunID: runID, Status: model.RunStatusQueued})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := listRunsQuery{Status: q.Get("status"), CampaignType: q.Get("campaign_type")}
	var err error
	if params.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if params.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	if err := s.validate.Struct(params); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(params.Status),
		Cohort: model.Cohort(params.CampaignType),
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		s.fail(w, "server: list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.fail(w, "server: get run", err)
		return
	}

	resp := runResponse{Run: run, Summaries: []store.CampaignSummary{}}
	if res, err := s.store.GetResult(r.Context(), id); err != nil {
		s.fail(w, "server: get result", err)
		return
	} else if res != nil {
		resp.Campaigns = res.Campaigns
	}
	sums, err := s.store.ListCampaigns(r.Context(), id)
	if err != nil {
		s.fail(w, "server: list campaigns", err)
		return
	}
	if sums != nil {
		resp.Summaries = sums
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetJob reports the queue state when a queue is configured and
// always includes the run status, which outlives queue retention.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp := jobResponse{JobID: id}

	if s.queue != nil {
		info, err := s.queue.Status(r.Context(), id)
		switch {
		case err == nil:
			resp.Job = info
			resp.State = info.State
		case errors.Is(err, jobs.ErrJobNotFound):
		default:
			s.fail(w, "server: job status", err)
			return
		}
	}

	run, err := s.store.GetRun(r.Context(), id)
	switch {
	case err == nil:
		resp.RunStatus = run.Status
		if resp.State == "" {
			resp.State = string(run.Status)
		}
	case errors.Is(err, store.ErrNotFound) && resp.Job != nil:
	default:
		s.fail(w, "server: job run", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps err to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case runner.IsPermanent(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrDuplicateJob):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
