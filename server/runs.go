package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentstation/loom"
)

// runRequest is the optional body of a run start.
type runRequest struct {
	// Inputs override unconnected input ports, keyed by node ID.
	Inputs map[string]loom.Values `json:"inputs,omitempty"`
	// Reuse names an earlier run whose completed nodes are carried over.
	Reuse string `json:"reuse,omitempty"`
}

type runStarted struct {
	RunID   string `json:"run_id"`
	GraphID string `json:"graph_id"`
	Events  string `json:"events"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	var opts []loom.RunOption
	for nodeID, values := range req.Inputs {
		opts = append(opts, loom.WithInputs(nodeID, values))
	}
	if req.Reuse != "" {
		prev, err := s.findRun(r.Context(), req.Reuse)
		if err != nil {
			writeError(w, err)
			return
		}
		opts = append(opts, loom.WithReuse(prev))
	}

	x, err := s.engine.StartDocument(s.base, wf.doc, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	s.track(x)
	s.logger.Info("run started", "run", x.ID(), "graph", id)

	writeJSON(w, http.StatusAccepted, runStarted{
		RunID:   x.ID(),
		GraphID: id,
		Events:  "/runs/" + x.ID() + "/events",
	})
}

// track remembers x until it is done.
func (s *Server) track(x *loom.Execution) {
	s.mu.Lock()
	s.execs[x.ID()] = x
	s.mu.Unlock()
	go func() {
		run := x.Wait()
		s.mu.Lock()
		delete(s.execs, x.ID())
		s.mu.Unlock()
		s.logger.Info("run finished", "run", run.ID, "status", run.Status)
	}()
}

// findRun looks in the run store, then in the archive.
func (s *Server) findRun(ctx context.Context, runID string) (*loom.Run, error) {
	run, err := s.engine.Runs().GetRun(runID)
	if err == nil || !errors.Is(err, loom.ErrRunNotFound) || s.db == nil {
		return run, err
	}
	return s.db.ArchivedRun(ctx, runID)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runs := s.engine.Runs().Runs(id)
	if s.db != nil {
		archived, err := s.db.ArchivedRuns(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		seen := make(map[string]bool, len(runs))
		for _, run := range runs {
			seen[run.ID] = true
		}
		for _, run := range archived {
			if !seen[run.ID] {
				runs = append(runs, run)
			}
		}
		sort.SliceStable(runs, func(i, j int) bool { return runs[i].Generation < runs[j].Generation })
	}
	if runs == nil {
		runs = []*loom.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.findRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunPause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, (*loom.Execution).Pause)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, (*loom.Execution).Resume)
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, (*loom.Execution).Stop)
}

// control applies fn to an active run. Finished runs answer 409.
func (s *Server) control(w http.ResponseWriter, r *http.Request, fn func(*loom.Execution)) {
	runID := chi.URLParam(r, "id")
	s.mu.Lock()
	x, ok := s.execs[runID]
	s.mu.Unlock()
	if !ok {
		if _, err := s.findRun(r.Context(), runID); err != nil {
			writeError(w, err)
			return
		}
		writeError(w, fmt.Errorf("%w: %s", loom.ErrRunAlreadyTerminal, runID))
		return
	}

	fn(x)
	run, err := s.engine.Runs().GetRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleRunEvents streams the run's progress feed as Server-Sent Events.
// Past events are replayed first. The stream ends after run.terminal.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.engine.Runs().GetRun(runID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	events := make(chan loom.RunEvent)
	go func() {
		defer close(events)
		for ev := range s.engine.Runs().SubscribeContext(ctx, runID) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	_, _ = fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
