package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/builtin"
	"github.com/agentstation/loom/document"
)

const maxBodyBytes = 1 << 20

var (
	errWorkflowNotFound = errors.New("workflow not found")
	errBadRequest       = errors.New("bad request")
)

// workflowResponse describes a workflow's current state.
type workflowResponse struct {
	ID         string              `json:"id"`
	Version    int                 `json:"version,omitempty"`
	Document   *document.Document  `json:"document"`
	Violations []loom.Violation    `json:"violations,omitempty"`
	History    []loom.HistoryEntry `json:"history"`
	CanUndo    bool                `json:"can_undo"`
	CanRedo    bool                `json:"can_redo"`
	LockedBy   string              `json:"locked_by,omitempty"`
}

type workflowSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version,omitempty"`
}

// editRequest is one structural edit. Op selects which fields are read.
type editRequest struct {
	Op       string                   `json:"op"`
	Node     *document.NodeDefinition `json:"node,omitempty"`
	Edge     *document.EdgeDefinition `json:"edge,omitempty"`
	ID       string                   `json:"id,omitempty"`
	NodeID   string                   `json:"node_id,omitempty"`
	Port     string                   `json:"port,omitempty"`
	Value    any                      `json:"value,omitempty"`
	Settings map[string]any           `json:"settings,omitempty"`
	Merge    bool                     `json:"merge,omitempty"`
}

// edit converts the request into a loom.Edit.
func (req editRequest) edit(reg *loom.Registry) (loom.Edit, error) {
	switch req.Op {
	case "add_node":
		if req.Node == nil {
			return nil, fmt.Errorf("%w: add_node needs node", errBadRequest)
		}
		n, err := req.Node.Node(reg)
		if err != nil {
			return nil, err
		}
		return loom.AddNode{Node: n}, nil
	case "remove_node":
		return loom.RemoveNode{ID: req.ID}, nil
	case "add_edge":
		if req.Edge == nil {
			return nil, fmt.Errorf("%w: add_edge needs edge", errBadRequest)
		}
		e, err := req.Edge.Edge()
		if err != nil {
			return nil, err
		}
		return loom.AddEdge{Edge: e}, nil
	case "remove_edge":
		return loom.RemoveEdge{ID: req.ID}, nil
	case "update_settings":
		return loom.UpdateSettings{NodeID: req.NodeID, Settings: loom.Settings(req.Settings), Merge: req.Merge}, nil
	case "set_input_default":
		return loom.SetInputDefault{NodeID: req.NodeID, Port: req.Port, Value: req.Value}, nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", errBadRequest, req.Op)
}

// lookup returns the workflow, loading its latest version from the store on
// first use.
func (s *Server) lookup(ctx context.Context, id string) (*workflow, error) {
	s.mu.Lock()
	wf, ok := s.workflows[id]
	s.mu.Unlock()
	if ok {
		return wf, nil
	}
	if s.db == nil {
		return nil, fmt.Errorf("%w: %q", errWorkflowNotFound, id)
	}

	doc, version, err := s.db.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := doc.Graph(s.engine.Registry())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if wf, ok := s.workflows[id]; ok {
		return wf, nil
	}
	wf = &workflow{doc: loom.NewDocument(g), version: version}
	s.workflows[id] = wf
	return wf, nil
}

// persist saves g as the workflow's next version when a store is set.
func (s *Server) persist(ctx context.Context, wf *workflow, g *loom.Graph) error {
	if s.db == nil {
		return nil
	}
	version, err := s.db.SaveVersion(ctx, document.FromGraph(g))
	if err != nil {
		return err
	}
	s.mu.Lock()
	wf.version = version
	s.mu.Unlock()
	return nil
}

func (s *Server) describe(id string, wf *workflow) workflowResponse {
	g := wf.doc.Graph()
	s.mu.Lock()
	version := wf.version
	s.mu.Unlock()
	return workflowResponse{
		ID:         id,
		Version:    version,
		Document:   document.FromGraph(g),
		Violations: loom.Validate(g, s.engine.Registry()).Violations,
		History:    wf.doc.History(),
		CanUndo:    wf.doc.CanUndo(),
		CanRedo:    wf.doc.CanRedo(),
		LockedBy:   wf.doc.LockedBy(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, builtin.Metadata(s.engine.Registry()))
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	byID := make(map[string]workflowSummary)
	if s.db != nil {
		stored, err := s.db.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		for _, v := range stored {
			byID[v.WorkflowID] = workflowSummary{ID: v.WorkflowID, Name: v.Name, Version: v.Version}
		}
	}
	s.mu.Lock()
	for id, wf := range s.workflows {
		byID[id] = workflowSummary{ID: id, Name: wf.doc.Graph().Name, Version: wf.version}
	}
	s.mu.Unlock()

	out := make([]workflowSummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

// handleWorkflowPut replaces a workflow with the YAML or JSON document in
// the body. The document history starts over. Invalid graphs are stored and
// their violations reported; they only fail when run.
func (s *Server) handleWorkflowPut(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if len(body) == 0 {
		writeError(w, fmt.Errorf("%w: empty body", errBadRequest))
		return
	}
	doc, err := decodeDocument(body, id)
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := doc.Graph(s.engine.Registry())
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	prev, exists := s.workflows[id]
	s.mu.Unlock()
	if exists {
		if runID := prev.doc.LockedBy(); runID != "" {
			writeError(w, &loom.GraphLockedError{GraphID: id, RunID: runID})
			return
		}
	}

	wf := &workflow{doc: loom.NewDocument(g)}
	if err := s.persist(r.Context(), wf, g); err != nil {
		writeError(w, err)
		return
	}
	s.mu.Lock()
	s.workflows[id] = wf
	s.mu.Unlock()

	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
	}
	writeJSON(w, status, s.describe(id, wf))
}

// decodeDocument decodes body and checks its ID against the URL. A missing
// ID is taken from the URL.
func decodeDocument(body []byte, id string) (*document.Document, error) {
	doc, err := document.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.ID != id {
		return nil, fmt.Errorf("%w: document id %q does not match %q", errBadRequest, doc.ID, id)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if f := r.URL.Query().Get("format"); f != "" {
		format, err := document.ParseFormat(f)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		data, err := document.FromGraph(wf.doc.Graph()).Encode(format)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/"+string(format))
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(id, wf))
}

func (s *Server) handleWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := struct {
		Versions any                 `json:"versions"`
		History  []loom.HistoryEntry `json:"history"`
	}{Versions: []any{}, History: wf.doc.History()}
	if s.db != nil {
		versions, err := s.db.Versions(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Versions = versions
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkflowEdit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req editRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	edit, err := req.edit(s.engine.Registry())
	if err != nil {
		writeError(w, err)
		return
	}
	s.move(w, r, id, wf, func() (*loom.Graph, error) { return wf.doc.Apply(edit) })
}

func (s *Server) handleWorkflowUndo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.move(w, r, id, wf, wf.doc.Undo)
}

func (s *Server) handleWorkflowRedo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.move(w, r, id, wf, wf.doc.Redo)
}

// move applies a history change and persists the resulting graph.
func (s *Server) move(w http.ResponseWriter, r *http.Request, id string, wf *workflow, fn func() (*loom.Graph, error)) {
	g, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.persist(r.Context(), wf, g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(id, wf))
}
