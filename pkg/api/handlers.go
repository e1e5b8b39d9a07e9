package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/scheduler"
)

type healthResponse struct {
	Status string `json:"status"`
}

type acceptedResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, err.Error(), nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Nodes())
}

func (s *Server) handleNodeCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.NodeCounts())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := cluster.NodeID(chi.URLParam(r, "id"))
	view, ok := s.sched.Node(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("node %q is not registered", id), nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCurrentJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.sched.CurrentClusterJob()
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "no cluster job is active", nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLastJob(w http.ResponseWriter, r *http.Request) {
	t, err := clusterjob.ParseJobType(chi.URLParam(r, "type"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	job, ok := s.sched.LastClusterJob(t)
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no finished %s job", t), nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	t, err := clusterjob.ParseJobType(chi.URLParam(r, "type"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	job, err := s.sched.StartClusterJob(r.Context(), t)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.AbortClusterJob(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var offer scheduler.Offer
	if !decodeBody(w, r, &offer) {
		return
	}
	if offer.NodeID == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "offer requires node_id", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Evaluate(r.Context(), offer))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st scheduler.TaskStatus
	if !decodeBody(w, r, &st) {
		return
	}
	if err := s.sched.DispatchStatus(r.Context(), st); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "applied"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg scheduler.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	if err := s.sched.DispatchMessage(r.Context(), msg); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "applied"})
}

// decodeBody reads a single JSON document into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid request body: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, msg, nil)
		return false
	}
	return true
}
