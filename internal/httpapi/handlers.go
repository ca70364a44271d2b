// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/oapi-codegen/runtime"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/slave"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

func (s *Server) handleQueueBuild(w http.ResponseWriter, r *http.Request) {
	var req build.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid build request body", err))
		return
	}

	id, err := s.master.QueueBuild(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"build_id": id})
}

// handleGetBuild returns a build's snapshot. The optional "verbose" query
// parameter is bound through oapi-codegen's runtime helper rather than a
// manual strconv.ParseBool, matching how the generated API clients bind
// their own query parameters.
func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.master.GetBuild(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var verbose bool
	if err := runtime.BindQueryParameter("form", true, false, "verbose", r.URL.Query(), &verbose); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid verbose query parameter", err))
		return
	}

	snapshot := b.Snapshot()
	if !verbose {
		snapshot.FailedAtomIDs = nil
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleUpdateBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid build update body", err))
		return
	}
	if err := s.master.HandleRequestToUpdateBuild(id, params); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"build_id": id, "status": params["status"]})
}

func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.ws.HandleWebSocket(w, r)
		return
	}
	s.sse.HandleSSE(w, r)
}

type connectSlaveRequest struct {
	SlaveURL     string `json:"slave_url"`
	NumExecutors int    `json:"num_executors"`
}

func (s *Server) handleConnectSlave(w http.ResponseWriter, r *http.Request) {
	var req connectSlaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid slave registration body", err))
		return
	}
	if req.NumExecutors < 1 {
		req.NumExecutors = 1
	}
	id := s.master.ConnectNewSlave(req.SlaveURL, req.NumExecutors)
	writeJSON(w, http.StatusCreated, map[string]int{"slave_id": id})
}

type updateSlaveStateRequest struct {
	SlaveState string `json:"slave_state"`
}

func (s *Server) handleUpdateSlaveState(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, clustererrors.BadRequest("invalid slave id %q", mux.Vars(r)["id"]))
		return
	}
	var req updateSlaveStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid slave state body", err))
		return
	}

	sl, err := s.master.GetSlave(&id, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.master.HandleSlaveStateUpdate(sl, slave.ExecutorState(req.SlaveState)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"slave_state": req.SlaveState})
}

func (s *Server) handleSlaveResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["id"])
	if err != nil {
		writeError(w, clustererrors.BadRequest("invalid slave id %q", vars["id"]))
		return
	}
	subjobID, err := strconv.Atoi(vars["subjob_id"])
	if err != nil {
		writeError(w, clustererrors.BadRequest("invalid subjob id %q", vars["subjob_id"]))
		return
	}

	sl, err := s.master.GetSlave(&id, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeTransientIO, "failed to read result payload", err))
		return
	}

	if err := s.master.HandleResultReportedFromSlave(sl, vars["build_id"], subjobID, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
