// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// writeError maps err to its HTTP status and writes the ClusterError body.
// A plain error (not a *ClusterError) maps to 500.
func writeError(w http.ResponseWriter, err error) {
	var clusterErr *clustererrors.ClusterError
	if !errors.As(err, &clusterErr) {
		clusterErr = clustererrors.New(clustererrors.ErrorCodeUnknown, err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(clustererrors.HTTPStatus(clusterErr.Code))
	_ = json.NewEncoder(w).Encode(clusterErr)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
