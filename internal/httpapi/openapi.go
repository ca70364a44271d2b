// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"context"
	_ "embed"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"

	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

//go:embed openapi.yaml
var openapiSpec []byte

// bodyValidator validates inbound request bodies against the embedded
// OpenAPI document before a handler ever sees them, so malformed build
// and slave-registration requests are rejected uniformly.
type bodyValidator struct {
	router routers.Router
}

func newBodyValidator() (*bodyValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to parse embedded openapi document", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "embedded openapi document is invalid", err)
	}
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to build openapi router", err)
	}
	return &bodyValidator{router: router}, nil
}

// Validate checks r against the matching OpenAPI operation, if any. A
// path with no matching operation in the document is not validated here
// (mux itself has already 404'd unknown routes by the time this runs).
func (v *bodyValidator) Validate(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		return nil
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			return clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to read request body", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	}
	validateErr := openapi3filter.ValidateRequest(context.Background(), input)
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if validateErr != nil {
		return clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "request failed openapi validation", validateErr)
	}
	return nil
}
