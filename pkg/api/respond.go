// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/hephaestus-run/hephaestus/pkg/apperr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}

// writeError translates err into its mapped HTTP status via apperr.StatusFor
// and writes a {code, message} body. 5xx errors are logged server-side with
// the full error; the client only ever sees the stable code and message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := apperr.StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err, "code", code)
	}
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// decodeAndValidate decodes the request body into dst and runs struct-tag
// validation over it, returning an *apperr.Error on either failure (400 for
// a body that is not valid JSON, 422 for a failed validation rule) so
// callers can pass it straight to writeError.
func (s *Server) decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(http.StatusBadRequest, "bad_request", "invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var field string
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			field = ve[0].Field()
		}
		if field == "" {
			return apperr.Validation(fmt.Sprintf("%v", err))
		}
		return apperr.Validation(field)
	}
	return nil
}
