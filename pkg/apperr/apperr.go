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

// Package apperr generalizes the teacher's task.TaskError{Code, Message}
// pattern into a single typed error every API handler can return, carrying
// the HTTP status it maps to so the transport layer never string-matches
// an error message to decide how to respond.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/task"
)

// Error is a response-shaping error: Code is stable and machine-readable,
// Message is human-readable, Status is the HTTP status pkg/api writes.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Message
}

// New builds an Error with an explicit status.
func New(status int, code, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// Validation reports a 422 schema-validation failure naming the offending
// field, per spec.md §7's "never partially persisted" rule — handlers must
// call this before any store write.
func Validation(field string) *Error {
	return New(http.StatusUnprocessableEntity, "validation_error", fmt.Sprintf("missing or invalid field: %s", field))
}

// NotFound reports a 404 for an unknown id.
func NotFound(resource string) *Error {
	return New(http.StatusNotFound, "not_found", resource+" not found")
}

// Unauthorized reports a 401 for an unrecognized caller (e.g. a mutating
// request with no X-Agent-ID header).
func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, "unauthorized", message)
}

// Forbidden reports a 403 for a role-mismatched caller (e.g. a non-validator
// submitting a validation review).
func Forbidden(message string) *Error {
	return New(http.StatusForbidden, "forbidden", message)
}

// Conflict reports a 409 for a unique-constraint collision.
func Conflict(message string) *Error {
	return New(http.StatusConflict, "conflict", message)
}

// BadRequest reports a 400 semantic-validation failure — the request is
// well-formed JSON but violates a domain rule (e.g. a non-root caller
// creating a task with no ticket_id when ticket tracking is enabled).
func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, "bad_request", message)
}

// taskCodeStatus maps pkg/task's stable error codes onto the HTTP status
// table in spec.md §6.1/§7, so TaskService never needs to know about HTTP.
var taskCodeStatus = map[string]int{
	"ticket_required": http.StatusBadRequest,
	"task_not_found":  http.StatusNotFound,
}

// StatusFor inspects err and returns the HTTP status, stable code, and
// message pkg/api should write. Unrecognized errors become 500 with a
// generic message; the caller is expected to log the underlying error
// under a request-scoped correlation id before discarding it.
func StatusFor(err error) (status int, code string, message string) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status, ae.Code, ae.Message
	}

	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "not_found", err.Error()
	}

	var te *task.TaskError
	if errors.As(err, &te) {
		s, ok := taskCodeStatus[te.Code]
		if !ok {
			s = http.StatusInternalServerError
		}
		return s, te.Code, te.Message
	}

	return http.StatusInternalServerError, "internal_error", "internal server error"
}
