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

package task

// TaskError is a task-creation error carrying a stable code so the API
// layer can map it to the right HTTP status without string matching.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return e.Message
}

// Error codes returned by Service.Create / Service.Restart.
var (
	ErrTicketRequired = &TaskError{Code: "ticket_required", Message: "ticket_id is required when ticket tracking is enabled"}
	ErrTaskNotFound   = &TaskError{Code: "task_not_found", Message: "task not found"}
)
