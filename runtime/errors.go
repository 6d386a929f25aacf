// Copyright 2023 The Rift Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import "errors"

// Numeric codes for Error, following the gRPC status code space.
const (
	CodeCanceled           = 1
	CodeUnknown            = 2
	CodeInvalidArgument    = 3
	CodeDeadlineExceeded   = 4
	CodeNotFound           = 5
	CodeAlreadyExists      = 6
	CodePermissionDenied   = 7
	CodeResourceExhausted  = 8
	CodeFailedPrecondition = 9
	CodeAborted            = 10
	CodeInternal           = 13
	CodeUnavailable        = 14
	CodeUnauthenticated    = 16
)

var (
	ErrRpcNotFound = errors.New("RPC function not found")

	ErrMatchIdInvalid     = errors.New("match id invalid")
	ErrMatchNotFound      = errors.New("match not found")
	ErrMatchStopped       = errors.New("match stopped")
	ErrMatchBusy          = errors.New("match busy")
	ErrMatchLabelTooLong  = errors.New("match label too long, must be 0-2048 bytes")
	ErrCannotEncodeParams = errors.New("error creating match: cannot encode params")

	ErrDeferredBroadcastFull = errors.New("too many deferred message broadcasts per tick")

	ErrMatchmakerNotAvailable     = errors.New("matchmaker not available")
	ErrMatchmakerQueryInvalid     = errors.New("matchmaker query invalid")
	ErrMatchmakerDuplicateSession = errors.New("matchmaker duplicate session")
	ErrMatchmakerTooManyTickets   = errors.New("matchmaker too many tickets")
	ErrMatchmakerTicketNotFound   = errors.New("matchmaker ticket not found")
	ErrMatchmakerIndex            = errors.New("matchmaker index error")
	ErrMatchmakerDelete           = errors.New("matchmaker ticket delete error")

	ErrSessionNotFound = errors.New("session not found")

	ErrStorageNotConfigured      = errors.New("storage engine not configured")
	ErrWalletNotConfigured       = errors.New("wallet manager not configured")
	ErrLeaderboardNotConfigured  = errors.New("leaderboard registry not configured")
	ErrNotificationNotConfigured = errors.New("notification sender not configured")
)

// Error is a user-visible failure carrying a message and a numeric code.
// Both are sent to the client verbatim.
type Error struct {
	Message string
	Code    int
}

func (e *Error) Error() string {
	return e.Message
}

// NewError returns a new error that can cross the dispatch boundary.
//
//	runtime.NewError("Server unavailable", runtime.CodeUnavailable)
func NewError(message string, code int) *Error {
	return &Error{Message: message, Code: code}
}
