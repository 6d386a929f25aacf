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

package server

import (
	"database/sql"
	"time"

	"github.com/riftlabs/rift/rtapi"
	"go.uber.org/zap"
)

// Pipeline dispatches realtime messages to their handlers, wrapping each
// one in its registered before and after hook chains.
type Pipeline struct {
	logger          *zap.Logger
	config          Config
	db              *sql.DB
	sessionRegistry SessionRegistry
	matchRegistry   MatchRegistry
	matchmaker      Matchmaker
	tracker         Tracker
	router          MessageRouter
	runtime         *Runtime
	metrics         Metrics
	node            string
}

func NewPipeline(logger *zap.Logger, config Config, db *sql.DB, sessionRegistry SessionRegistry, matchRegistry MatchRegistry, matchmaker Matchmaker, tracker Tracker, router MessageRouter, runtime *Runtime, metrics Metrics) *Pipeline {
	return &Pipeline{
		logger:          logger,
		config:          config,
		db:              db,
		sessionRegistry: sessionRegistry,
		matchRegistry:   matchRegistry,
		matchmaker:      matchmaker,
		tracker:         tracker,
		router:          router,
		runtime:         runtime,
		metrics:         metrics,
		node:            config.GetName(),
	}
}

func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, envelope *rtapi.Envelope) bool {
	messageName := envelope.MessageName()

	if messageName == "" {
		_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
			Code:    int32(rtapi.ErrorMissingPayload),
			Message: "Missing message.",
		}}, true)
		return false
	}

	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("Received message", zap.String("message", messageName), zap.String("cid", envelope.Cid))
	}

	var pipelineFn func(*zap.Logger, Session, *rtapi.Envelope) (bool, *rtapi.Envelope)

	switch messageName {
	case "matchcreate":
		pipelineFn = p.matchCreate
	case "matchdatasend":
		pipelineFn = p.matchDataSend
	case "matchjoin":
		pipelineFn = p.matchJoin
	case "matchleave":
		pipelineFn = p.matchLeave
	case "matchmakeradd":
		pipelineFn = p.matchmakerAdd
	case "matchmakerremove":
		pipelineFn = p.matchmakerRemove
	case "rpc":
		pipelineFn = p.rpc
	case "statusfollow":
		pipelineFn = p.statusFollow
	case "statusunfollow":
		pipelineFn = p.statusUnfollow
	case "statusupdate":
		pipelineFn = p.statusUpdate
	default:
		// If we reached this point the envelope was valid but the contents are missing or unknown.
		// Usually caused by a version mismatch, and should cause the session making this pipeline request to close.
		logger.Error("Unrecognizable payload received.", zap.String("message", messageName))
		_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
			Code:    int32(rtapi.ErrorUnrecognizedPayload),
			Message: "Unrecognized message.",
		}}, true)
		return false
	}

	var hookName string

	if messageName != "rpc" {
		// No before/after hooks on RPC, the RPC handler wraps its own invocation context.
		hookName = messageName

		if beforeFns := p.runtime.BeforeRt(hookName); len(beforeFns) != 0 {
			beforeStart := time.Now()
			for _, beforeFn := range beforeFns {
				result, hookErr := beforeFn(session.Context(), logger, session.UserID().String(), session.Username(), session.Vars(), session.Expiry(), session.ID().String(), session.ClientIP(), session.ClientPort(), envelope)
				if hookErr != nil {
					p.metrics.ApiBefore(hookName, time.Since(beforeStart), true)
					_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
						Code:    int32(rtapi.ErrorRuntimeFunctionErr),
						Message: hookErr.Error(),
					}}, true)
					return false
				}
				if result == nil {
					// If result is nil, requested resource is disabled.
					p.metrics.ApiBefore(hookName, time.Since(beforeStart), false)
					logger.Warn("Intercepted a disabled resource.", zap.String("resource", hookName))
					_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
						Code:    int32(rtapi.ErrorUnrecognizedPayload),
						Message: "Requested resource was not found.",
					}}, true)
					return false
				}
				envelope = result
			}
			p.metrics.ApiBefore(hookName, time.Since(beforeStart), false)
		}
	}

	success, out := pipelineFn(logger, session, envelope)

	if success && hookName != "" {
		if afterFns := p.runtime.AfterRt(hookName); len(afterFns) != 0 {
			afterStart := time.Now()
			var isErr bool
			for _, afterFn := range afterFns {
				// After hook errors are logged and do not interrupt the chain or the response.
				if afterErr := afterFn(session.Context(), logger, session.UserID().String(), session.Username(), session.Vars(), session.Expiry(), session.ID().String(), session.ClientIP(), session.ClientPort(), out, envelope); afterErr != nil {
					isErr = true
					logger.Warn("Error in after hook function invocation", zap.String("message", hookName), zap.Error(afterErr))
				}
			}
			p.metrics.ApiAfter(hookName, time.Since(afterStart), isErr)
		}
	}

	return success
}
