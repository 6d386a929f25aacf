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
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineForTest(t *testing.T, initModules ...RuntimeInitModuleFunction) *Pipeline {
	logger := loggerForTest(t)
	cfg := NewConfig(logger)

	rt, err := NewRuntime(context.Background(), logger, logger, nil, cfg, "1.0.0",
		nil, nil, &testMessageRouter{}, NewMatchProvider(), initModules...)
	require.NoError(t, err)

	return NewPipeline(logger, cfg, nil, &testSessionRegistry{}, nil, nil,
		&testTracker{}, &testMessageRouter{}, rt, &testMetrics{})
}

func TestPipelineRpcEcho(t *testing.T) {
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		return initializer.RegisterRpc("Echo", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, payload string) (string, error) {
			return payload, nil
		})
	})

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{Cid: "1", Rpc: &rtapi.Rpc{Id: "echo", Payload: "hello"}})
	require.True(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Rpc)
	assert.Equal(t, "1", sent[0].Cid)
	assert.Equal(t, "hello", sent[0].Rpc.Payload)
}

func TestPipelineRpcIdCaseInsensitive(t *testing.T) {
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		return initializer.RegisterRpc("MixedCase", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, payload string) (string, error) {
			return "ok", nil
		})
	})

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{Rpc: &rtapi.Rpc{Id: "MIXEDCASE"}})
	require.True(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Rpc)
	assert.Equal(t, "ok", sent[0].Rpc.Payload)
}

func TestPipelineRpcNotFound(t *testing.T) {
	p := pipelineForTest(t)

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{Cid: "2", Rpc: &rtapi.Rpc{Id: "missing"}})
	require.False(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, int32(rtapi.ErrorRuntimeFunctionNotFound), sent[0].Error.Code)
}

func TestPipelineRpcFunctionError(t *testing.T) {
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		return initializer.RegisterRpc("fail", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, payload string) (string, error) {
			return "", runtime.NewError("boom", runtime.CodeInvalidArgument)
		})
	})

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{Rpc: &rtapi.Rpc{Id: "fail"}})
	require.False(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, int32(rtapi.ErrorRuntimeFunctionErr), sent[0].Error.Code)
	assert.Equal(t, "boom", sent[0].Error.Message)
}

func TestPipelineDuplicateRpcRegistrationRejected(t *testing.T) {
	logger := loggerForTest(t)
	cfg := NewConfig(logger)

	register := func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		return initializer.RegisterRpc("dupe", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, payload string) (string, error) {
			return "", nil
		})
	}

	_, err := NewRuntime(context.Background(), logger, logger, nil, cfg, "1.0.0",
		nil, nil, &testMessageRouter{}, NewMatchProvider(), register, register)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already registered"))
}

func TestPipelineMissingMessage(t *testing.T) {
	p := pipelineForTest(t)

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{Cid: "3"})
	require.False(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, int32(rtapi.ErrorMissingPayload), sent[0].Error.Code)
	assert.Equal(t, "3", sent[0].Cid)
}

func TestPipelineUnrecognizedMessage(t *testing.T) {
	p := pipelineForTest(t)

	// MatchData is a server-to-client message, not a request.
	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{MatchData: &rtapi.MatchData{MatchId: "x"}})
	require.False(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, int32(rtapi.ErrorUnrecognizedPayload), sent[0].Error.Code)
}

func TestPipelineBeforeHookError(t *testing.T) {
	handlerRan := false
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		if err := initializer.RegisterBeforeRt("statusupdate", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, in *rtapi.Envelope) (*rtapi.Envelope, error) {
			return nil, errors.New("not allowed")
		}); err != nil {
			return err
		}
		return initializer.RegisterAfterRt("statusupdate", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, out, in *rtapi.Envelope) error {
			handlerRan = true
			return nil
		})
	})

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{StatusUpdate: &rtapi.StatusUpdate{Status: "here"}})
	require.False(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, int32(rtapi.ErrorRuntimeFunctionErr), sent[0].Error.Code)
	assert.Equal(t, "not allowed", sent[0].Error.Message)
	// A rejected before hook must short-circuit the after hooks too.
	assert.False(t, handlerRan)
}

func TestPipelineBeforeHookNilResultDisablesResource(t *testing.T) {
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		return initializer.RegisterBeforeRt("statusupdate", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, in *rtapi.Envelope) (*rtapi.Envelope, error) {
			return nil, nil
		})
	})

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{StatusUpdate: &rtapi.StatusUpdate{Status: "here"}})
	require.False(t, success)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, int32(rtapi.ErrorUnrecognizedPayload), sent[0].Error.Code)
}

func TestPipelineBeforeHooksRunInRegistrationOrder(t *testing.T) {
	var order []string
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		if err := initializer.RegisterBeforeRt("statusupdate", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, in *rtapi.Envelope) (*rtapi.Envelope, error) {
			order = append(order, "first")
			in.StatusUpdate.Status = in.StatusUpdate.Status + "-first"
			return in, nil
		}); err != nil {
			return err
		}
		return initializer.RegisterBeforeRt("statusupdate", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, in *rtapi.Envelope) (*rtapi.Envelope, error) {
			order = append(order, "second")
			// The second hook sees the first hook's rewrite.
			assert.Equal(t, "base-first", in.StatusUpdate.Status)
			return in, nil
		})
	})

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{StatusUpdate: &rtapi.StatusUpdate{Status: "base"}})
	require.True(t, success)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPipelineAfterHookErrorDoesNotAffectResponse(t *testing.T) {
	afterRan := false
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		return initializer.RegisterAfterRt("statusupdate", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, out, in *rtapi.Envelope) error {
			afterRan = true
			return errors.New("after hook failure")
		})
	})

	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{Cid: "4", StatusUpdate: &rtapi.StatusUpdate{Status: "here"}})
	require.True(t, success)
	assert.True(t, afterRan)

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].Error)
	assert.Equal(t, "4", sent[0].Cid)
}

func TestPipelineAfterHookSkippedOnHandlerFailure(t *testing.T) {
	afterRan := false
	p := pipelineForTest(t, func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		return initializer.RegisterAfterRt("matchmakerremove", func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, out, in *rtapi.Envelope) error {
			afterRan = true
			return nil
		})
	})

	// An empty ticket fails validation in the handler before the matchmaker
	// is consulted.
	session := newTestSession()
	success := p.ProcessRequest(p.logger, session, &rtapi.Envelope{MatchmakerRemove: &rtapi.MatchmakerRemove{Ticket: ""}})
	require.False(t, success)
	assert.False(t, afterRan)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, int32(rtapi.ErrorBadInput), sent[0].Error.Code)
}
