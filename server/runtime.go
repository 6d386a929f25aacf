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
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Server-side hook shapes. User-registered functions are wrapped into
// these at registration time, with the invocation context assembled from
// the caller's identity.
type (
	RuntimeRpcFunction func(ctx context.Context, headers, queryParams map[string][]string, userID, username string, vars map[string]string, expiry int64, sessionID, clientIP, clientPort, payload string) (string, error, int)

	RuntimeBeforeRtFunction func(ctx context.Context, logger *zap.Logger, userID, username string, vars map[string]string, expiry int64, sessionID, clientIP, clientPort string, in *rtapi.Envelope) (*rtapi.Envelope, error)
	RuntimeAfterRtFunction  func(ctx context.Context, logger *zap.Logger, userID, username string, vars map[string]string, expiry int64, sessionID, clientIP, clientPort string, out, in *rtapi.Envelope) error

	RuntimeMatchmakerMatchedFunction func(ctx context.Context, entries []*MatchmakerEntry) (string, bool, error)

	RuntimeMatchCreateFunction func(ctx context.Context, logger *zap.Logger, id uuid.UUID, node string, stopped *atomic.Bool, name string) (RuntimeMatchCore, error)

	RuntimeTournamentEndFunction    func(ctx context.Context, tournament *runtime.Tournament, end, reset int64) error
	RuntimeTournamentResetFunction  func(ctx context.Context, tournament *runtime.Tournament, end, reset int64) error
	RuntimeLeaderboardResetFunction func(ctx context.Context, leaderboard *runtime.Leaderboard, reset int64) error
)

// RuntimeInitModuleFunction is the entry point a game logic module exposes.
type RuntimeInitModuleFunction func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error

// MatchProvider resolves match handler names to instantiated match cores.
type MatchProvider struct {
	sync.RWMutex
	providers []RuntimeMatchCreateFunction
}

func NewMatchProvider() *MatchProvider {
	return &MatchProvider{
		providers: make([]RuntimeMatchCreateFunction, 0, 1),
	}
}

func (mp *MatchProvider) RegisterCreateFn(name string, fn RuntimeMatchCreateFunction) {
	mp.Lock()
	mp.providers = append(mp.providers, fn)
	mp.Unlock()
}

// CreateMatch asks each registered provider in order until one produces a
// core for the given name.
func (mp *MatchProvider) CreateMatch(ctx context.Context, logger *zap.Logger, id uuid.UUID, node string, stopped *atomic.Bool, name string) (RuntimeMatchCore, error) {
	mp.RLock()
	providers := mp.providers
	mp.RUnlock()
	for _, p := range providers {
		core, err := p(ctx, logger, id, node, stopped, name)
		if err != nil {
			return nil, err
		}
		if core != nil {
			return core, nil
		}
	}
	return nil, nil
}

// RuntimeGoInitializer collects hook registrations from module init
// functions. Before and after hooks are ordered slices: every function
// registered for a message runs in registration order.
type RuntimeGoInitializer struct {
	logger  runtime.Logger
	db      *sql.DB
	node    string
	version string
	env     map[string]string
	module  runtime.Module

	rpc               map[string]RuntimeRpcFunction
	beforeRt          map[string][]RuntimeBeforeRtFunction
	afterRt           map[string][]RuntimeAfterRtFunction
	matchmakerMatched RuntimeMatchmakerMatchedFunction
	tournamentEnd     RuntimeTournamentEndFunction
	tournamentReset   RuntimeTournamentResetFunction
	leaderboardReset  RuntimeLeaderboardResetFunction

	match     map[string]func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module) (runtime.Match, error)
	matchLock *sync.RWMutex
}

func (ri *RuntimeGoInitializer) RegisterRpc(id string, fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, payload string) (string, error)) error {
	id = strings.ToLower(id)
	if id == "" {
		return fmt.Errorf("rpc registration id must not be empty")
	}
	if _, found := ri.rpc[id]; found {
		return fmt.Errorf("rpc function for id %q already registered", id)
	}
	ri.rpc[id] = func(ctx context.Context, headers, queryParams map[string][]string, userID, username string, vars map[string]string, expiry int64, sessionID, clientIP, clientPort, payload string) (string, error, int) {
		ctx = NewRuntimeContext(ctx, ri.node, ri.version, ri.env, RuntimeExecutionModeRPC, headers, queryParams, expiry, userID, username, vars, sessionID, clientIP, clientPort)
		result, fnErr := fn(ctx, ri.logger.WithField("rpc_id", id), ri.db, ri.module, payload)
		if fnErr != nil {
			if runtimeErr, ok := fnErr.(*runtime.Error); ok {
				if runtimeErr.Code <= 0 || runtimeErr.Code >= 17 {
					// If the error is present but code is invalid then default to 13 (Internal) as the error code.
					return result, runtimeErr, runtime.CodeInternal
				}
				return result, runtimeErr, runtimeErr.Code
			}
			// Not a runtime error that contains a code.
			return result, fnErr, runtime.CodeInternal
		}
		return result, nil, 0
	}
	return nil
}

func (ri *RuntimeGoInitializer) RegisterBeforeRt(id string, fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, in *rtapi.Envelope) (*rtapi.Envelope, error)) error {
	id = strings.ToLower(id)
	if id == "" {
		return fmt.Errorf("before hook registration id must not be empty")
	}
	ri.beforeRt[id] = append(ri.beforeRt[id], func(ctx context.Context, logger *zap.Logger, userID, username string, vars map[string]string, expiry int64, sessionID, clientIP, clientPort string, in *rtapi.Envelope) (*rtapi.Envelope, error) {
		ctx = NewRuntimeContext(ctx, ri.node, ri.version, ri.env, RuntimeExecutionModeBefore, nil, nil, expiry, userID, username, vars, sessionID, clientIP, clientPort)
		loggerFields := map[string]interface{}{"api_id": id, "mode": RuntimeExecutionModeBefore.String()}
		return fn(ctx, ri.logger.WithFields(loggerFields), ri.db, ri.module, in)
	})
	return nil
}

func (ri *RuntimeGoInitializer) RegisterAfterRt(id string, fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, out, in *rtapi.Envelope) error) error {
	id = strings.ToLower(id)
	if id == "" {
		return fmt.Errorf("after hook registration id must not be empty")
	}
	ri.afterRt[id] = append(ri.afterRt[id], func(ctx context.Context, logger *zap.Logger, userID, username string, vars map[string]string, expiry int64, sessionID, clientIP, clientPort string, out, in *rtapi.Envelope) error {
		ctx = NewRuntimeContext(ctx, ri.node, ri.version, ri.env, RuntimeExecutionModeAfter, nil, nil, expiry, userID, username, vars, sessionID, clientIP, clientPort)
		loggerFields := map[string]interface{}{"api_id": id, "mode": RuntimeExecutionModeAfter.String()}
		return fn(ctx, ri.logger.WithFields(loggerFields), ri.db, ri.module, out, in)
	})
	return nil
}

func (ri *RuntimeGoInitializer) RegisterMatchmakerMatched(fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, entries []runtime.MatchmakerEntry) (string, error)) error {
	ri.matchmakerMatched = func(ctx context.Context, entries []*MatchmakerEntry) (string, bool, error) {
		ctx = NewRuntimeContext(ctx, ri.node, ri.version, ri.env, RuntimeExecutionModeMatchmaker, nil, nil, 0, "", "", nil, "", "", "")

		runtimeEntries := make([]runtime.MatchmakerEntry, len(entries))
		for i, entry := range entries {
			runtimeEntries[i] = runtime.MatchmakerEntry(entry)
		}

		matchID, err := fn(ctx, ri.logger, ri.db, ri.module, runtimeEntries)
		if err != nil {
			return "", false, err
		}
		return matchID, matchID != "", nil
	}
	return nil
}

func (ri *RuntimeGoInitializer) RegisterMatch(name string, fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module) (runtime.Match, error)) error {
	if name == "" {
		return fmt.Errorf("match registration name must not be empty")
	}
	ri.matchLock.Lock()
	ri.match[name] = fn
	ri.matchLock.Unlock()
	return nil
}

func (ri *RuntimeGoInitializer) RegisterTournamentEnd(fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, tournament *runtime.Tournament, end, reset int64) error) error {
	ri.tournamentEnd = func(ctx context.Context, tournament *runtime.Tournament, end, reset int64) error {
		ctx = NewRuntimeContext(ctx, ri.node, ri.version, ri.env, RuntimeExecutionModeTournamentEnd, nil, nil, 0, "", "", nil, "", "", "")
		return fn(ctx, ri.logger, ri.db, ri.module, tournament, end, reset)
	}
	return nil
}

func (ri *RuntimeGoInitializer) RegisterTournamentReset(fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, tournament *runtime.Tournament, end, reset int64) error) error {
	ri.tournamentReset = func(ctx context.Context, tournament *runtime.Tournament, end, reset int64) error {
		ctx = NewRuntimeContext(ctx, ri.node, ri.version, ri.env, RuntimeExecutionModeTournamentReset, nil, nil, 0, "", "", nil, "", "", "")
		return fn(ctx, ri.logger, ri.db, ri.module, tournament, end, reset)
	}
	return nil
}

func (ri *RuntimeGoInitializer) RegisterLeaderboardReset(fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, leaderboard *runtime.Leaderboard, reset int64) error) error {
	ri.leaderboardReset = func(ctx context.Context, leaderboard *runtime.Leaderboard, reset int64) error {
		ctx = NewRuntimeContext(ctx, ri.node, ri.version, ri.env, RuntimeExecutionModeLeaderboardReset, nil, nil, 0, "", "", nil, "", "", "")
		return fn(ctx, ri.logger, ri.db, ri.module, leaderboard, reset)
	}
	return nil
}

// Runtime holds the registered hook lookups used by the dispatch paths.
// The maps are built once at startup and are then read-only.
type Runtime struct {
	rpcFunctions      map[string]RuntimeRpcFunction
	beforeRtFunctions map[string][]RuntimeBeforeRtFunction
	afterRtFunctions  map[string][]RuntimeAfterRtFunction

	matchmakerMatchedFunction RuntimeMatchmakerMatchedFunction

	tournamentEndFunction    RuntimeTournamentEndFunction
	tournamentResetFunction  RuntimeTournamentResetFunction
	leaderboardResetFunction RuntimeLeaderboardResetFunction
}

// NewRuntime runs every module init function against a fresh initializer
// and assembles the resulting hook lookups. Registration failures abort
// startup.
func NewRuntime(ctx context.Context, logger, startupLogger *zap.Logger, db *sql.DB, config Config, version string, module runtime.Module, matchRegistry MatchRegistry, router MessageRouter, matchProvider *MatchProvider, initModules ...RuntimeInitModuleFunction) (*Runtime, error) {
	runtimeLogger := NewRuntimeGoLogger(logger)

	initializer := &RuntimeGoInitializer{
		logger:  runtimeLogger,
		db:      db,
		node:    config.GetName(),
		version: version,
		env:     config.GetRuntime().Environment,
		module:  module,

		rpc:      make(map[string]RuntimeRpcFunction, 10),
		beforeRt: make(map[string][]RuntimeBeforeRtFunction, 10),
		afterRt:  make(map[string][]RuntimeAfterRtFunction, 10),

		match:     make(map[string]func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module) (runtime.Match, error), 10),
		matchLock: &sync.RWMutex{},
	}

	matchProvider.RegisterCreateFn("go",
		func(ctx context.Context, logger *zap.Logger, id uuid.UUID, node string, stopped *atomic.Bool, name string) (RuntimeMatchCore, error) {
			initializer.matchLock.RLock()
			createFn, found := initializer.match[name]
			initializer.matchLock.RUnlock()
			if !found {
				return nil, nil
			}

			match, err := createFn(ctx, runtimeLogger, db, module)
			if err != nil {
				return nil, err
			}
			if match == nil {
				return nil, fmt.Errorf("match handler %q returned nil", name)
			}
			return NewRuntimeGoMatchCore(logger, name, matchRegistry, router, id, node, version, stopped, db, config.GetRuntime().Environment, module, match)
		})

	initCtx := NewRuntimeContext(ctx, config.GetName(), version, config.GetRuntime().Environment, RuntimeExecutionModeRunOnce, nil, nil, 0, "", "", nil, "", "", "")
	for _, initModule := range initModules {
		if err := initModule(initCtx, runtimeLogger, db, module, initializer); err != nil {
			startupLogger.Error("Error initialising runtime module", zap.Error(err))
			return nil, err
		}
	}

	startupLogger.Info("Runtime modules loaded",
		zap.Int("rpc", len(initializer.rpc)),
		zap.Int("before_rt", len(initializer.beforeRt)),
		zap.Int("after_rt", len(initializer.afterRt)),
		zap.Int("match", len(initializer.match)))

	return &Runtime{
		rpcFunctions:      initializer.rpc,
		beforeRtFunctions: initializer.beforeRt,
		afterRtFunctions:  initializer.afterRt,

		matchmakerMatchedFunction: initializer.matchmakerMatched,

		tournamentEndFunction:    initializer.tournamentEnd,
		tournamentResetFunction:  initializer.tournamentReset,
		leaderboardResetFunction: initializer.leaderboardReset,
	}, nil
}

// Rpc returns the registered RPC function for the id, or nil. Lookup is
// case-insensitive.
func (r *Runtime) Rpc(id string) RuntimeRpcFunction {
	return r.rpcFunctions[strings.ToLower(id)]
}

// BeforeRt returns the before hooks registered for the message name, in
// registration order.
func (r *Runtime) BeforeRt(id string) []RuntimeBeforeRtFunction {
	return r.beforeRtFunctions[strings.ToLower(id)]
}

// AfterRt returns the after hooks registered for the message name, in
// registration order.
func (r *Runtime) AfterRt(id string) []RuntimeAfterRtFunction {
	return r.afterRtFunctions[strings.ToLower(id)]
}

func (r *Runtime) MatchmakerMatched() RuntimeMatchmakerMatchedFunction {
	return r.matchmakerMatchedFunction
}

func (r *Runtime) TournamentEnd() RuntimeTournamentEndFunction {
	return r.tournamentEndFunction
}

func (r *Runtime) TournamentReset() RuntimeTournamentResetFunction {
	return r.tournamentResetFunction
}

func (r *Runtime) LeaderboardReset() RuntimeLeaderboardResetFunction {
	return r.leaderboardResetFunction
}
