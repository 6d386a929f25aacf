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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/riftlabs/rift/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

// initModules holds the game logic module entry points linked into this
// build. Embedding projects append their InitModule functions here before
// main runs.
var initModules []server.RuntimeInitModuleFunction

// transports holds transport integrations. Each one is handed the session
// registry and the realtime pipeline and is responsible for registering
// connected sessions and feeding inbound envelopes to the pipeline.
var transports []func(logger *zap.Logger, config server.Config, sessionRegistry server.SessionRegistry, pipeline *server.Pipeline)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(semver)
		return
	}

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Rift starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", goruntime.Version()), zap.Int("cpu", goruntime.NumCPU()))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))

	metrics := server.NewLocalMetrics(logger, config)

	db := server.DbConnect(ctx, startupLogger, config)

	// Start up server components.
	sessionRegistry := server.NewLocalSessionRegistry(metrics)
	tracker := server.StartLocalTracker(logger, config, sessionRegistry, metrics)
	router := server.NewLocalMessageRouter(sessionRegistry, tracker)
	tracker.SetRouter(router)
	matchRegistry := server.NewLocalMatchRegistry(logger, startupLogger, config, sessionRegistry, tracker, router, metrics, config.GetName())
	tracker.SetMatchJoinListener(matchRegistry.Join)
	tracker.SetMatchLeaveListener(matchRegistry.Leave)

	// Storage, wallet, leaderboard and notification facades are injected by
	// embedding projects; the core runs without them.
	module := server.NewRuntimeGoRiftModule(logger, db, config, sessionRegistry, matchRegistry, tracker, router, nil, nil, nil, nil)
	matchProvider := server.NewMatchProvider()

	rt, err := server.NewRuntime(ctx, logger, startupLogger, db, config, semver, module, matchRegistry, router, matchProvider, initModules...)
	if err != nil {
		startupLogger.Fatal("Failed initializing runtime modules", zap.Error(err))
	}
	module.SetMatchCreateFn(matchProvider.CreateMatch)

	matchmaker := server.NewLocalMatchmaker(logger, startupLogger, config, router, metrics, rt)
	pipeline := server.NewPipeline(logger, config, db, sessionRegistry, matchRegistry, matchmaker, tracker, router, rt, metrics)

	for _, transport := range transports {
		transport(logger, config, sessionRegistry, pipeline)
	}

	startupLogger.Info("Startup done")

	// Respect OS stop requests.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-c

	startupLogger.Info("Shutting down")

	matchmaker.Stop()
	// Gracefully stop running matches, then release remaining components.
	<-matchRegistry.Stop(0)
	tracker.Stop()
	sessionRegistry.Stop()
	metrics.Stop(logger)
	if err := db.Close(); err != nil {
		logger.Warn("Error closing database", zap.Error(err))
	}

	ctxCancelFn()
	startupLogger.Info("Shutdown complete")
	os.Exit(0)
}
