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
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerForTest allows for easily adjusting log output produced by tests in one place
func loggerForTest(t *testing.T) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
}

type fatalable interface {
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// createTestMatchRegistry creates a LocalMatchRegistry minimally configured for testing purposes.
// In addition to the MatchRegistry, a RuntimeMatchCreateFunction paired to work with it is returned.
func createTestMatchRegistry(t fatalable, logger *zap.Logger, messageRouter *testMessageRouter) (*LocalMatchRegistry, RuntimeMatchCreateFunction) {
	cfg := NewConfig(logger)
	cfg.GetMatch().LabelUpdateIntervalMs = int(time.Hour / time.Millisecond)
	if messageRouter == nil {
		messageRouter = &testMessageRouter{}
	}
	matchRegistry := NewLocalMatchRegistry(logger, logger, cfg, &testSessionRegistry{}, &testTracker{},
		messageRouter, &testMetrics{}, "node")
	mp := NewMatchProvider()

	mp.RegisterCreateFn("go",
		func(ctx context.Context, logger *zap.Logger, id uuid.UUID, node string, stopped *atomic.Bool, name string) (RuntimeMatchCore, error) {
			match := &testMatch{}
			return NewRuntimeGoMatchCore(logger, "module", matchRegistry, messageRouter, id, "node", "",
				stopped, nil, map[string]string{}, nil, match)
		})

	return matchRegistry.(*LocalMatchRegistry), mp.CreateMatch
}

type testMatchState struct {
	presences map[string]runtime.Presence
	score     int64
}

// testMatch is a minimal implementation of runtime.Match for testing purposes
type testMatch struct{}

func (m *testMatch) MatchInit(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, params map[string]interface{}) (interface{}, int, string) {
	state := &testMatchState{
		presences: make(map[string]runtime.Presence),
	}
	tickRate := 1
	label := ""
	if params != nil {
		if paramLabel, ok := params["label"]; ok {
			if paramLabelStr, ok := paramLabel.(string); ok {
				label = paramLabelStr
			}
		}
		if paramTickRate, ok := params["tick_rate"]; ok {
			if paramTickRateInt, ok := paramTickRate.(int); ok {
				tickRate = paramTickRateInt
			}
		}
	}
	return state, tickRate, label
}

func (m *testMatch) MatchJoinAttempt(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presence runtime.Presence, metadata map[string]string) (interface{}, bool, string) {
	acceptUser := true
	return state, acceptUser, ""
}

func (m *testMatch) MatchJoin(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presences []runtime.Presence) interface{} {
	mState, _ := state.(*testMatchState)
	for _, p := range presences {
		mState.presences[p.GetUserId()] = p
	}
	return mState
}

func (m *testMatch) MatchLeave(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presences []runtime.Presence) interface{} {
	mState, _ := state.(*testMatchState)
	for _, p := range presences {
		delete(mState.presences, p.GetUserId())
	}
	return mState
}

func (m *testMatch) MatchLoop(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, messages []runtime.MatchData) interface{} {
	mState, _ := state.(*testMatchState)
	mState.score += int64(len(messages))
	for _, message := range messages {
		reliable := true
		if err := dispatcher.BroadcastMessage(1, message.GetData(), []runtime.Presence{message}, nil, reliable); err != nil {
			logger.Error("Failed to broadcast message: %v", err)
		}
	}
	return mState
}

func (m *testMatch) MatchTerminate(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, graceSeconds int) interface{} {
	message := "Server shutting down in " + strconv.Itoa(graceSeconds) + " seconds."
	reliable := true
	if err := dispatcher.BroadcastMessage(2, []byte(message), []runtime.Presence{}, nil, reliable); err != nil {
		logger.Error("Failed to broadcast message: %v", err)
	}
	return state
}

func (m *testMatch) MatchSignal(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, data string) (interface{}, string) {
	return state, "signal received: " + data
}

// testMetrics implements the Metrics interface and does nothing
type testMetrics struct{}

func (s *testMetrics) Stop(logger *zap.Logger) {}
func (s *testMetrics) ApiRpc(id string, elapsed time.Duration, recvBytes, sentBytes int64, isErr bool) {
}
func (s *testMetrics) ApiBefore(name string, elapsed time.Duration, isErr bool)             {}
func (s *testMetrics) ApiAfter(name string, elapsed time.Duration, isErr bool)              {}
func (s *testMetrics) Message(recvBytes int64, isErr bool)                                  {}
func (s *testMetrics) MessageBytesSent(sentBytes int64)                                     {}
func (s *testMetrics) GaugeAuthoritativeMatches(value float64)                              {}
func (s *testMetrics) GaugeSessions(value float64)                                          {}
func (s *testMetrics) GaugePresences(value float64)                                         {}
func (s *testMetrics) CountDroppedEvents(delta int64)                                       {}
func (s *testMetrics) Matchmaker(tickets, activeTickets float64, processTime time.Duration) {}
func (s *testMetrics) PresenceEvent(dequeueElapsed, processElapsed time.Duration)           {}
func (s *testMetrics) CustomCounter(name string, tags map[string]string, delta int64)       {}
func (s *testMetrics) CustomGauge(name string, tags map[string]string, value float64)       {}
func (s *testMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {}

// testMessageRouter is used for testing, and can fire a callback
// when the SendToPresenceIDs method is invoked
type testMessageRouter struct {
	sendToPresence func(presences []*PresenceID, envelope *rtapi.Envelope)
}

func (s *testMessageRouter) SendToPresenceIDs(_ *zap.Logger, presences []*PresenceID, envelope *rtapi.Envelope, _ bool) {
	if s.sendToPresence != nil {
		s.sendToPresence(presences, envelope)
	}
}
func (s *testMessageRouter) SendToStream(*zap.Logger, PresenceStream, *rtapi.Envelope, bool) {}
func (s *testMessageRouter) SendDeferred(*zap.Logger, []*DeferredMessage)                    {}
func (s *testMessageRouter) SendToAll(*zap.Logger, *rtapi.Envelope, bool)                    {}

// testTracker implements the Tracker interface and does nothing
type testTracker struct{}

func (s *testTracker) SetMatchJoinListener(func(id uuid.UUID, joins []*MatchPresence))   {}
func (s *testTracker) SetMatchLeaveListener(func(id uuid.UUID, leaves []*MatchPresence)) {}
func (s *testTracker) SetRouter(router MessageRouter)                                    {}
func (s *testTracker) Stop()                                                             {}

func (s *testTracker) Track(ctx context.Context, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID, meta PresenceMeta) (bool, bool) {
	return true, true
}

func (s *testTracker) TrackMulti(ctx context.Context, sessionID uuid.UUID, ops []*TrackerOp, userID uuid.UUID) bool {
	return true
}
func (s *testTracker) Untrack(sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID) {}
func (s *testTracker) UntrackMulti(sessionID uuid.UUID, streams []*PresenceStream, userID uuid.UUID) {
}
func (s *testTracker) UntrackAll(sessionID uuid.UUID, reason runtime.PresenceReason) {}

func (s *testTracker) Update(ctx context.Context, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID, meta PresenceMeta) bool {
	return true
}

func (s *testTracker) UntrackByStream(stream PresenceStream) {}

func (s *testTracker) StreamExists(stream PresenceStream) bool {
	return true
}

func (s *testTracker) Count() int {
	return 0
}

func (s *testTracker) CountByStream(stream PresenceStream) int {
	return 0
}

func (s *testTracker) CountByStreamModeFilter(modes map[uint8]*uint8) map[PresenceStream]int32 {
	return nil
}

func (s *testTracker) GetBySessionIDStreamUserID(node string, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID) *PresenceMeta {
	return nil
}

func (s *testTracker) ListByStream(stream PresenceStream, includeHidden bool, includeNotHidden bool) []*Presence {
	return nil
}

func (s *testTracker) ListLocalSessionIDByStream(stream PresenceStream) []uuid.UUID {
	return nil
}

func (s *testTracker) ListPresenceIDByStream(stream PresenceStream) []*PresenceID {
	return nil
}

// testSessionRegistry implements SessionRegistry interface and does nothing
type testSessionRegistry struct{}

func (s *testSessionRegistry) Stop() {}

func (s *testSessionRegistry) Count() int {
	return 0
}

func (s *testSessionRegistry) Get(sessionID uuid.UUID) Session {
	return nil
}

func (s *testSessionRegistry) Add(session Session) {}

func (s *testSessionRegistry) Remove(sessionID uuid.UUID) {}

func (s *testSessionRegistry) Disconnect(ctx context.Context, sessionID uuid.UUID, reason ...runtime.PresenceReason) error {
	return nil
}

func (s *testSessionRegistry) SingleSession(ctx context.Context, tracker Tracker, userID, sessionID uuid.UUID) {
}

func (s *testSessionRegistry) Range(fn func(session Session) bool) {}

// testSession implements the Session interface and records envelopes sent
// to it, for assertions on pipeline and matchmaker behavior.
type testSession struct {
	sync.Mutex
	id       uuid.UUID
	userID   uuid.UUID
	username string
	ctx      context.Context

	sent   []*rtapi.Envelope
	closed bool
}

func newTestSession() *testSession {
	return &testSession{
		id:       uuid.Must(uuid.NewV4()),
		userID:   uuid.Must(uuid.NewV4()),
		username: "testuser",
		ctx:      context.Background(),
	}
}

func (s *testSession) Logger() *zap.Logger      { return zap.NewNop() }
func (s *testSession) ID() uuid.UUID            { return s.id }
func (s *testSession) UserID() uuid.UUID        { return s.userID }
func (s *testSession) Vars() map[string]string  { return nil }
func (s *testSession) Context() context.Context { return s.ctx }
func (s *testSession) ClientIP() string         { return "127.0.0.1" }
func (s *testSession) ClientPort() string       { return "0" }
func (s *testSession) Username() string         { return s.username }
func (s *testSession) SetUsername(u string)     { s.username = u }
func (s *testSession) Expiry() int64            { return time.Now().Add(time.Hour).Unix() }

func (s *testSession) Send(envelope *rtapi.Envelope, reliable bool) error {
	s.Lock()
	s.sent = append(s.sent, envelope)
	s.Unlock()
	return nil
}

func (s *testSession) Close(msg string, reason runtime.PresenceReason, envelopes ...*rtapi.Envelope) {
	s.Lock()
	s.closed = true
	s.Unlock()
}

func (s *testSession) Sent() []*rtapi.Envelope {
	s.Lock()
	defer s.Unlock()
	out := make([]*rtapi.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}
