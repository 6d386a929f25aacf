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
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Session is the transport-side representation of a connected client.
// Implementations live with the transport layer and are registered here.
type Session interface {
	Logger() *zap.Logger
	ID() uuid.UUID
	UserID() uuid.UUID
	Vars() map[string]string

	Context() context.Context

	ClientIP() string
	ClientPort() string

	Username() string
	SetUsername(string)
	Expiry() int64

	Send(envelope *rtapi.Envelope, reliable bool) error

	Close(msg string, reason runtime.PresenceReason, envelopes ...*rtapi.Envelope)
}

type SessionRegistry interface {
	Stop()
	Count() int
	Get(sessionID uuid.UUID) Session
	Add(session Session)
	Remove(sessionID uuid.UUID)
	Disconnect(ctx context.Context, sessionID uuid.UUID, reason ...runtime.PresenceReason) error
	SingleSession(ctx context.Context, tracker Tracker, userID, sessionID uuid.UUID)
	Range(fn func(session Session) bool)
}

type LocalSessionRegistry struct {
	metrics Metrics

	sessions     *sync.Map
	sessionCount *atomic.Int32
}

func NewLocalSessionRegistry(metrics Metrics) SessionRegistry {
	return &LocalSessionRegistry{
		metrics: metrics,

		sessions:     &sync.Map{},
		sessionCount: atomic.NewInt32(0),
	}
}

func (r *LocalSessionRegistry) Stop() {}

func (r *LocalSessionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *LocalSessionRegistry) Get(sessionID uuid.UUID) Session {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	return session.(Session)
}

func (r *LocalSessionRegistry) Add(session Session) {
	r.sessions.Store(session.ID(), session)
	count := r.sessionCount.Inc()
	r.metrics.GaugeSessions(float64(count))
}

func (r *LocalSessionRegistry) Remove(sessionID uuid.UUID) {
	if _, loaded := r.sessions.LoadAndDelete(sessionID); loaded {
		count := r.sessionCount.Dec()
		r.metrics.GaugeSessions(float64(count))
	}
}

func (r *LocalSessionRegistry) Disconnect(ctx context.Context, sessionID uuid.UUID, reason ...runtime.PresenceReason) error {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return runtime.ErrSessionNotFound
	}
	// No need to remove the session here, closing the transport handles it.
	session.(Session).Close("server-side session disconnect", presenceReasonOrDefault(reason, runtime.PresenceReasonDisconnect))
	return nil
}

// SingleSession disconnects any other session tracked for the user, used
// when single-session enforcement is configured.
func (r *LocalSessionRegistry) SingleSession(ctx context.Context, tracker Tracker, userID, sessionID uuid.UUID) {
	sessionIDs := tracker.ListLocalSessionIDByStream(PresenceStream{Mode: StreamModeNotifications, Subject: userID})
	for _, foundSessionID := range sessionIDs {
		if foundSessionID == sessionID {
			continue
		}
		session, ok := r.sessions.Load(foundSessionID)
		if !ok {
			continue
		}
		session.(Session).Close("server-side session disconnect", runtime.PresenceReasonDisconnect)
	}
}

func (r *LocalSessionRegistry) Range(fn func(session Session) bool) {
	r.sessions.Range(func(_, value interface{}) bool {
		return fn(value.(Session))
	})
}

func presenceReasonOrDefault(reasons []runtime.PresenceReason, def runtime.PresenceReason) runtime.PresenceReason {
	if len(reasons) > 0 {
		return reasons[0]
	}
	return def
}
