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
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// streamEventRouter records envelopes routed to streams, for assertions on
// tracker presence event delivery.
type streamEventRouter struct {
	sync.Mutex
	envelopes []*rtapi.Envelope
}

func (r *streamEventRouter) SendToPresenceIDs(*zap.Logger, []*PresenceID, *rtapi.Envelope, bool) {}
func (r *streamEventRouter) SendToStream(_ *zap.Logger, _ PresenceStream, envelope *rtapi.Envelope, _ bool) {
	r.Lock()
	r.envelopes = append(r.envelopes, envelope)
	r.Unlock()
}
func (r *streamEventRouter) SendDeferred(*zap.Logger, []*DeferredMessage) {}
func (r *streamEventRouter) SendToAll(*zap.Logger, *rtapi.Envelope, bool) {}

func (r *streamEventRouter) collected() []*rtapi.Envelope {
	r.Lock()
	defer r.Unlock()
	out := make([]*rtapi.Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

func trackerForTest(t *testing.T, router MessageRouter) (Tracker, string, func()) {
	logger := loggerForTest(t)
	cfg := NewConfig(logger)
	tracker := StartLocalTracker(logger, cfg, &testSessionRegistry{}, &testMetrics{})
	if router == nil {
		router = &testMessageRouter{}
	}
	tracker.SetRouter(router)
	return tracker, cfg.GetName(), tracker.Stop
}

func TestTrackerTrackAndUntrack(t *testing.T) {
	tracker, node, cleanup := trackerForTest(t, nil)
	defer cleanup()

	sessionID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())
	stream := PresenceStream{Mode: StreamModeStatus, Subject: userID}

	success, isNew := tracker.Track(context.Background(), sessionID, stream, userID, PresenceMeta{Username: "a"})
	require.True(t, success)
	require.True(t, isNew)

	assert.True(t, tracker.StreamExists(stream))
	assert.Equal(t, 1, tracker.Count())
	assert.Equal(t, 1, tracker.CountByStream(stream))

	meta := tracker.GetBySessionIDStreamUserID(node,sessionID, stream, userID)
	require.NotNil(t, meta)
	assert.Equal(t, "a", meta.Username)

	// Tracking the same presence again succeeds but is not new.
	success, isNew = tracker.Track(context.Background(), sessionID, stream, userID, PresenceMeta{Username: "a"})
	require.True(t, success)
	assert.False(t, isNew)
	assert.Equal(t, 1, tracker.Count())

	tracker.Untrack(sessionID, stream, userID)

	assert.False(t, tracker.StreamExists(stream))
	assert.Equal(t, 0, tracker.Count())
	assert.Equal(t, 0, tracker.CountByStream(stream))
	assert.Nil(t, tracker.GetBySessionIDStreamUserID(node,sessionID, stream, userID))
	assert.Empty(t, tracker.ListByStream(stream, true, true))
}

func TestTrackerUpdate(t *testing.T) {
	tracker, node, cleanup := trackerForTest(t, nil)
	defer cleanup()

	sessionID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())
	stream := PresenceStream{Mode: StreamModeStatus, Subject: userID}

	// Updating an untracked presence fails.
	assert.False(t, tracker.Update(context.Background(), sessionID, stream, userID, PresenceMeta{Status: "x"}))

	_, _ = tracker.Track(context.Background(), sessionID, stream, userID, PresenceMeta{Username: "a", Status: "old"})
	require.True(t, tracker.Update(context.Background(), sessionID, stream, userID, PresenceMeta{Username: "a", Status: "new"}))

	meta := tracker.GetBySessionIDStreamUserID(node,sessionID, stream, userID)
	require.NotNil(t, meta)
	assert.Equal(t, "new", meta.Status)
	assert.Equal(t, 1, tracker.Count())
}

func TestTrackerUntrackByStream(t *testing.T) {
	tracker, node, cleanup := trackerForTest(t, nil)
	defer cleanup()

	matchID := uuid.Must(uuid.NewV4())
	stream := PresenceStream{Mode: StreamModeMatchRelayed, Subject: matchID}
	otherStream := PresenceStream{Mode: StreamModeStatus, Subject: uuid.Must(uuid.NewV4())}

	var sessionIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		sessionID := uuid.Must(uuid.NewV4())
		sessionIDs = append(sessionIDs, sessionID)
		_, _ = tracker.Track(context.Background(), sessionID, stream, uuid.Must(uuid.NewV4()), PresenceMeta{})
	}
	otherUserID := uuid.Must(uuid.NewV4())
	_, _ = tracker.Track(context.Background(), sessionIDs[0], otherStream, otherUserID, PresenceMeta{})

	require.Equal(t, 3, tracker.CountByStream(stream))
	require.Equal(t, 4, tracker.Count())

	tracker.UntrackByStream(stream)

	assert.False(t, tracker.StreamExists(stream))
	assert.Equal(t, 0, tracker.CountByStream(stream))
	// Presences on other streams are left alone.
	assert.Equal(t, 1, tracker.Count())
	assert.NotNil(t, tracker.GetBySessionIDStreamUserID(node,sessionIDs[0], otherStream, otherUserID))
}

func TestTrackerUntrackAll(t *testing.T) {
	tracker, _, cleanup := trackerForTest(t, nil)
	defer cleanup()

	sessionID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())
	streams := []PresenceStream{
		{Mode: StreamModeStatus, Subject: userID},
		{Mode: StreamModeMatchRelayed, Subject: uuid.Must(uuid.NewV4())},
		{Mode: StreamModeNotifications, Subject: userID},
	}
	for _, stream := range streams {
		_, _ = tracker.Track(context.Background(), sessionID, stream, userID, PresenceMeta{})
	}
	require.Equal(t, 3, tracker.Count())

	tracker.UntrackAll(sessionID, runtime.PresenceReasonDisconnect)

	assert.Equal(t, 0, tracker.Count())
	for _, stream := range streams {
		assert.False(t, tracker.StreamExists(stream))
	}
}

func TestTrackerListByStreamHiddenFilter(t *testing.T) {
	tracker, _, cleanup := trackerForTest(t, nil)
	defer cleanup()

	subject := uuid.Must(uuid.NewV4())
	stream := PresenceStream{Mode: StreamModeStatus, Subject: subject}

	_, _ = tracker.Track(context.Background(), uuid.Must(uuid.NewV4()), stream, uuid.Must(uuid.NewV4()), PresenceMeta{Username: "visible"})
	_, _ = tracker.Track(context.Background(), uuid.Must(uuid.NewV4()), stream, uuid.Must(uuid.NewV4()), PresenceMeta{Username: "lurker", Hidden: true})

	visible := tracker.ListByStream(stream, false, true)
	require.Len(t, visible, 1)
	assert.Equal(t, "visible", visible[0].Meta.Username)

	hidden := tracker.ListByStream(stream, true, false)
	require.Len(t, hidden, 1)
	assert.Equal(t, "lurker", hidden[0].Meta.Username)

	assert.Len(t, tracker.ListByStream(stream, true, true), 2)
	assert.Len(t, tracker.ListPresenceIDByStream(stream), 2)
	assert.Len(t, tracker.ListLocalSessionIDByStream(stream), 2)
}

func TestTrackerCountByStreamModeFilter(t *testing.T) {
	tracker, _, cleanup := trackerForTest(t, nil)
	defer cleanup()

	matchStream := PresenceStream{Mode: StreamModeMatchRelayed, Subject: uuid.Must(uuid.NewV4())}
	statusStream := PresenceStream{Mode: StreamModeStatus, Subject: uuid.Must(uuid.NewV4())}

	_, _ = tracker.Track(context.Background(), uuid.Must(uuid.NewV4()), matchStream, uuid.Must(uuid.NewV4()), PresenceMeta{})
	_, _ = tracker.Track(context.Background(), uuid.Must(uuid.NewV4()), matchStream, uuid.Must(uuid.NewV4()), PresenceMeta{})
	_, _ = tracker.Track(context.Background(), uuid.Must(uuid.NewV4()), statusStream, uuid.Must(uuid.NewV4()), PresenceMeta{})

	mode := StreamModeMatchRelayed
	counts := tracker.CountByStreamModeFilter(map[uint8]*uint8{StreamModeMatchRelayed: &mode})
	require.Len(t, counts, 1)
	assert.Equal(t, int32(2), counts[matchStream])
}

func TestTrackerMatchJoinLeaveListeners(t *testing.T) {
	tracker, _, cleanup := trackerForTest(t, nil)
	defer cleanup()

	joinCh := make(chan []*MatchPresence, 1)
	leaveCh := make(chan []*MatchPresence, 1)
	tracker.SetMatchJoinListener(func(id uuid.UUID, joins []*MatchPresence) {
		joinCh <- joins
	})
	tracker.SetMatchLeaveListener(func(id uuid.UUID, leaves []*MatchPresence) {
		leaveCh <- leaves
	})

	matchID := uuid.Must(uuid.NewV4())
	stream := PresenceStream{Mode: StreamModeMatchAuthoritative, Subject: matchID}
	sessionID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())

	_, _ = tracker.Track(context.Background(), sessionID, stream, userID, PresenceMeta{Username: "a"})

	select {
	case joins := <-joinCh:
		require.Len(t, joins, 1)
		assert.Equal(t, userID, joins[0].UserID)
		assert.Equal(t, sessionID, joins[0].SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for match join event")
	}

	tracker.Untrack(sessionID, stream, userID)

	select {
	case leaves := <-leaveCh:
		require.Len(t, leaves, 1)
		assert.Equal(t, userID, leaves[0].UserID)
		assert.Equal(t, runtime.PresenceReasonLeave, leaves[0].Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for match leave event")
	}
}

func TestTrackerStatusPresenceEventDelivery(t *testing.T) {
	router := &streamEventRouter{}
	tracker, _, cleanup := trackerForTest(t, router)
	defer cleanup()

	userID := uuid.Must(uuid.NewV4())
	stream := PresenceStream{Mode: StreamModeStatus, Subject: userID}

	_, _ = tracker.Track(context.Background(), uuid.Must(uuid.NewV4()), stream, userID, PresenceMeta{Username: "a", Status: "here"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		envelopes := router.collected()
		if len(envelopes) > 0 {
			require.NotNil(t, envelopes[0].StatusPresenceEvent)
			require.Len(t, envelopes[0].StatusPresenceEvent.Joins, 1)
			assert.Equal(t, "here", envelopes[0].StatusPresenceEvent.Joins[0].Status)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for status presence event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
