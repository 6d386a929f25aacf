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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinTestMatch(t *testing.T, matchRegistry *LocalMatchRegistry, matchID uuid.UUID, userID, sessionID uuid.UUID) {
	found, allow, _, _, _, _ := matchRegistry.JoinAttempt(context.Background(), matchID, "node",
		userID, sessionID, "player", time.Now().Add(time.Hour).Unix(), nil, "127.0.0.1", "0", "node", nil)
	require.True(t, found)
	require.True(t, allow)
}

func waitForMatchSize(t *testing.T, matchRegistry *LocalMatchRegistry, matchID string, size int32) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		match, _, err := matchRegistry.GetMatch(context.Background(), matchID)
		require.NoError(t, err)
		require.NotNil(t, match)
		if match.Size == size {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for match size %v, have %v", size, match.Size)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMatchHandlerTickRateAndState(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, createFn := createTestMatchRegistry(t, logger, nil)
	defer matchRegistry.Stop(0)

	matchID, err := matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"tick_rate": 10})
	require.NoError(t, err)
	id := uuid.FromStringOrNil(strings.TrimSuffix(matchID, ".node"))

	userID := uuid.Must(uuid.NewV4())
	sessionID := uuid.Must(uuid.NewV4())
	joinTestMatch(t, matchRegistry, id, userID, sessionID)
	waitForMatchSize(t, matchRegistry, matchID, 1)

	receiveTime := time.Now().UTC().UnixNano() / int64(time.Millisecond)
	for i := 0; i < 3; i++ {
		matchRegistry.SendData(id, "node", userID, sessionID, "player", "node", 5, []byte("input"), true, receiveTime)
	}

	// At 10 ticks per second the loop runs every 100ms, picks up the queued
	// inputs and accumulates them into the state.
	deadline := time.Now().Add(5 * time.Second)
	for {
		presences, tick, state, err := matchRegistry.GetState(context.Background(), id, "node")
		require.NoError(t, err)
		if tick >= 10 && strings.Contains(state, "score:3") {
			assert.Len(t, presences, 1)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for ticks and state, tick %v state %q", tick, state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMatchHandlerConcurrentInput(t *testing.T) {
	logger := loggerForTest(t)

	var mu sync.Mutex
	echoed := 0
	router := &testMessageRouter{sendToPresence: func(presences []*PresenceID, envelope *rtapi.Envelope) {
		if envelope.MatchData != nil {
			mu.Lock()
			echoed++
			mu.Unlock()
		}
	}}
	matchRegistry, createFn := createTestMatchRegistry(t, logger, router)
	defer matchRegistry.Stop(0)

	matchID, err := matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"tick_rate": 10})
	require.NoError(t, err)
	id := uuid.FromStringOrNil(strings.TrimSuffix(matchID, ".node"))

	// Join several users concurrently, then have each of them queue data
	// concurrently. The match goroutine serializes all of it, so every input
	// is processed and echoed exactly once.
	const users = 4
	const messagesPerUser = 5

	type member struct {
		userID    uuid.UUID
		sessionID uuid.UUID
	}
	members := make([]member, users)
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		members[i] = member{uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())}
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			found, allow, _, _, _, _ := matchRegistry.JoinAttempt(context.Background(), id, "node",
				m.userID, m.sessionID, "player", time.Now().Add(time.Hour).Unix(), nil, "127.0.0.1", "0", "node", nil)
			assert.True(t, found)
			assert.True(t, allow)
		}(members[i])
	}
	wg.Wait()
	waitForMatchSize(t, matchRegistry, matchID, users)

	receiveTime := time.Now().UTC().UnixNano() / int64(time.Millisecond)
	for _, m := range members {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			for i := 0; i < messagesPerUser; i++ {
				matchRegistry.SendData(id, "node", m.userID, m.sessionID, "player", "node", 5, []byte("input"), true, receiveTime)
			}
		}(m)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		count := echoed
		mu.Unlock()
		if count == users*messagesPerUser {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for echoes, have %v", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, _, state, err := matchRegistry.GetState(context.Background(), id, "node")
	require.NoError(t, err)
	assert.Contains(t, state, "score:20")
}
