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

func TestMatchRegistryCreateAndGetMatch(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, createFn := createTestMatchRegistry(t, logger, nil)
	defer matchRegistry.Stop(0)

	matchID, err := matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"label": "test-label"})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(matchID, ".node"))
	assert.Equal(t, 1, matchRegistry.Count())

	match, node, err := matchRegistry.GetMatch(context.Background(), matchID)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "node", node)
	assert.Equal(t, matchID, match.MatchId)
	assert.True(t, match.Authoritative)
	assert.Equal(t, "test-label", match.Label)
	assert.Equal(t, int32(0), match.Size)
}

func TestMatchRegistryGetMatchInvalidId(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, _ := createTestMatchRegistry(t, logger, nil)
	defer matchRegistry.Stop(0)

	_, _, err := matchRegistry.GetMatch(context.Background(), "not-a-match-id")
	require.Error(t, err)

	// A valid but unknown authoritative match ID is not an error, just absent.
	match, _, err := matchRegistry.GetMatch(context.Background(), uuid.Must(uuid.NewV4()).String()+".node")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestMatchRegistryListMatchesByLabel(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, createFn := createTestMatchRegistry(t, logger, nil)
	defer matchRegistry.Stop(0)

	idA, err := matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"label": "lobby"})
	require.NoError(t, err)
	_, err = matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"label": "arena"})
	require.NoError(t, err)

	authoritative := true
	label := "lobby"
	matches, err := matchRegistry.ListMatches(context.Background(), 10, &authoritative, &label, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, idA, matches[0].MatchId)
	assert.Equal(t, "lobby", matches[0].Label)
	assert.True(t, matches[0].Authoritative)
}

func TestMatchRegistryListMatchesByQuery(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, createFn := createTestMatchRegistry(t, logger, nil)
	defer matchRegistry.Stop(0)

	idOpen, err := matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"label": `{"mode":"duel","open":1}`})
	require.NoError(t, err)
	_, err = matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"label": `{"mode":"duel","open":0}`})
	require.NoError(t, err)

	query := "+label.open:1 +label.mode:duel"
	matches, err := matchRegistry.ListMatches(context.Background(), 10, nil, nil, nil, nil, &query)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, idOpen, matches[0].MatchId)
}

func TestMatchRegistryListMatchesBySize(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, createFn := createTestMatchRegistry(t, logger, nil)
	defer matchRegistry.Stop(0)

	_, err := matchRegistry.CreateMatch(context.Background(), createFn, "match",
		map[string]interface{}{"label": "empty"})
	require.NoError(t, err)

	minSize := 1
	matches, err := matchRegistry.ListMatches(context.Background(), 10, nil, nil, &minSize, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)

	maxSize := 0
	matches, err = matchRegistry.ListMatches(context.Background(), 10, nil, nil, nil, &maxSize, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMatchRegistrySignal(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, createFn := createTestMatchRegistry(t, logger, nil)
	defer matchRegistry.Stop(0)

	matchID, err := matchRegistry.CreateMatch(context.Background(), createFn, "match", nil)
	require.NoError(t, err)

	result, err := matchRegistry.Signal(context.Background(), matchID, "ping")
	require.NoError(t, err)
	assert.Equal(t, "signal received: ping", result)
}

func TestMatchRegistryJoinAttemptAndDataBroadcast(t *testing.T) {
	logger := loggerForTest(t)

	var mu sync.Mutex
	var received []*rtapi.Envelope
	router := &testMessageRouter{sendToPresence: func(presences []*PresenceID, envelope *rtapi.Envelope) {
		mu.Lock()
		received = append(received, envelope)
		mu.Unlock()
	}}
	matchRegistry, createFn := createTestMatchRegistry(t, logger, router)
	defer matchRegistry.Stop(0)

	matchID, err := matchRegistry.CreateMatch(context.Background(), createFn, "match", nil)
	require.NoError(t, err)
	id := uuid.FromStringOrNil(strings.TrimSuffix(matchID, ".node"))
	require.NotEqual(t, uuid.Nil, id)

	userID := uuid.Must(uuid.NewV4())
	sessionID := uuid.Must(uuid.NewV4())

	found, allow, isNew, reason, _, _ := matchRegistry.JoinAttempt(context.Background(), id, "node",
		userID, sessionID, "player", time.Now().Add(time.Hour).Unix(), nil, "127.0.0.1", "0", "node", nil)
	require.True(t, found)
	require.True(t, allow)
	require.True(t, isNew)
	assert.Empty(t, reason)

	// Wait for the queued join to land in the presence list.
	deadline := time.Now().Add(5 * time.Second)
	for {
		match, _, err := matchRegistry.GetMatch(context.Background(), matchID)
		require.NoError(t, err)
		require.NotNil(t, match)
		if match.Size == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for join to be processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A repeated attempt by the same session is accepted but not new.
	found, allow, isNew, _, _, _ = matchRegistry.JoinAttempt(context.Background(), id, "node",
		userID, sessionID, "player", time.Now().Add(time.Hour).Unix(), nil, "127.0.0.1", "0", "node", nil)
	require.True(t, found)
	require.True(t, allow)
	assert.False(t, isNew)

	// The test match loop echoes received data back to the sender.
	matchRegistry.SendData(id, "node", userID, sessionID, "player", "node", 5, []byte("hello"), true,
		time.Now().UTC().UnixNano()/int64(time.Millisecond))

	deadline = time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		var echoed *rtapi.MatchData
		for _, envelope := range received {
			if envelope.MatchData != nil {
				echoed = envelope.MatchData
			}
		}
		mu.Unlock()
		if echoed != nil {
			assert.Equal(t, matchID, echoed.MatchId)
			assert.Equal(t, int64(1), echoed.OpCode)
			assert.Equal(t, []byte("hello"), echoed.Data)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for match data echo")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMatchRegistryStopClosesMatches(t *testing.T) {
	logger := loggerForTest(t)
	matchRegistry, createFn := createTestMatchRegistry(t, logger, nil)

	_, err := matchRegistry.CreateMatch(context.Background(), createFn, "match", nil)
	require.NoError(t, err)
	require.Equal(t, 1, matchRegistry.Count())

	select {
	case <-matchRegistry.Stop(0):
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for match registry to stop")
	}
	assert.Equal(t, 0, matchRegistry.Count())
}
