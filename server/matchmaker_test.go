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

// matchmakerMessage records the per-recipient envelope fields at send time,
// since the matchmaker reuses one envelope across recipients.
type matchmakerMessage struct {
	sessionID uuid.UUID
	ticket    string
	token     string
	matchID   string
	expired   string
}

type matchmakerMessageCollector struct {
	sync.Mutex
	messages []matchmakerMessage
}

func (c *matchmakerMessageCollector) collect(presences []*PresenceID, envelope *rtapi.Envelope) {
	c.Lock()
	defer c.Unlock()
	for _, presence := range presences {
		message := matchmakerMessage{sessionID: presence.SessionID}
		if matched := envelope.MatchmakerMatched; matched != nil {
			message.ticket = matched.Ticket
			message.token = matched.Token
			message.matchID = matched.MatchId
		}
		if expired := envelope.MatchmakerExpired; expired != nil {
			message.expired = expired.Ticket
		}
		c.messages = append(c.messages, message)
	}
}

func (c *matchmakerMessageCollector) collected() []matchmakerMessage {
	c.Lock()
	defer c.Unlock()
	out := make([]matchmakerMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func createTestMatchmaker(t fatalable, logger *zap.Logger, tweak func(cfg *MatchmakerConfig), collector *matchmakerMessageCollector, initModules ...RuntimeInitModuleFunction) (*LocalMatchmaker, func()) {
	cfg := NewConfig(logger)
	if tweak != nil {
		tweak(cfg.GetMatchmaker())
	}

	router := &testMessageRouter{}
	if collector != nil {
		router.sendToPresence = collector.collect
	}

	rt, err := NewRuntime(context.Background(), logger, logger, nil, cfg, "1.0.0",
		nil, nil, router, NewMatchProvider(), initModules...)
	if err != nil {
		t.Fatal(err)
	}

	m := NewLocalMatchmaker(logger, logger, cfg, router, &testMetrics{}, rt)
	return m.(*LocalMatchmaker), m.Stop
}

func matchmakerPresence(username string) (*MatchmakerPresence, string) {
	sessionID := uuid.Must(uuid.NewV4())
	return &MatchmakerPresence{
		UserId:    uuid.Must(uuid.NewV4()).String(),
		SessionId: sessionID.String(),
		Username:  username,
		Node:      "node",
		SessionID: sessionID,
	}, sessionID.String()
}

func TestMatchmakerAddAndMatch(t *testing.T) {
	logger := loggerForTest(t)
	collector := &matchmakerMessageCollector{}
	m, cleanup := createTestMatchmaker(t, logger, nil, collector)
	defer cleanup()

	p1, s1 := matchmakerPresence("a")
	p2, s2 := matchmakerPresence("b")

	ticket1, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, ticket1)
	ticket2, _, err := m.Add(context.Background(), []*MatchmakerPresence{p2}, s2, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	m.Process()

	messages := collector.collected()
	require.Len(t, messages, 2)
	byTicket := make(map[string]matchmakerMessage, 2)
	for _, message := range messages {
		require.NotEmpty(t, message.token, "matched users must receive a join token")
		assert.Empty(t, message.matchID)
		byTicket[message.ticket] = message
	}
	require.Contains(t, byTicket, ticket1)
	require.Contains(t, byTicket, ticket2)
	assert.Equal(t, p1.SessionID, byTicket[ticket1].sessionID)
	assert.Equal(t, p2.SessionID, byTicket[ticket2].sessionID)
}

func TestMatchmakerMatchedHookMatchId(t *testing.T) {
	logger := loggerForTest(t)
	collector := &matchmakerMessageCollector{}
	matchID := uuid.Must(uuid.NewV4()).String() + ".node"
	m, cleanup := createTestMatchmaker(t, logger, nil, collector,
		func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
			return initializer.RegisterMatchmakerMatched(func(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, entries []runtime.MatchmakerEntry) (string, error) {
				return matchID, nil
			})
		})
	defer cleanup()

	p1, s1 := matchmakerPresence("a")
	p2, s2 := matchmakerPresence("b")
	_, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)
	_, _, err = m.Add(context.Background(), []*MatchmakerPresence{p2}, s2, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	m.Process()

	messages := collector.collected()
	require.Len(t, messages, 2)
	for _, message := range messages {
		assert.Equal(t, matchID, message.matchID)
		assert.Empty(t, message.token)
	}
}

func TestMatchmakerMatchedEntriesCallback(t *testing.T) {
	logger := loggerForTest(t)
	m, cleanup := createTestMatchmaker(t, logger, nil, nil)
	defer cleanup()

	matchedCh := make(chan [][]*MatchmakerEntry, 1)
	m.OnMatchedEntries(func(entries [][]*MatchmakerEntry) {
		matchedCh <- entries
	})

	p1, s1 := matchmakerPresence("a")
	p2, s2 := matchmakerPresence("b")
	_, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)
	_, _, err = m.Add(context.Background(), []*MatchmakerPresence{p2}, s2, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	m.Process()

	select {
	case entries := <-matchedCh:
		require.Len(t, entries, 1)
		assert.Len(t, entries[0], 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for matched entries callback")
	}
}

func TestMatchmakerTicketExpiry(t *testing.T) {
	logger := loggerForTest(t)
	collector := &matchmakerMessageCollector{}
	m, cleanup := createTestMatchmaker(t, logger, func(cfg *MatchmakerConfig) {
		cfg.MaxIntervals = 1
	}, collector)
	defer cleanup()

	p1, s1 := matchmakerPresence("a")
	ticket, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	m.Process()

	messages := collector.collected()
	require.Len(t, messages, 1)
	assert.Equal(t, ticket, messages[0].expired)
	assert.Equal(t, p1.SessionID, messages[0].sessionID)

	// The expired ticket is fully evicted, repeated processing must not
	// notify again.
	m.Process()
	assert.Len(t, collector.collected(), 1)

	// The evicted ticket can no longer be removed by its owner.
	err = m.RemoveSession(s1, ticket)
	assert.Equal(t, runtime.ErrMatchmakerTicketNotFound, err)
}

func TestMatchmakerExpiredTicketsDoNotMatch(t *testing.T) {
	logger := loggerForTest(t)
	collector := &matchmakerMessageCollector{}
	m, cleanup := createTestMatchmaker(t, logger, func(cfg *MatchmakerConfig) {
		cfg.MaxIntervals = 1
	}, collector)
	defer cleanup()

	p1, s1 := matchmakerPresence("a")
	_, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	// First pass expires and evicts the only ticket.
	m.Process()

	// A new ticket arriving afterwards must not see the expired one.
	p2, s2 := matchmakerPresence("b")
	_, _, err = m.Add(context.Background(), []*MatchmakerPresence{p2}, s2, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	m.Process()

	expired := 0
	matched := 0
	for _, message := range collector.collected() {
		if message.expired != "" {
			expired++
		}
		if message.token != "" || message.matchID != "" {
			matched++
		}
	}
	assert.Equal(t, 2, expired)
	assert.Equal(t, 0, matched)
}

func TestMatchmakerAddDuplicateSession(t *testing.T) {
	logger := loggerForTest(t)
	m, cleanup := createTestMatchmaker(t, logger, nil, nil)
	defer cleanup()

	p1, s1 := matchmakerPresence("a")
	_, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1, p1}, s1, "", "*", 2, 2, 1, nil, nil)
	assert.Equal(t, runtime.ErrMatchmakerDuplicateSession, err)
}

func TestMatchmakerAddMaxTickets(t *testing.T) {
	logger := loggerForTest(t)
	m, cleanup := createTestMatchmaker(t, logger, func(cfg *MatchmakerConfig) {
		cfg.MaxTickets = 1
	}, nil)
	defer cleanup()

	p1, s1 := matchmakerPresence("a")
	_, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 4, 1, nil, nil)
	require.NoError(t, err)
	_, _, err = m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 4, 1, nil, nil)
	assert.Equal(t, runtime.ErrMatchmakerTooManyTickets, err)
}

func TestMatchmakerRemoveSession(t *testing.T) {
	logger := loggerForTest(t)
	collector := &matchmakerMessageCollector{}
	m, cleanup := createTestMatchmaker(t, logger, nil, collector)
	defer cleanup()

	p1, s1 := matchmakerPresence("a")
	ticket, _, err := m.Add(context.Background(), []*MatchmakerPresence{p1}, s1, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	// Only the ticket owner may remove it.
	err = m.RemoveSession("some-other-session", ticket)
	assert.Equal(t, runtime.ErrMatchmakerTicketNotFound, err)

	require.NoError(t, m.RemoveSession(s1, ticket))

	// A removed ticket must not match a later arrival.
	p2, s2 := matchmakerPresence("b")
	_, _, err = m.Add(context.Background(), []*MatchmakerPresence{p2}, s2, "", "*", 2, 2, 1, nil, nil)
	require.NoError(t, err)

	m.Process()

	for _, message := range collector.collected() {
		assert.Empty(t, message.token)
		assert.Empty(t, message.matchID)
	}
}
