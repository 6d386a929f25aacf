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
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/runtime"
	"go.uber.org/atomic"
)

// MatchPresence is a presence inside an authoritative match.
type MatchPresence struct {
	Node      string
	UserID    uuid.UUID
	SessionID uuid.UUID
	Username  string
	Reason    runtime.PresenceReason
}

func (p *MatchPresence) GetUserId() string                 { return p.UserID.String() }
func (p *MatchPresence) GetSessionId() string              { return p.SessionID.String() }
func (p *MatchPresence) GetNodeId() string                 { return p.Node }
func (p *MatchPresence) GetHidden() bool                   { return false }
func (p *MatchPresence) GetPersistence() bool              { return false }
func (p *MatchPresence) GetUsername() string               { return p.Username }
func (p *MatchPresence) GetStatus() string                 { return "" }
func (p *MatchPresence) GetReason() runtime.PresenceReason { return p.Reason }

// MatchPresenceList maintains the match's authoritative presence list with
// lock-free read access snapshots.
type MatchPresenceList struct {
	sync.RWMutex
	size           *atomic.Int32
	presences      *atomic.Value
	presenceMap    map[uuid.UUID]string
	presencesRead  *atomic.Value
	presenceIDs    *atomic.Value
}

func NewMatchPresenceList() *MatchPresenceList {
	m := &MatchPresenceList{
		size:          atomic.NewInt32(0),
		presences:     &atomic.Value{},
		presenceMap:   make(map[uuid.UUID]string, 10),
		presencesRead: &atomic.Value{},
		presenceIDs:   &atomic.Value{},
	}
	m.presences.Store(make([]*MatchPresenceListItem, 0, 10))
	m.presencesRead.Store(make([]runtime.Presence, 0, 10))
	m.presenceIDs.Store(make([]*PresenceID, 0, 10))
	return m
}

type MatchPresenceListItem struct {
	PresenceID *PresenceID
	Presence   *MatchPresence
}

// Join adds the given presences and returns the ones that were not already
// in the list.
func (m *MatchPresenceList) Join(joins []*MatchPresence) []*MatchPresence {
	processed := make([]*MatchPresence, 0, len(joins))
	m.Lock()
	presences := m.presences.Load().([]*MatchPresenceListItem)
	for _, join := range joins {
		if _, ok := m.presenceMap[join.SessionID]; !ok {
			presences = append(presences, &MatchPresenceListItem{
				PresenceID: &PresenceID{
					Node:      join.Node,
					SessionID: join.SessionID,
				},
				Presence: join,
			})
			m.presenceMap[join.SessionID] = join.Node
			processed = append(processed, join)
		}
	}
	if len(processed) != 0 {
		m.presences.Store(presences)
		m.storeReadSnapshots(presences)
		m.size.Add(int32(len(processed)))
	}
	m.Unlock()
	return processed
}

// Leave removes the given presences and returns the ones that were
// actually in the list.
func (m *MatchPresenceList) Leave(leaves []*MatchPresence) []*MatchPresence {
	processed := make([]*MatchPresence, 0, len(leaves))
	m.Lock()
	presences := m.presences.Load().([]*MatchPresenceListItem)
	for _, leave := range leaves {
		if _, ok := m.presenceMap[leave.SessionID]; ok {
			for i, presence := range presences {
				if presence.Presence.SessionID == leave.SessionID && presence.Presence.Node == leave.Node {
					presences = append(presences[:i], presences[i+1:]...)
					break
				}
			}
			delete(m.presenceMap, leave.SessionID)
			processed = append(processed, leave)
		}
	}
	if len(processed) != 0 {
		m.presences.Store(presences)
		m.storeReadSnapshots(presences)
		m.size.Sub(int32(len(processed)))
	}
	m.Unlock()
	return processed
}

func (m *MatchPresenceList) storeReadSnapshots(presences []*MatchPresenceListItem) {
	presencesRead := make([]runtime.Presence, 0, len(presences))
	presenceIDs := make([]*PresenceID, 0, len(presences))
	for _, presence := range presences {
		presencesRead = append(presencesRead, presence.Presence)
		presenceIDs = append(presenceIDs, presence.PresenceID)
	}
	m.presencesRead.Store(presencesRead)
	m.presenceIDs.Store(presenceIDs)
}

func (m *MatchPresenceList) Contains(presence *PresenceID) bool {
	m.RLock()
	node, ok := m.presenceMap[presence.SessionID]
	m.RUnlock()
	return ok && node == presence.Node
}

func (m *MatchPresenceList) ListPresences() []*MatchPresence {
	m.RLock()
	items := m.presences.Load().([]*MatchPresenceListItem)
	presences := make([]*MatchPresence, 0, len(items))
	for _, item := range items {
		presences = append(presences, item.Presence)
	}
	m.RUnlock()
	return presences
}

func (m *MatchPresenceList) ListRuntimePresences() []runtime.Presence {
	return m.presencesRead.Load().([]runtime.Presence)
}

func (m *MatchPresenceList) ListPresenceIDs() []*PresenceID {
	return m.presenceIDs.Load().([]*PresenceID)
}

// FilterPresenceIDs returns the subset of the given presence IDs that are
// in the match.
func (m *MatchPresenceList) FilterPresenceIDs(ids []*PresenceID) []*PresenceID {
	filtered := make([]*PresenceID, 0, len(ids))
	m.RLock()
	for _, id := range ids {
		if node, ok := m.presenceMap[id.SessionID]; ok && node == id.Node {
			filtered = append(filtered, id)
		}
	}
	m.RUnlock()
	return filtered
}

func (m *MatchPresenceList) Size() int {
	return int(m.size.Load())
}

// MatchJoinMarkerList tracks join attempts that were accepted by the match
// handler but not yet fully completed by their clients.
type MatchJoinMarkerList struct {
	sync.RWMutex
	expiryDelaySec int64
	joinMarkers    map[uuid.UUID]*MatchJoinMarker
}

type MatchJoinMarker struct {
	presence   *MatchPresence
	expiryTick int64
}

func NewMatchJoinMarkerList(config Config, tickRate int64) *MatchJoinMarkerList {
	return &MatchJoinMarkerList{
		expiryDelaySec: int64(config.GetMatch().JoinMarkerDeadlineMs) / 1000 * tickRate,
		joinMarkers:    make(map[uuid.UUID]*MatchJoinMarker),
	}
}

func (m *MatchJoinMarkerList) Add(presence *MatchPresence, currentTick int64) {
	m.Lock()
	m.joinMarkers[presence.SessionID] = &MatchJoinMarker{
		presence:   presence,
		expiryTick: currentTick + m.expiryDelaySec,
	}
	m.Unlock()
}

func (m *MatchJoinMarkerList) Mark(sessionID uuid.UUID) {
	m.Lock()
	delete(m.joinMarkers, sessionID)
	m.Unlock()
}

// ClearExpired removes and returns join markers whose deadline passed
// before the join completed.
func (m *MatchJoinMarkerList) ClearExpired(tick int64) []*MatchPresence {
	presences := make([]*MatchPresence, 0, 1)
	m.Lock()
	for sessionID, joinMarker := range m.joinMarkers {
		if joinMarker.expiryTick <= tick {
			presences = append(presences, joinMarker.presence)
			delete(m.joinMarkers, sessionID)
		}
	}
	m.Unlock()
	return presences
}
