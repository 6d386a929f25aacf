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
	"hash/fnv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	StreamModeNotifications uint8 = iota
	StreamModeStatus
	StreamModeMatchRelayed
	StreamModeMatchAuthoritative
)

// trackerPartitionCount stripes stream state so concurrent operations on
// unrelated streams do not contend on one lock. Must be a power of two.
const trackerPartitionCount = 32

type PresenceID struct {
	Node      string
	SessionID uuid.UUID
}

type PresenceStream struct {
	Mode       uint8
	Subject    uuid.UUID
	Subcontext uuid.UUID
	Label      string
}

type PresenceMeta struct {
	Hidden      bool
	Persistence bool
	Username    string
	Status      string
	Reason      runtime.PresenceReason
}

func (m *PresenceMeta) GetHidden() bool                       { return m.Hidden }
func (m *PresenceMeta) GetPersistence() bool                  { return m.Persistence }
func (m *PresenceMeta) GetUsername() string                   { return m.Username }
func (m *PresenceMeta) GetStatus() string                     { return m.Status }
func (m *PresenceMeta) GetReason() runtime.PresenceReason     { return m.Reason }

type Presence struct {
	ID     PresenceID
	Stream PresenceStream
	UserID uuid.UUID
	Meta   PresenceMeta
}

func (p *Presence) GetUserId() string                     { return p.UserID.String() }
func (p *Presence) GetSessionId() string                  { return p.ID.SessionID.String() }
func (p *Presence) GetNodeId() string                     { return p.ID.Node }
func (p *Presence) GetHidden() bool                       { return p.Meta.Hidden }
func (p *Presence) GetPersistence() bool                  { return p.Meta.Persistence }
func (p *Presence) GetUsername() string                   { return p.Meta.Username }
func (p *Presence) GetStatus() string                     { return p.Meta.Status }
func (p *Presence) GetReason() runtime.PresenceReason     { return p.Meta.Reason }

type presenceCompact struct {
	ID     PresenceID
	Stream PresenceStream
	UserID uuid.UUID
}

type PresenceEvent struct {
	Joins  []*Presence
	Leaves []*Presence

	QueueTime time.Time
}

type TrackerOp struct {
	Stream PresenceStream
	Meta   PresenceMeta
}

type Tracker interface {
	SetMatchJoinListener(func(id uuid.UUID, joins []*MatchPresence))
	SetMatchLeaveListener(func(id uuid.UUID, leaves []*MatchPresence))
	// SetRouter late-binds the message router, which is constructed after
	// the tracker at startup. Must be called before any sessions connect.
	SetRouter(router MessageRouter)
	Stop()

	// Track returns success true/false, and new presence true/false.
	Track(ctx context.Context, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID, meta PresenceMeta) (bool, bool)
	TrackMulti(ctx context.Context, sessionID uuid.UUID, ops []*TrackerOp, userID uuid.UUID) bool
	Untrack(sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID)
	UntrackMulti(sessionID uuid.UUID, streams []*PresenceStream, userID uuid.UUID)
	UntrackAll(sessionID uuid.UUID, reason runtime.PresenceReason)
	// Update upserts the presence meta. Fails only if the presence does not exist.
	Update(ctx context.Context, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID, meta PresenceMeta) bool

	// UntrackByStream removes all presences on a stream, effectively closing it.
	UntrackByStream(stream PresenceStream)

	// StreamExists checks if a stream has any presences.
	StreamExists(stream PresenceStream) bool
	// Count returns the current total number of presences.
	Count() int
	// CountByStream returns the number of presences in the given stream.
	CountByStream(stream PresenceStream) int
	// CountByStreamModeFilter returns presence counts for all streams with the given modes.
	CountByStreamModeFilter(modes map[uint8]*uint8) map[PresenceStream]int32
	// GetBySessionIDStreamUserID looks up a single presence.
	GetBySessionIDStreamUserID(node string, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID) *PresenceMeta
	// ListByStream lists presences by stream, optionally filtering hidden ones.
	ListByStream(stream PresenceStream, includeHidden bool, includeNotHidden bool) []*Presence

	// ListLocalSessionIDByStream is a fast lookup of session IDs for message delivery.
	ListLocalSessionIDByStream(stream PresenceStream) []uuid.UUID
	// ListPresenceIDByStream is a fast lookup of presence IDs for message delivery.
	ListPresenceIDByStream(stream PresenceStream) []*PresenceID
}

type trackerPartition struct {
	sync.RWMutex
	byStream map[PresenceStream]map[presenceCompact]*Presence
}

type sessionPartition struct {
	sync.RWMutex
	bySession map[uuid.UUID]map[presenceCompact]*Presence
}

type LocalTracker struct {
	logger             *zap.Logger
	matchJoinListener  func(id uuid.UUID, joins []*MatchPresence)
	matchLeaveListener func(id uuid.UUID, leaves []*MatchPresence)
	sessionRegistry    SessionRegistry
	metrics            Metrics
	router             MessageRouter
	name               string

	partitions [trackerPartitionCount]*trackerPartition
	sessions   [trackerPartitionCount]*sessionPartition
	count      *atomic.Int64

	eventsCh chan *PresenceEvent
	stopCh   chan struct{}
	stopped  *atomic.Bool
}

func StartLocalTracker(logger *zap.Logger, config Config, sessionRegistry SessionRegistry, metrics Metrics) Tracker {
	t := &LocalTracker{
		logger:          logger,
		sessionRegistry: sessionRegistry,
		metrics:         metrics,
		name:            config.GetName(),

		count: atomic.NewInt64(0),

		eventsCh: make(chan *PresenceEvent, config.GetTracker().EventQueueSize),
		stopCh:   make(chan struct{}),
		stopped:  atomic.NewBool(false),
	}
	for i := 0; i < trackerPartitionCount; i++ {
		t.partitions[i] = &trackerPartition{byStream: make(map[PresenceStream]map[presenceCompact]*Presence)}
		t.sessions[i] = &sessionPartition{bySession: make(map[uuid.UUID]map[presenceCompact]*Presence)}
	}

	go func() {
		for {
			select {
			case <-t.stopCh:
				return
			case e := <-t.eventsCh:
				dequeueTime := time.Now()
				t.processEvent(e)
				t.metrics.PresenceEvent(dequeueTime.Sub(e.QueueTime), time.Since(dequeueTime))
			}
		}
	}()

	return t
}

func (t *LocalTracker) SetRouter(router MessageRouter) {
	t.router = router
}

func (t *LocalTracker) SetMatchJoinListener(f func(id uuid.UUID, joins []*MatchPresence)) {
	t.matchJoinListener = f
}

func (t *LocalTracker) SetMatchLeaveListener(f func(id uuid.UUID, leaves []*MatchPresence)) {
	t.matchLeaveListener = f
}

func (t *LocalTracker) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
}

func (t *LocalTracker) partitionFor(stream PresenceStream) *trackerPartition {
	h := fnv.New32a()
	_, _ = h.Write([]byte{stream.Mode})
	_, _ = h.Write(stream.Subject.Bytes())
	_, _ = h.Write(stream.Subcontext.Bytes())
	_, _ = h.Write([]byte(stream.Label))
	return t.partitions[h.Sum32()&(trackerPartitionCount-1)]
}

func (t *LocalTracker) sessionPartitionFor(sessionID uuid.UUID) *sessionPartition {
	h := fnv.New32a()
	_, _ = h.Write(sessionID.Bytes())
	return t.sessions[h.Sum32()&(trackerPartitionCount-1)]
}

func (t *LocalTracker) Track(ctx context.Context, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID, meta PresenceMeta) (bool, bool) {
	if t.stopped.Load() {
		return false, false
	}

	pc := presenceCompact{ID: PresenceID{Node: t.name, SessionID: sessionID}, Stream: stream, UserID: userID}
	p := &Presence{ID: pc.ID, Stream: stream, UserID: userID, Meta: meta}

	sp := t.sessionPartitionFor(sessionID)
	sp.Lock()
	bySession, found := sp.bySession[sessionID]
	if !found {
		bySession = make(map[presenceCompact]*Presence)
		sp.bySession[sessionID] = bySession
	}
	if _, alreadyTracked := bySession[pc]; alreadyTracked {
		sp.Unlock()
		return true, false
	}
	bySession[pc] = p

	part := t.partitionFor(stream)
	part.Lock()
	byStream, found := part.byStream[stream]
	if !found {
		byStream = make(map[presenceCompact]*Presence)
		part.byStream[stream] = byStream
	}
	byStream[pc] = p
	part.Unlock()
	sp.Unlock()

	t.metrics.GaugePresences(float64(t.count.Inc()))
	t.queueEvent([]*Presence{p}, nil)
	return true, true
}

func (t *LocalTracker) TrackMulti(ctx context.Context, sessionID uuid.UUID, ops []*TrackerOp, userID uuid.UUID) bool {
	for _, op := range ops {
		if ok, _ := t.Track(ctx, sessionID, op.Stream, userID, op.Meta); !ok {
			return false
		}
	}
	return true
}

func (t *LocalTracker) Untrack(sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID) {
	pc := presenceCompact{ID: PresenceID{Node: t.name, SessionID: sessionID}, Stream: stream, UserID: userID}

	sp := t.sessionPartitionFor(sessionID)
	sp.Lock()
	bySession, found := sp.bySession[sessionID]
	if !found {
		sp.Unlock()
		return
	}
	p, tracked := bySession[pc]
	if !tracked {
		sp.Unlock()
		return
	}
	delete(bySession, pc)
	if len(bySession) == 0 {
		delete(sp.bySession, sessionID)
	}

	part := t.partitionFor(stream)
	part.Lock()
	if byStream, found := part.byStream[stream]; found {
		delete(byStream, pc)
		if len(byStream) == 0 {
			delete(part.byStream, stream)
		}
	}
	part.Unlock()
	sp.Unlock()

	t.metrics.GaugePresences(float64(t.count.Dec()))
	leave := &Presence{ID: pc.ID, Stream: stream, UserID: userID, Meta: p.Meta}
	leave.Meta.Reason = runtime.PresenceReasonLeave
	t.queueEvent(nil, []*Presence{leave})
}

func (t *LocalTracker) UntrackMulti(sessionID uuid.UUID, streams []*PresenceStream, userID uuid.UUID) {
	for _, stream := range streams {
		t.Untrack(sessionID, *stream, userID)
	}
}

func (t *LocalTracker) UntrackAll(sessionID uuid.UUID, reason runtime.PresenceReason) {
	sp := t.sessionPartitionFor(sessionID)
	sp.RLock()
	bySession := sp.bySession[sessionID]
	pcs := make([]presenceCompact, 0, len(bySession))
	for pc := range bySession {
		pcs = append(pcs, pc)
	}
	sp.RUnlock()

	for _, pc := range pcs {
		t.Untrack(sessionID, pc.Stream, pc.UserID)
	}
}

func (t *LocalTracker) Update(ctx context.Context, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID, meta PresenceMeta) bool {
	pc := presenceCompact{ID: PresenceID{Node: t.name, SessionID: sessionID}, Stream: stream, UserID: userID}
	p := &Presence{ID: pc.ID, Stream: stream, UserID: userID, Meta: meta}

	sp := t.sessionPartitionFor(sessionID)
	sp.Lock()
	bySession, found := sp.bySession[sessionID]
	if !found {
		sp.Unlock()
		return false
	}
	previous, tracked := bySession[pc]
	if !tracked {
		sp.Unlock()
		return false
	}
	bySession[pc] = p

	part := t.partitionFor(stream)
	part.Lock()
	if byStream, found := part.byStream[stream]; found {
		byStream[pc] = p
	}
	part.Unlock()
	sp.Unlock()

	leave := &Presence{ID: pc.ID, Stream: stream, UserID: userID, Meta: previous.Meta}
	leave.Meta.Reason = runtime.PresenceReasonUpdate
	t.queueEvent([]*Presence{p}, []*Presence{leave})
	return true
}

func (t *LocalTracker) UntrackByStream(stream PresenceStream) {
	part := t.partitionFor(stream)
	part.Lock()
	byStream := part.byStream[stream]
	leaves := make([]*Presence, 0, len(byStream))
	for _, p := range byStream {
		leaves = append(leaves, p)
	}
	delete(part.byStream, stream)
	part.Unlock()

	for _, p := range leaves {
		sp := t.sessionPartitionFor(p.ID.SessionID)
		sp.Lock()
		if bySession, found := sp.bySession[p.ID.SessionID]; found {
			delete(bySession, presenceCompact{ID: p.ID, Stream: stream, UserID: p.UserID})
			if len(bySession) == 0 {
				delete(sp.bySession, p.ID.SessionID)
			}
		}
		sp.Unlock()
	}

	if len(leaves) != 0 {
		t.metrics.GaugePresences(float64(t.count.Sub(int64(len(leaves)))))
		events := make([]*Presence, 0, len(leaves))
		for _, p := range leaves {
			leave := &Presence{ID: p.ID, Stream: stream, UserID: p.UserID, Meta: p.Meta}
			leave.Meta.Reason = runtime.PresenceReasonLeave
			events = append(events, leave)
		}
		t.queueEvent(nil, events)
	}
}

func (t *LocalTracker) StreamExists(stream PresenceStream) bool {
	part := t.partitionFor(stream)
	part.RLock()
	_, found := part.byStream[stream]
	part.RUnlock()
	return found
}

func (t *LocalTracker) Count() int {
	return int(t.count.Load())
}

func (t *LocalTracker) CountByStream(stream PresenceStream) int {
	part := t.partitionFor(stream)
	part.RLock()
	count := len(part.byStream[stream])
	part.RUnlock()
	return count
}

func (t *LocalTracker) CountByStreamModeFilter(modes map[uint8]*uint8) map[PresenceStream]int32 {
	counts := make(map[PresenceStream]int32, 10)
	for i := 0; i < trackerPartitionCount; i++ {
		part := t.partitions[i]
		part.RLock()
		for stream, byStream := range part.byStream {
			if modes[stream.Mode] == nil {
				continue
			}
			counts[stream] = int32(len(byStream))
		}
		part.RUnlock()
	}
	return counts
}

func (t *LocalTracker) GetBySessionIDStreamUserID(node string, sessionID uuid.UUID, stream PresenceStream, userID uuid.UUID) *PresenceMeta {
	pc := presenceCompact{ID: PresenceID{Node: node, SessionID: sessionID}, Stream: stream, UserID: userID}
	part := t.partitionFor(stream)
	part.RLock()
	p, found := part.byStream[stream][pc]
	part.RUnlock()
	if !found {
		return nil
	}
	meta := p.Meta
	return &meta
}

func (t *LocalTracker) ListByStream(stream PresenceStream, includeHidden bool, includeNotHidden bool) []*Presence {
	part := t.partitionFor(stream)
	part.RLock()
	byStream := part.byStream[stream]
	ps := make([]*Presence, 0, len(byStream))
	for _, p := range byStream {
		if (p.Meta.Hidden && includeHidden) || (!p.Meta.Hidden && includeNotHidden) {
			ps = append(ps, p)
		}
	}
	part.RUnlock()
	return ps
}

func (t *LocalTracker) ListLocalSessionIDByStream(stream PresenceStream) []uuid.UUID {
	part := t.partitionFor(stream)
	part.RLock()
	byStream := part.byStream[stream]
	ids := make([]uuid.UUID, 0, len(byStream))
	for pc := range byStream {
		ids = append(ids, pc.ID.SessionID)
	}
	part.RUnlock()
	return ids
}

func (t *LocalTracker) ListPresenceIDByStream(stream PresenceStream) []*PresenceID {
	part := t.partitionFor(stream)
	part.RLock()
	byStream := part.byStream[stream]
	ids := make([]*PresenceID, 0, len(byStream))
	for pc := range byStream {
		id := pc.ID
		ids = append(ids, &id)
	}
	part.RUnlock()
	return ids
}

func (t *LocalTracker) queueEvent(joins, leaves []*Presence) {
	select {
	case t.eventsCh <- &PresenceEvent{Joins: joins, Leaves: leaves, QueueTime: time.Now()}:
	default:
		// Queue is full, drop the event to avoid blocking callers.
		t.metrics.CountDroppedEvents(1)
		t.logger.Warn("Presence event dispatch queue is full, presence event dropped")
	}
}

func (t *LocalTracker) processEvent(e *PresenceEvent) {
	if t.logger.Core().Enabled(zap.DebugLevel) {
		t.logger.Debug("Processing presence event", zap.Int("joins", len(e.Joins)), zap.Int("leaves", len(e.Leaves)))
	}

	// Group joins and leaves by stream to bundle delivery per stream.
	streamJoins := make(map[PresenceStream][]*Presence)
	streamLeaves := make(map[PresenceStream][]*Presence)
	for _, p := range e.Joins {
		streamJoins[p.Stream] = append(streamJoins[p.Stream], p)
	}
	for _, p := range e.Leaves {
		streamLeaves[p.Stream] = append(streamLeaves[p.Stream], p)
	}

	// Notify match handlers about their join and leave events.
	for stream, joins := range streamJoins {
		if stream.Mode == StreamModeMatchAuthoritative && t.matchJoinListener != nil {
			t.matchJoinListener(stream.Subject, matchPresencesFrom(joins))
		}
	}
	for stream, leaves := range streamLeaves {
		if stream.Mode == StreamModeMatchAuthoritative && t.matchLeaveListener != nil {
			t.matchLeaveListener(stream.Subject, matchPresencesFrom(leaves))
		}
	}

	// Deliver presence events to everyone on the affected streams.
	streams := make(map[PresenceStream]struct{}, len(streamJoins)+len(streamLeaves))
	for stream := range streamJoins {
		streams[stream] = struct{}{}
	}
	for stream := range streamLeaves {
		streams[stream] = struct{}{}
	}

	for stream := range streams {
		joins := userPresencesFrom(streamJoins[stream], false)
		leaves := userPresencesFrom(streamLeaves[stream], false)
		if len(joins) == 0 && len(leaves) == 0 {
			continue
		}

		var envelope *rtapi.Envelope
		switch stream.Mode {
		case StreamModeMatchRelayed, StreamModeMatchAuthoritative:
			envelope = &rtapi.Envelope{MatchPresenceEvent: &rtapi.MatchPresenceEvent{
				MatchId: stream.Subject.String(),
				Joins:   joins,
				Leaves:  leaves,
			}}
		case StreamModeStatus:
			envelope = &rtapi.Envelope{StatusPresenceEvent: &rtapi.StatusPresenceEvent{
				Joins:  joins,
				Leaves: leaves,
			}}
		default:
			envelope = &rtapi.Envelope{StreamPresenceEvent: &rtapi.StreamPresenceEvent{
				Stream: &rtapi.Stream{
					Mode:       int32(stream.Mode),
					Subject:    uuidToStringOrEmpty(stream.Subject),
					Subcontext: uuidToStringOrEmpty(stream.Subcontext),
					Label:      stream.Label,
				},
				Joins:  joins,
				Leaves: leaves,
			}}
		}
		t.router.SendToStream(t.logger, stream, envelope, true)
	}
}

func matchPresencesFrom(presences []*Presence) []*MatchPresence {
	mps := make([]*MatchPresence, 0, len(presences))
	for _, p := range presences {
		mps = append(mps, &MatchPresence{
			Node:      p.ID.Node,
			UserID:    p.UserID,
			SessionID: p.ID.SessionID,
			Username:  p.Meta.Username,
			Reason:    p.Meta.Reason,
		})
	}
	return mps
}

func userPresencesFrom(presences []*Presence, includeHidden bool) []*rtapi.UserPresence {
	ups := make([]*rtapi.UserPresence, 0, len(presences))
	for _, p := range presences {
		if p.Meta.Hidden && !includeHidden {
			continue
		}
		ups = append(ups, &rtapi.UserPresence{
			UserId:      p.UserID.String(),
			SessionId:   p.ID.SessionID.String(),
			Username:    p.Meta.Username,
			Persistence: p.Meta.Persistence,
			Status:      p.Meta.Status,
		})
	}
	return ups
}

func uuidToStringOrEmpty(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
