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
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

func init() {
	// Ensure gob can deal with typical types that might be used in match parameters.
	gob.Register(map[string]interface{}(nil))
	gob.Register([]interface{}(nil))
	gob.Register([]runtime.MatchmakerEntry(nil))
	gob.Register(&MatchmakerEntry{})
	gob.Register([]runtime.Presence(nil))
	gob.Register(&MatchPresence{})
}

var (
	MatchFilterValue   = uint8(0)
	MatchFilterPtr     = &MatchFilterValue
	MatchFilterRelayed = map[uint8]*uint8{StreamModeMatchRelayed: MatchFilterPtr}

	MatchLabelMaxBytes = 2048
)

type RuntimeMatchDeferMessageFunction func(msg *DeferredMessage) error

// RuntimeMatchCore is the server-side surface of a hosted match handler.
type RuntimeMatchCore interface {
	MatchInit(presenceList *MatchPresenceList, deferMessageFn RuntimeMatchDeferMessageFunction, params map[string]interface{}) (interface{}, int, error)
	MatchJoinAttempt(tick int64, state interface{}, userID, sessionID uuid.UUID, username string, sessionExpiry int64, vars map[string]string, clientIP, clientPort, node string, metadata map[string]string) (interface{}, bool, string, error)
	MatchJoin(tick int64, state interface{}, joins []*MatchPresence) (interface{}, error)
	MatchLeave(tick int64, state interface{}, leaves []*MatchPresence) (interface{}, error)
	MatchLoop(tick int64, state interface{}, inputCh <-chan *MatchDataMessage) (interface{}, error)
	MatchTerminate(tick int64, state interface{}, graceSeconds int) (interface{}, error)
	MatchSignal(tick int64, state interface{}, data string) (interface{}, string, error)
	GetState(state interface{}) (string, error)
	Label() string
	TickRate() int
	HandlerName() string
	CreateTime() int64
	Cancel()
	Cleanup()
}

type MatchIndexEntry struct {
	Node        string                 `json:"node"`
	Label       map[string]interface{} `json:"label"`
	TickRate    int                    `json:"tick_rate"`
	HandlerName string                 `json:"handler_name"`
	LabelString string                 `json:"label_string"`
	CreateTime  int64                  `json:"create_time"`
}

type MatchJoinAttemptResult struct {
	Allow  bool
	Reason string
	Label  string
}

type MatchSignalResult struct {
	Success bool
	Result  string
}

type MatchGetStateResult struct {
	Error     error
	Presences []*MatchPresence
	Tick      int64
	State     string
}

type MatchRegistry interface {
	// CreateMatch creates and starts a new match from a registered match handler.
	CreateMatch(ctx context.Context, createFn RuntimeMatchCreateFunction, module string, params map[string]interface{}) (string, error)
	// NewMatch registers and initialises a match that's ready to run.
	NewMatch(logger *zap.Logger, id uuid.UUID, core RuntimeMatchCore, stopped *atomic.Bool, params map[string]interface{}) (*MatchHandler, error)
	// GetMatch returns a match by ID.
	GetMatch(ctx context.Context, id string) (*rtapi.Match, string, error)
	// RemoveMatch removes a tracked match and ensures all its presences are cleaned up.
	// Does not ensure the match process itself is no longer running, that must be handled separately.
	RemoveMatch(id uuid.UUID, stream PresenceStream)
	// UpdateMatchLabel queues an update to the label entry for a given match.
	UpdateMatchLabel(id uuid.UUID, tickRate int, handlerName, label string, createTime int64) error
	// ListMatches lists (and optionally filters) currently running matches.
	// This can list across both authoritative and relayed matches.
	ListMatches(ctx context.Context, limit int, authoritative *bool, label *string, minSize, maxSize *int, queryString *string) ([]*rtapi.Match, error)
	// Stop the match registry and close all matches it's tracking.
	Stop(graceSeconds int) chan struct{}
	// Count returns the total number of currently active authoritative matches.
	Count() int

	// JoinAttempt passes a user join attempt to a match handler. Returns if the match was found, if the join
	// was accepted, if it's a new user for this match, a reason for any rejection, the match label, and the
	// list of existing match participants.
	JoinAttempt(ctx context.Context, id uuid.UUID, node string, userID, sessionID uuid.UUID, username string, sessionExpiry int64, vars map[string]string, clientIP, clientPort, fromNode string, metadata map[string]string) (bool, bool, bool, string, string, []*MatchPresence)
	// Join notifies a match handler that one or more users have successfully joined the match.
	// Expects that the caller has already determined the match is hosted on the current node.
	Join(id uuid.UUID, presences []*MatchPresence)
	// Leave notifies a match handler that one or more users have left or disconnected.
	// Expects that the caller has already determined the match is hosted on the current node.
	Leave(id uuid.UUID, presences []*MatchPresence)
	// Kick is called by match handlers to request the removal of a match participant.
	Kick(stream PresenceStream, presences []*MatchPresence)
	// SendData passes a data payload (usually from a user) to the appropriate match handler.
	// Assumes that the data sender has already been validated as a match participant before this call.
	SendData(id uuid.UUID, node string, userID, sessionID uuid.UUID, username, fromNode string, opCode int64, data []byte, reliable bool, receiveTime int64)
	// Signal sends a data payload to a match handler and blocks for a response or timeout.
	Signal(ctx context.Context, id, data string) (string, error)
	// GetState requests a snapshot of the match's presences, tick and state.
	GetState(ctx context.Context, id uuid.UUID, node string) ([]runtime.Presence, int64, string, error)
}

type LocalMatchRegistry struct {
	logger          *zap.Logger
	config          Config
	sessionRegistry SessionRegistry
	tracker         Tracker
	router          MessageRouter
	metrics         Metrics
	node            string

	matches     *sync.Map
	matchCount  *atomic.Int64
	indexWriter *bluge.Writer

	pendingUpdatesMutex *sync.Mutex
	pendingUpdates      map[string]*MatchIndexEntry

	stopped   *atomic.Bool
	stoppedCh chan struct{}
}

func NewLocalMatchRegistry(logger, startupLogger *zap.Logger, config Config, sessionRegistry SessionRegistry, tracker Tracker, router MessageRouter, metrics Metrics, node string) MatchRegistry {
	cfg := BlugeInMemoryConfig()
	indexWriter, err := bluge.OpenWriter(cfg)
	if err != nil {
		startupLogger.Fatal("Failed to create match registry index", zap.Error(err))
	}

	r := &LocalMatchRegistry{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		router:          router,
		metrics:         metrics,
		node:            node,

		matches:     &sync.Map{},
		matchCount:  atomic.NewInt64(0),
		indexWriter: indexWriter,

		pendingUpdatesMutex: &sync.Mutex{},
		pendingUpdates:      make(map[string]*MatchIndexEntry, 10),

		stopped:   atomic.NewBool(false),
		stoppedCh: make(chan struct{}, 2),
	}

	go func() {
		ticker := time.NewTicker(time.Duration(config.GetMatch().LabelUpdateIntervalMs) * time.Millisecond)
		for {
			select {
			case <-r.stoppedCh:
				ticker.Stop()
				return
			case <-ticker.C:
				r.processLabelUpdates(indexWriter)
			}
		}
	}()

	return r
}

func (r *LocalMatchRegistry) processLabelUpdates(indexWriter *bluge.Writer) {
	r.pendingUpdatesMutex.Lock()
	if len(r.pendingUpdates) == 0 {
		r.pendingUpdatesMutex.Unlock()
		return
	}
	pendingUpdates := r.pendingUpdates
	r.pendingUpdates = make(map[string]*MatchIndexEntry, len(pendingUpdates)+10)
	r.pendingUpdatesMutex.Unlock()

	batch := bluge.NewBatch()
	for id, entry := range pendingUpdates {
		if entry == nil {
			batch.Delete(bluge.Identifier(id))
			continue
		}
		doc, err := MapMatchIndexEntry(id, entry)
		if err != nil {
			r.logger.Error("error mapping match index entry to doc", zap.Error(err))
			continue
		}
		batch.Update(bluge.Identifier(id), doc)
	}

	if err := indexWriter.Batch(batch); err != nil {
		r.logger.Error("error processing match label updates", zap.Error(err))
	}
}

func (r *LocalMatchRegistry) CreateMatch(ctx context.Context, createFn RuntimeMatchCreateFunction, module string, params map[string]interface{}) (string, error) {
	if err := gob.NewEncoder(&bytes.Buffer{}).Encode(params); err != nil {
		return "", runtime.ErrCannotEncodeParams
	}

	id := uuid.Must(uuid.NewV4())
	matchLogger := r.logger.With(zap.String("mid", id.String()))
	stopped := atomic.NewBool(false)

	core, err := createFn(ctx, matchLogger, id, r.node, stopped, module)
	if err != nil {
		return "", err
	}
	if core == nil {
		return "", errors.New("error creating match: not found")
	}

	// Start the match.
	mh, err := r.NewMatch(matchLogger, id, core, stopped, params)
	if err != nil {
		return "", fmt.Errorf("error creating match: %v", err.Error())
	}

	return mh.IDStr, nil
}

func (r *LocalMatchRegistry) NewMatch(logger *zap.Logger, id uuid.UUID, core RuntimeMatchCore, stopped *atomic.Bool, params map[string]interface{}) (*MatchHandler, error) {
	if r.stopped.Load() {
		// Server is shutting down, reject new matches.
		return nil, errors.New("shutdown in progress")
	}

	match, err := NewMatchHandler(logger, r.config, r.sessionRegistry, r, r.router, core, id, r.node, stopped, params)
	if err != nil {
		return nil, err
	}

	r.matches.Store(id, match)
	count := r.matchCount.Inc()
	r.metrics.GaugeAuthoritativeMatches(float64(count))

	return match, nil
}

func (r *LocalMatchRegistry) GetMatch(ctx context.Context, id string) (*rtapi.Match, string, error) {
	// Validate the match ID.
	idComponents := strings.SplitN(id, ".", 2)
	if len(idComponents) != 2 {
		return nil, "", runtime.ErrMatchIdInvalid
	}
	matchID, err := uuid.FromString(idComponents[0])
	if err != nil {
		return nil, "", runtime.ErrMatchIdInvalid
	}

	// Relayed match.
	if idComponents[1] == "" {
		size := r.tracker.CountByStream(PresenceStream{Mode: StreamModeMatchRelayed, Subject: matchID})
		if size == 0 {
			return nil, "", nil
		}

		return &rtapi.Match{
			MatchId: id,
			Size:    int32(size),
		}, "", nil
	}

	// Authoritative match.
	if idComponents[1] != r.node {
		return nil, "", nil
	}

	mh, ok := r.matches.Load(matchID)
	if !ok {
		return nil, "", nil
	}
	handler := mh.(*MatchHandler)

	return &rtapi.Match{
		MatchId:       handler.IDStr,
		Authoritative: true,
		Label:         handler.Label(),
		Size:          int32(handler.PresenceList.Size()),
	}, r.node, nil
}

func (r *LocalMatchRegistry) RemoveMatch(id uuid.UUID, stream PresenceStream) {
	r.matches.Delete(id)
	matchesRemaining := r.matchCount.Dec()
	r.metrics.GaugeAuthoritativeMatches(float64(matchesRemaining))

	r.tracker.UntrackByStream(stream)

	idStr := fmt.Sprintf("%v.%v", id.String(), r.node)
	r.pendingUpdatesMutex.Lock()
	r.pendingUpdates[idStr] = nil
	r.pendingUpdatesMutex.Unlock()

	// If there are no more matches in this registry and a shutdown was initiated then signal
	// that the process is complete.
	if matchesRemaining == 0 && r.stopped.Load() {
		select {
		case r.stoppedCh <- struct{}{}:
		default:
			// Ignore if the signal has already been sent.
		}
	}
}

func (r *LocalMatchRegistry) UpdateMatchLabel(id uuid.UUID, tickRate int, handlerName, label string, createTime int64) error {
	if len(label) > MatchLabelMaxBytes {
		return runtime.ErrMatchLabelTooLong
	}

	var labelJSON map[string]interface{}
	// Doesn't matter if this is not JSON.
	_ = json.Unmarshal([]byte(label), &labelJSON)

	entry := &MatchIndexEntry{
		Node:        r.node,
		Label:       labelJSON,
		TickRate:    tickRate,
		HandlerName: handlerName,
		LabelString: label,
		CreateTime:  createTime,
	}

	r.pendingUpdatesMutex.Lock()
	r.pendingUpdates[fmt.Sprintf("%v.%v", id.String(), r.node)] = entry
	r.pendingUpdatesMutex.Unlock()

	return nil
}

func MapMatchIndexEntry(id string, in *MatchIndexEntry) (*bluge.Document, error) {
	rv := bluge.NewDocument(id)

	rv.AddField(bluge.NewKeywordField("node", in.Node))
	rv.AddField(bluge.NewKeywordField("label_string", in.LabelString).StoreValue())
	rv.AddField(bluge.NewNumericField("tick_rate", float64(in.TickRate)).StoreValue())
	rv.AddField(bluge.NewKeywordField("handler_name", in.HandlerName).StoreValue())
	rv.AddField(bluge.NewNumericField("create_time", float64(in.CreateTime)))

	if in.Label != nil {
		BlugeWalkDocument(in.Label, []string{"label"}, rv)
	}

	return rv, nil
}

func (r *LocalMatchRegistry) ListMatches(ctx context.Context, limit int, authoritative *bool, label *string, minSize, maxSize *int, queryString *string) ([]*rtapi.Match, error) {
	if limit == 0 {
		return make([]*rtapi.Match, 0), nil
	}

	var allowRelayed bool
	var labelResults *BlugeResult
	if queryString != nil {
		if authoritative != nil && !*authoritative {
			// A filter on query is requested but authoritative matches are not allowed.
			return make([]*rtapi.Match, 0), nil
		}

		// If there are filters other than query, we don't know which matches will work so get more than the limit.
		count := limit
		if minSize != nil || maxSize != nil {
			count = int(r.matchCount.Load())
		}
		if count == 0 {
			return make([]*rtapi.Match, 0), nil
		}

		// Ensure any pending label updates are visible to the query.
		r.processLabelUpdates(r.indexWriter)

		// Apply the query filter to the set of known match labels.
		var q bluge.Query
		if qs := *queryString; qs == "" {
			q = bluge.NewMatchAllQuery()
		} else {
			var err error
			q, err = ParseQueryString(qs)
			if err != nil {
				return nil, fmt.Errorf("error parsing match listing query: %v", err.Error())
			}
		}

		searchReq := bluge.NewTopNSearch(count, q)

		indexReader, err := r.indexWriter.Reader()
		if err != nil {
			return nil, fmt.Errorf("error accessing match listing index: %v", err.Error())
		}

		results, err := indexReader.Search(ctx, searchReq)
		if err != nil {
			_ = indexReader.Close()
			return nil, fmt.Errorf("error listing matches by query: %v", err.Error())
		}

		labelResults, err = IterateBlugeMatches(results, map[string]struct{}{
			"label_string": {},
			"tick_rate":    {},
			"handler_name": {},
		}, r.logger)
		if err != nil {
			_ = indexReader.Close()
			return nil, fmt.Errorf("error iterating match listing results: %v", err.Error())
		}

		if err := indexReader.Close(); err != nil {
			r.logger.Error("error closing match listing index reader", zap.Error(err))
		}
	} else if label != nil {
		if authoritative != nil && !*authoritative {
			// A filter on label is requested but authoritative matches are not allowed.
			return make([]*rtapi.Match, 0), nil
		}

		// If there are filters other than label, we don't know which matches will work so get more than the limit.
		count := limit
		if minSize != nil || maxSize != nil {
			count = int(r.matchCount.Load())
		}
		if count == 0 {
			return make([]*rtapi.Match, 0), nil
		}

		r.processLabelUpdates(r.indexWriter)

		// Apply the label filter to the set of known match labels.
		indexQuery := bluge.NewTermQuery(*label).SetField("label_string")
		searchReq := bluge.NewTopNSearch(count, indexQuery)

		indexReader, err := r.indexWriter.Reader()
		if err != nil {
			return nil, fmt.Errorf("error accessing match listing index: %v", err.Error())
		}

		results, err := indexReader.Search(ctx, searchReq)
		if err != nil {
			_ = indexReader.Close()
			return nil, fmt.Errorf("error listing matches by label: %v", err.Error())
		}

		labelResults, err = IterateBlugeMatches(results, map[string]struct{}{
			"label_string": {},
			"tick_rate":    {},
			"handler_name": {},
		}, r.logger)
		if err != nil {
			_ = indexReader.Close()
			return nil, fmt.Errorf("error iterating match listing results: %v", err.Error())
		}

		if err := indexReader.Close(); err != nil {
			r.logger.Error("error closing match listing index reader", zap.Error(err))
		}
	} else if authoritative == nil || *authoritative {
		// Not using label/query filter but we still need access to the indexed labels to return them
		// if authoritative matches may be included in the results.
		count := limit
		if minSize != nil || maxSize != nil {
			count = int(r.matchCount.Load())
		}
		if count == 0 && authoritative != nil && *authoritative {
			return make([]*rtapi.Match, 0), nil
		}

		r.processLabelUpdates(r.indexWriter)

		indexQuery := bluge.NewMatchAllQuery()
		searchReq := bluge.NewTopNSearch(count, indexQuery)

		indexReader, err := r.indexWriter.Reader()
		if err != nil {
			return nil, fmt.Errorf("error accessing match listing index: %v", err.Error())
		}

		results, err := indexReader.Search(ctx, searchReq)
		if err != nil {
			_ = indexReader.Close()
			return nil, fmt.Errorf("error listing matches: %v", err.Error())
		}

		labelResults, err = IterateBlugeMatches(results, map[string]struct{}{
			"label_string": {},
			"tick_rate":    {},
			"handler_name": {},
		}, r.logger)
		if err != nil {
			_ = indexReader.Close()
			return nil, fmt.Errorf("error iterating match listing results: %v", err.Error())
		}

		if err := indexReader.Close(); err != nil {
			r.logger.Error("error closing match listing index reader", zap.Error(err))
		}

		if authoritative == nil {
			// Expect a possible mix of authoritative and relayed matches.
			allowRelayed = true
		}
	} else {
		// Authoritative was strictly false, and there was no label/query filter.
		allowRelayed = true
	}

	if labelResults != nil && len(labelResults.Hits) == 0 && authoritative != nil && !*authoritative {
		// No results based on label/query, no point in further filtering by size.
		return make([]*rtapi.Match, 0), nil
	}

	// Results.
	results := make([]*rtapi.Match, 0, limit)

	// Use any eligible authoritative matches first.
	if labelResults != nil {
		for _, hit := range labelResults.Hits {
			matchIDComponents := strings.SplitN(hit.ID, ".", 2)
			id := uuid.FromStringOrNil(matchIDComponents[0])

			mh, ok := r.matches.Load(id)
			if !ok {
				continue
			}
			size := int32(mh.(*MatchHandler).PresenceList.Size())

			if minSize != nil && int32(*minSize) > size {
				// Not eligible based on minimum size.
				continue
			}

			if maxSize != nil && int32(*maxSize) < size {
				// Not eligible based on maximum size.
				continue
			}

			var labelString string
			if l, ok := hit.Fields["label_string"]; ok {
				if labelString, ok = l.(string); !ok {
					r.logger.Warn("Field not a string in match registry label cache: label_string")
					continue
				}
			} else {
				r.logger.Warn("Field not found in match registry label cache: label_string")
				continue
			}

			results = append(results, &rtapi.Match{
				MatchId:       hit.ID,
				Authoritative: true,
				Label:         labelString,
				Size:          size,
			})
			if len(results) == limit {
				return results, nil
			}
		}
	}

	// If relayed matches are not allowed still return any available results.
	if !allowRelayed {
		return results, nil
	}

	matches := r.tracker.CountByStreamModeFilter(MatchFilterRelayed)
	for stream, size := range matches {
		if stream.Mode != StreamModeMatchRelayed {
			// Only relayed matches are expected at this point.
			r.logger.Warn("Ignoring unknown stream mode in match listing operation", zap.Uint8("mode", stream.Mode))
			continue
		}

		if minSize != nil && int32(*minSize) > size {
			// Not eligible based on minimum size.
			continue
		}

		if maxSize != nil && int32(*maxSize) < size {
			// Not eligible based on maximum size.
			continue
		}

		var labelString string
		if label != nil {
			labelString = *label
		}

		results = append(results, &rtapi.Match{
			MatchId: fmt.Sprintf("%v.%v", stream.Subject.String(), stream.Label),
			Label:   labelString,
			Size:    size,
		})
		if len(results) == limit {
			return results, nil
		}
	}

	return results, nil
}

func (r *LocalMatchRegistry) Stop(graceSeconds int) chan struct{} {
	// Mark the match registry as stopped, but allow further calls here to signal periodic termination to any matches still running.
	r.stopped.Store(true)

	// Graceful shutdown not allowed/required, or grace period has expired.
	if graceSeconds == 0 {
		r.matches.Range(func(id, mh interface{}) bool {
			mh.(*MatchHandler).Stop()
			return true
		})
		// Termination was triggered and there are no active matches.
		select {
		case r.stoppedCh <- struct{}{}:
		default:
			// Ignore if the signal has already been sent.
		}
		return r.stoppedCh
	}

	var anyRunning bool
	r.matches.Range(func(id, mh interface{}) bool {
		anyRunning = true
		// Don't care if the call queue is full, match is supposed to end anyway.
		mh.(*MatchHandler).QueueTerminate(graceSeconds)
		return true
	})

	if !anyRunning {
		// Termination was triggered and there are no active matches.
		select {
		case r.stoppedCh <- struct{}{}:
		default:
			// Ignore if the signal has already been sent.
		}
		return r.stoppedCh
	}

	return r.stoppedCh
}

func (r *LocalMatchRegistry) Count() int {
	return int(r.matchCount.Load())
}

func (r *LocalMatchRegistry) JoinAttempt(ctx context.Context, id uuid.UUID, node string, userID, sessionID uuid.UUID, username string, sessionExpiry int64, vars map[string]string, clientIP, clientPort, fromNode string, metadata map[string]string) (bool, bool, bool, string, string, []*MatchPresence) {
	if node != r.node {
		return false, false, false, "", "", nil
	}

	m, ok := r.matches.Load(id)
	if !ok {
		return false, false, false, "", "", nil
	}
	mh := m.(*MatchHandler)

	if mh.PresenceList.Contains(&PresenceID{Node: fromNode, SessionID: sessionID}) {
		// The user is already part of this match.
		return true, true, false, "", mh.Label(), mh.PresenceList.ListPresences()
	}

	resultCh := make(chan *MatchJoinAttemptResult, 1)
	if !mh.QueueJoinAttempt(ctx, resultCh, userID, sessionID, username, sessionExpiry, vars, clientIP, clientPort, fromNode, metadata) {
		// The match call queue was full, so will be closed and therefore can't be joined.
		return true, false, false, "Match is not currently accepting join requests", "", nil
	}

	// Set up a limit to how long the call will wait, default is 10 seconds.
	timer := time.NewTimer(time.Second * 10)
	select {
	case <-timer.C:
		// The join attempt has timed out, join is assumed to be rejected.
		return true, false, false, "", "", nil
	case res := <-resultCh:
		// Doesn't matter if the timer has fired concurrently, we're in the desired case anyway.
		timer.Stop()
		// The join attempt has returned a result.
		return true, res.Allow, true, res.Reason, res.Label, mh.PresenceList.ListPresences()
	}
}

func (r *LocalMatchRegistry) Join(id uuid.UUID, presences []*MatchPresence) {
	mh, ok := r.matches.Load(id)
	if !ok {
		return
	}

	// Doesn't matter if the call queue was full here. If the match is being closed then joins don't matter anyway.
	mh.(*MatchHandler).QueueJoin(presences, true)
}

func (r *LocalMatchRegistry) Leave(id uuid.UUID, presences []*MatchPresence) {
	mh, ok := r.matches.Load(id)
	if !ok {
		return
	}

	// Doesn't matter if the call queue was full here. If the match is being closed then leaves don't matter anyway.
	mh.(*MatchHandler).QueueLeave(presences)
}

func (r *LocalMatchRegistry) Kick(stream PresenceStream, presences []*MatchPresence) {
	for _, presence := range presences {
		if presence.Node != r.node {
			continue
		}
		r.tracker.Untrack(presence.SessionID, stream, presence.UserID)
	}
}

func (r *LocalMatchRegistry) SendData(id uuid.UUID, node string, userID, sessionID uuid.UUID, username, fromNode string, opCode int64, data []byte, reliable bool, receiveTime int64) {
	if node != r.node {
		return
	}

	mh, ok := r.matches.Load(id)
	if !ok {
		return
	}

	mh.(*MatchHandler).QueueData(&MatchDataMessage{
		UserID:      userID,
		SessionID:   sessionID,
		Username:    username,
		Node:        node,
		OpCode:      opCode,
		Data:        data,
		Reliable:    reliable,
		ReceiveTime: receiveTime,
	})
}

func (r *LocalMatchRegistry) Signal(ctx context.Context, id, data string) (string, error) {
	// Validate the match ID.
	idComponents := strings.SplitN(id, ".", 2)
	if len(idComponents) != 2 {
		return "", runtime.ErrMatchIdInvalid
	}
	matchID, err := uuid.FromString(idComponents[0])
	if err != nil {
		return "", runtime.ErrMatchIdInvalid
	}

	// Relayed match.
	if idComponents[1] == "" {
		return "", runtime.ErrMatchNotFound
	}

	// Authoritative match.
	if idComponents[1] != r.node {
		return "", runtime.ErrMatchNotFound
	}

	m, ok := r.matches.Load(matchID)
	if !ok {
		return "", runtime.ErrMatchNotFound
	}
	mh := m.(*MatchHandler)

	resultCh := make(chan *MatchSignalResult, 1)
	if !mh.QueueSignal(ctx, resultCh, data) {
		// The match signal queue was full.
		return "", runtime.ErrMatchBusy
	}

	// Set up a limit to how long the call will wait, default is 10 seconds.
	timer := time.NewTimer(time.Second * 10)
	select {
	case <-timer.C:
		// The signal has timed out.
		return "", runtime.ErrMatchBusy
	case res := <-resultCh:
		// Doesn't matter if the timer has fired concurrently, we're in the desired case anyway.
		timer.Stop()
		if !res.Success {
			return "", runtime.ErrMatchBusy
		}
		return res.Result, nil
	}
}

func (r *LocalMatchRegistry) GetState(ctx context.Context, id uuid.UUID, node string) ([]runtime.Presence, int64, string, error) {
	if node != r.node {
		return nil, 0, "", runtime.ErrMatchNotFound
	}

	m, ok := r.matches.Load(id)
	if !ok {
		return nil, 0, "", runtime.ErrMatchNotFound
	}
	mh := m.(*MatchHandler)

	resultCh := make(chan *MatchGetStateResult, 1)
	if !mh.QueueGetState(ctx, resultCh) {
		return nil, 0, "", runtime.ErrMatchNotFound
	}

	// Set up a limit to how long the call will wait, default is 10 seconds.
	timer := time.NewTimer(time.Second * 10)
	select {
	case <-timer.C:
		// The state snapshot request has timed out.
		return nil, 0, "", runtime.ErrMatchBusy
	case res := <-resultCh:
		// Doesn't matter if the timer has fired concurrently, we're in the desired case anyway.
		timer.Stop()
		if res.Error != nil {
			return nil, 0, "", res.Error
		}
		presences := make([]runtime.Presence, 0, len(res.Presences))
		for _, presence := range res.Presences {
			presences = append(presences, presence)
		}
		return presences, res.Tick, res.State, nil
	}
}
