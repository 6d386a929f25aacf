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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"github.com/riftlabs/rift/runtime"
	"go.uber.org/zap"
)

// RuntimeGoRiftModule implements the runtime.Module API surface handed to
// registered functions. Storage, wallet, leaderboard and notification
// persistence calls delegate to the injected facades; a nil facade makes
// the corresponding calls fail with a not-configured error.
type RuntimeGoRiftModule struct {
	sync.RWMutex
	logger          *zap.Logger
	db              *sql.DB
	config          Config
	sessionRegistry SessionRegistry
	matchRegistry   MatchRegistry
	tracker         Tracker
	router          MessageRouter

	storage      runtime.StorageEngine
	wallet       runtime.WalletManager
	leaderboards runtime.LeaderboardRegistry
	notification runtime.NotificationSender

	node string

	matchCreateFn RuntimeMatchCreateFunction
}

func NewRuntimeGoRiftModule(logger *zap.Logger, db *sql.DB, config Config, sessionRegistry SessionRegistry, matchRegistry MatchRegistry, tracker Tracker, router MessageRouter, storage runtime.StorageEngine, wallet runtime.WalletManager, leaderboards runtime.LeaderboardRegistry, notification runtime.NotificationSender) *RuntimeGoRiftModule {
	return &RuntimeGoRiftModule{
		logger:          logger,
		db:              db,
		config:          config,
		sessionRegistry: sessionRegistry,
		matchRegistry:   matchRegistry,
		tracker:         tracker,
		router:          router,

		storage:      storage,
		wallet:       wallet,
		leaderboards: leaderboards,
		notification: notification,

		node: config.GetName(),
	}
}

// SetMatchCreateFn breaks the circular dependency between the module and
// the match provider, both of which are assembled at startup.
func (n *RuntimeGoRiftModule) SetMatchCreateFn(fn RuntimeMatchCreateFunction) {
	n.Lock()
	n.matchCreateFn = fn
	n.Unlock()
}

func (n *RuntimeGoRiftModule) AuthenticateTokenGenerate(userID, username string, exp int64, vars map[string]string) (string, int64, error) {
	if userID == "" {
		return "", 0, errors.New("expects user id")
	}
	if _, err := uuid.FromString(userID); err != nil {
		return "", 0, errors.New("expects valid user id")
	}

	if username == "" {
		return "", 0, errors.New("expects username")
	}

	if exp == 0 {
		// If expiry is 0 or not set, use standard configured expiry.
		exp = time.Now().UTC().Add(time.Duration(n.config.GetSession().TokenExpirySec) * time.Second).Unix()
	}

	token, exp := generateTokenWithExpiry(n.config.GetSession().EncryptionKey, userID, username, vars, exp)
	return token, exp, nil
}

func (n *RuntimeGoRiftModule) SessionDisconnect(ctx context.Context, sessionID string, reason ...runtime.PresenceReason) error {
	sid, err := uuid.FromString(sessionID)
	if err != nil {
		return errors.New("expects valid session id")
	}

	return n.sessionRegistry.Disconnect(ctx, sid, reason...)
}

func (n *RuntimeGoRiftModule) StreamUserList(mode uint8, subject, subcontext, label string, includeHidden, includeNotHidden bool) ([]runtime.Presence, error) {
	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return nil, err
	}

	presences := n.tracker.ListByStream(stream, includeHidden, includeNotHidden)
	runtimePresences := make([]runtime.Presence, len(presences))
	for i, p := range presences {
		runtimePresences[i] = runtime.Presence(p)
	}
	return runtimePresences, nil
}

func (n *RuntimeGoRiftModule) StreamUserGet(mode uint8, subject, subcontext, label, userID, sessionID string) (runtime.PresenceMeta, error) {
	uid, err := uuid.FromString(userID)
	if err != nil {
		return nil, errors.New("expects valid user id")
	}

	sid, err := uuid.FromString(sessionID)
	if err != nil {
		return nil, errors.New("expects valid session id")
	}

	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return nil, err
	}

	if meta := n.tracker.GetBySessionIDStreamUserID(n.node, sid, stream, uid); meta != nil {
		return meta, nil
	}
	return nil, nil
}

func (n *RuntimeGoRiftModule) StreamUserJoin(mode uint8, subject, subcontext, label, userID, sessionID string, hidden, persistence bool, status string) (bool, error) {
	uid, err := uuid.FromString(userID)
	if err != nil {
		return false, errors.New("expects valid user id")
	}

	sid, err := uuid.FromString(sessionID)
	if err != nil {
		return false, errors.New("expects valid session id")
	}

	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return false, err
	}

	session := n.sessionRegistry.Get(sid)
	if session == nil {
		return false, errors.New("session id does not exist")
	}

	success, newlyTracked := n.tracker.Track(session.Context(), sid, stream, uid, PresenceMeta{
		Hidden:      hidden,
		Persistence: persistence,
		Username:    session.Username(),
		Status:      status,
	})
	if !success {
		return false, errors.New("tracker rejected new presence, session is closing")
	}

	return newlyTracked, nil
}

func (n *RuntimeGoRiftModule) StreamUserUpdate(mode uint8, subject, subcontext, label, userID, sessionID string, hidden, persistence bool, status string) error {
	uid, err := uuid.FromString(userID)
	if err != nil {
		return errors.New("expects valid user id")
	}

	sid, err := uuid.FromString(sessionID)
	if err != nil {
		return errors.New("expects valid session id")
	}

	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return err
	}

	session := n.sessionRegistry.Get(sid)
	if session == nil {
		return errors.New("session id does not exist")
	}

	if !n.tracker.Update(session.Context(), sid, stream, uid, PresenceMeta{
		Hidden:      hidden,
		Persistence: persistence,
		Username:    session.Username(),
		Status:      status,
	}) {
		return errors.New("tracker rejected updated presence, session is closing")
	}

	return nil
}

func (n *RuntimeGoRiftModule) StreamUserLeave(mode uint8, subject, subcontext, label, userID, sessionID string) error {
	uid, err := uuid.FromString(userID)
	if err != nil {
		return errors.New("expects valid user id")
	}

	sid, err := uuid.FromString(sessionID)
	if err != nil {
		return errors.New("expects valid session id")
	}

	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return err
	}

	n.tracker.Untrack(sid, stream, uid)

	return nil
}

func (n *RuntimeGoRiftModule) StreamUserKick(mode uint8, subject, subcontext, label string, presence runtime.Presence) error {
	uid, err := uuid.FromString(presence.GetUserId())
	if err != nil {
		return errors.New("expects valid user id")
	}

	sid, err := uuid.FromString(presence.GetSessionId())
	if err != nil {
		return errors.New("expects valid session id")
	}

	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return err
	}

	n.tracker.Untrack(sid, stream, uid)

	return nil
}

func (n *RuntimeGoRiftModule) StreamCount(mode uint8, subject, subcontext, label string) (int, error) {
	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return 0, err
	}

	return n.tracker.CountByStream(stream), nil
}

func (n *RuntimeGoRiftModule) StreamClose(mode uint8, subject, subcontext, label string) error {
	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return err
	}

	n.tracker.UntrackByStream(stream)

	return nil
}

func (n *RuntimeGoRiftModule) StreamSend(mode uint8, subject, subcontext, label, data string, presences []runtime.Presence, reliable bool) error {
	stream, err := streamFromParts(mode, subject, subcontext, label)
	if err != nil {
		return err
	}

	var presenceIDs []*PresenceID
	if l := len(presences); l != 0 {
		presenceIDs = make([]*PresenceID, 0, l)
		for _, presence := range presences {
			sessionID, err := uuid.FromString(presence.GetSessionId())
			if err != nil {
				return errors.New("expects each presence session id to be a valid identifier")
			}
			node := presence.GetNodeId()
			if node == "" {
				node = n.node
			}

			presenceIDs = append(presenceIDs, &PresenceID{
				SessionID: sessionID,
				Node:      node,
			})
		}
	}

	streamWire := &rtapi.Stream{
		Mode:  int32(stream.Mode),
		Label: stream.Label,
	}
	if stream.Subject != uuid.Nil {
		streamWire.Subject = stream.Subject.String()
	}
	if stream.Subcontext != uuid.Nil {
		streamWire.Subcontext = stream.Subcontext.String()
	}
	msg := &rtapi.Envelope{StreamData: &rtapi.StreamData{
		Stream: streamWire,
		// No sender.
		Data:     data,
		Reliable: reliable,
	}}

	if len(presenceIDs) == 0 {
		// Sending to whole stream.
		n.router.SendToStream(n.logger, stream, msg, reliable)
	} else {
		// Sending to a subset of stream users.
		n.router.SendToPresenceIDs(n.logger, presenceIDs, msg, reliable)
	}

	return nil
}

func (n *RuntimeGoRiftModule) MatchCreate(ctx context.Context, module string, params map[string]interface{}) (string, error) {
	if module == "" {
		return "", errors.New("expects module name")
	}

	n.RLock()
	fn := n.matchCreateFn
	n.RUnlock()

	return n.matchRegistry.CreateMatch(ctx, fn, module, params)
}

func (n *RuntimeGoRiftModule) MatchGet(ctx context.Context, id string) (*runtime.MatchInfo, error) {
	match, node, err := n.matchRegistry.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, nil
	}

	return &runtime.MatchInfo{
		MatchId:       match.MatchId,
		Node:          node,
		Authoritative: match.Authoritative,
		Label:         match.Label,
		Size:          match.Size,
	}, nil
}

func (n *RuntimeGoRiftModule) MatchList(ctx context.Context, limit int, authoritative bool, label string, minSize, maxSize *int, query string) ([]*runtime.MatchInfo, error) {
	authoritativePtr := &authoritative
	var labelPtr *string
	if label != "" {
		labelPtr = &label
	}
	var queryPtr *string
	if query != "" {
		queryPtr = &query
	}

	matches, err := n.matchRegistry.ListMatches(ctx, limit, authoritativePtr, labelPtr, minSize, maxSize, queryPtr)
	if err != nil {
		return nil, err
	}

	results := make([]*runtime.MatchInfo, 0, len(matches))
	for _, match := range matches {
		var node string
		if idComponents := strings.SplitN(match.MatchId, ".", 2); len(idComponents) == 2 {
			node = idComponents[1]
		}
		results = append(results, &runtime.MatchInfo{
			MatchId:       match.MatchId,
			Node:          node,
			Authoritative: match.Authoritative,
			Label:         match.Label,
			Size:          match.Size,
		})
	}
	return results, nil
}

func (n *RuntimeGoRiftModule) MatchSignal(ctx context.Context, id string, data string) (string, error) {
	return n.matchRegistry.Signal(ctx, id, data)
}

func (n *RuntimeGoRiftModule) NotificationSend(ctx context.Context, userID, subject string, content map[string]interface{}, code int, sender string, persistent bool) error {
	if _, err := uuid.FromString(userID); err != nil {
		return errors.New("expects userID to be a valid UUID")
	}

	if subject == "" {
		return errors.New("expects subject to be a non-empty string")
	}

	if code <= 0 {
		return errors.New("expects code to number above 0")
	}

	if sender != "" {
		if _, err := uuid.FromString(sender); err != nil {
			return errors.New("expects sender to either be an empty string or a valid UUID")
		}
	}

	return n.NotificationsSend(ctx, []*runtime.NotificationSend{{
		UserID:     userID,
		Subject:    subject,
		Content:    content,
		Code:       code,
		Sender:     sender,
		Persistent: persistent,
	}})
}

func (n *RuntimeGoRiftModule) NotificationsSend(ctx context.Context, notifications []*runtime.NotificationSend) error {
	wire := make(map[uuid.UUID][]*rtapi.Notification, len(notifications))
	persist := make([]*runtime.NotificationSend, 0, len(notifications))

	createTime := time.Now().UTC().Unix()
	for _, notification := range notifications {
		uid, err := uuid.FromString(notification.UserID)
		if err != nil {
			return errors.New("expects userID to be a valid UUID")
		}

		if notification.Subject == "" {
			return errors.New("expects subject to be a non-empty string")
		}

		contentBytes, err := json.Marshal(notification.Content)
		if err != nil {
			return fmt.Errorf("failed to convert content: %s", err.Error())
		}

		if notification.Code <= 0 {
			return errors.New("expects code to number above 0")
		}

		senderID := uuid.Nil.String()
		if notification.Sender != "" {
			suid, err := uuid.FromString(notification.Sender)
			if err != nil {
				return errors.New("expects sender to either be an empty string or a valid UUID")
			}
			senderID = suid.String()
		}

		wire[uid] = append(wire[uid], &rtapi.Notification{
			Id:         uuid.Must(uuid.NewV4()).String(),
			Subject:    notification.Subject,
			Content:    contentBytes,
			Code:       int32(notification.Code),
			SenderId:   senderID,
			CreateTime: createTime,
			Persistent: notification.Persistent,
		})
		if notification.Persistent {
			persist = append(persist, notification)
		}
	}

	if len(persist) != 0 {
		if n.notification == nil {
			return runtime.ErrNotificationNotConfigured
		}
		if err := n.notification.Send(ctx, persist); err != nil {
			return err
		}
	}

	for uid, ns := range wire {
		stream := PresenceStream{Mode: StreamModeNotifications, Subject: uid}
		envelope := &rtapi.Envelope{Notifications: &rtapi.Notifications{Notifications: ns}}
		n.router.SendToStream(n.logger, stream, envelope, true)
	}

	return nil
}

func (n *RuntimeGoRiftModule) WalletUpdate(ctx context.Context, userID string, changeset map[string]int64, metadata map[string]interface{}, updateLedger bool) (map[string]int64, map[string]int64, error) {
	if n.wallet == nil {
		return nil, nil, runtime.ErrWalletNotConfigured
	}

	if _, err := uuid.FromString(userID); err != nil {
		return nil, nil, errors.New("expects a valid user id")
	}

	results, err := n.wallet.UpdateWallets(ctx, []*runtime.WalletUpdate{{
		UserID:    userID,
		Changeset: changeset,
		Metadata:  metadata,
	}}, updateLedger)
	if err != nil {
		if len(results) == 0 {
			return nil, nil, err
		}
		return results[0].Updated, results[0].Previous, err
	}
	if len(results) == 0 {
		// May happen if the changeset is empty.
		return nil, nil, nil
	}

	return results[0].Updated, results[0].Previous, nil
}

func (n *RuntimeGoRiftModule) WalletsUpdate(ctx context.Context, updates []*runtime.WalletUpdate, updateLedger bool) ([]*runtime.WalletUpdateResult, error) {
	if n.wallet == nil {
		return nil, runtime.ErrWalletNotConfigured
	}

	for _, update := range updates {
		if _, err := uuid.FromString(update.UserID); err != nil {
			return nil, errors.New("expects a valid user id")
		}
	}

	return n.wallet.UpdateWallets(ctx, updates, updateLedger)
}

func (n *RuntimeGoRiftModule) WalletLedgerList(ctx context.Context, userID string, limit int, cursor string) ([]runtime.WalletLedgerItem, string, error) {
	if n.wallet == nil {
		return nil, "", runtime.ErrWalletNotConfigured
	}

	if _, err := uuid.FromString(userID); err != nil {
		return nil, "", errors.New("expects a valid user id")
	}
	if limit < 0 || limit > 100 {
		return nil, "", errors.New("expects limit to be 0-100")
	}

	return n.wallet.ListLedger(ctx, userID, limit, cursor)
}

func (n *RuntimeGoRiftModule) StorageRead(ctx context.Context, reads []*runtime.StorageRead) ([]*runtime.StorageObject, error) {
	if n.storage == nil {
		return nil, runtime.ErrStorageNotConfigured
	}

	for _, read := range reads {
		if read.Collection == "" {
			return nil, errors.New("expects collection to be a non-empty string")
		}
		if read.Key == "" {
			return nil, errors.New("expects key to be a non-empty string")
		}
	}

	return n.storage.Read(ctx, reads)
}

func (n *RuntimeGoRiftModule) StorageWrite(ctx context.Context, writes []*runtime.StorageWrite) ([]*runtime.StorageAck, error) {
	if n.storage == nil {
		return nil, runtime.ErrStorageNotConfigured
	}

	for _, write := range writes {
		if write.Collection == "" {
			return nil, errors.New("expects collection to be a non-empty string")
		}
		if write.Key == "" {
			return nil, errors.New("expects key to be a non-empty string")
		}
		if write.UserID != "" {
			if _, err := uuid.FromString(write.UserID); err != nil {
				return nil, errors.New("expects an empty or valid user id")
			}
		}
		var valueMap map[string]interface{}
		if err := json.Unmarshal([]byte(write.Value), &valueMap); err != nil {
			return nil, errors.New("value must be a JSON-encoded object")
		}
	}

	return n.storage.Write(ctx, writes)
}

func (n *RuntimeGoRiftModule) StorageDelete(ctx context.Context, deletes []*runtime.StorageDelete) error {
	if n.storage == nil {
		return runtime.ErrStorageNotConfigured
	}

	for _, del := range deletes {
		if del.Collection == "" {
			return errors.New("expects collection to be a non-empty string")
		}
		if del.Key == "" {
			return errors.New("expects key to be a non-empty string")
		}
	}

	return n.storage.Delete(ctx, deletes)
}

func (n *RuntimeGoRiftModule) StorageList(ctx context.Context, callerID, userID, collection string, limit int, cursor string) ([]*runtime.StorageObject, string, error) {
	if n.storage == nil {
		return nil, "", runtime.ErrStorageNotConfigured
	}

	return n.storage.List(ctx, callerID, userID, collection, limit, cursor)
}

func (n *RuntimeGoRiftModule) LeaderboardCreate(ctx context.Context, id string, authoritative bool, sortOrder, operator, resetSchedule string, metadata map[string]interface{}) (*runtime.Leaderboard, error) {
	if n.leaderboards == nil {
		return nil, runtime.ErrLeaderboardNotConfigured
	}

	if id == "" {
		return nil, errors.New("expects a leaderboard id")
	}

	return n.leaderboards.Create(ctx, id, authoritative, sortOrder, operator, resetSchedule, metadata)
}

func (n *RuntimeGoRiftModule) LeaderboardDelete(ctx context.Context, id string) error {
	if n.leaderboards == nil {
		return runtime.ErrLeaderboardNotConfigured
	}

	if id == "" {
		return errors.New("expects a leaderboard id")
	}

	return n.leaderboards.Delete(ctx, id)
}

func (n *RuntimeGoRiftModule) LeaderboardRecordWrite(ctx context.Context, id, ownerID, username string, score, subscore int64, metadata map[string]interface{}) (*runtime.LeaderboardRecord, error) {
	if n.leaderboards == nil {
		return nil, runtime.ErrLeaderboardNotConfigured
	}

	if id == "" {
		return nil, errors.New("expects a leaderboard id")
	}
	if _, err := uuid.FromString(ownerID); err != nil {
		return nil, errors.New("expects a valid owner id")
	}

	return n.leaderboards.RecordWrite(ctx, id, ownerID, username, score, subscore, metadata)
}

func (n *RuntimeGoRiftModule) LeaderboardRecordsList(ctx context.Context, id string, ownerIDs []string, limit int, cursor string, expiry int64) ([]*runtime.LeaderboardRecord, string, string, error) {
	if n.leaderboards == nil {
		return nil, "", "", runtime.ErrLeaderboardNotConfigured
	}

	if id == "" {
		return nil, "", "", errors.New("expects a leaderboard id")
	}
	for _, ownerID := range ownerIDs {
		if _, err := uuid.FromString(ownerID); err != nil {
			return nil, "", "", errors.New("expects each owner id to be a valid identifier")
		}
	}

	return n.leaderboards.RecordsList(ctx, id, ownerIDs, limit, cursor, expiry)
}

func (n *RuntimeGoRiftModule) AesEncrypt(input, key string) (string, error) {
	return aesEncrypt(input, key)
}

func (n *RuntimeGoRiftModule) AesDecrypt(input, key string) (string, error) {
	return aesDecrypt(input, key)
}

func (n *RuntimeGoRiftModule) Sha256Hash(input string) string {
	return sha256Hash(input)
}

func (n *RuntimeGoRiftModule) BcryptHash(input string) (string, error) {
	return bcryptHash(input)
}

func (n *RuntimeGoRiftModule) BcryptCompare(hash, plaintext string) bool {
	return bcryptCompare(hash, plaintext)
}

func (n *RuntimeGoRiftModule) UuidV4() string {
	return uuid.Must(uuid.NewV4()).String()
}

func streamFromParts(mode uint8, subject, subcontext, label string) (PresenceStream, error) {
	stream := PresenceStream{
		Mode:  mode,
		Label: label,
	}
	var err error
	if subject != "" {
		stream.Subject, err = uuid.FromString(subject)
		if err != nil {
			return stream, errors.New("stream subject must be a valid identifier")
		}
	}
	if subcontext != "" {
		stream.Subcontext, err = uuid.FromString(subcontext)
		if err != nil {
			return stream, errors.New("stream subcontext must be a valid identifier")
		}
	}
	return stream, nil
}
