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

/*
Package runtime is the contract surface game logic modules compile against.

A module is a Go package exposing an InitModule function. The server calls
it once at startup with an Initializer; everything the module wants to
handle (RPC functions, realtime message hooks, authoritative match
handlers, matchmaker results) is registered through it:

	func InitModule(ctx context.Context, logger runtime.Logger, db *sql.DB, module runtime.Module, initializer runtime.Initializer) error {
		if err := initializer.RegisterRpc("echo", echoRpc); err != nil {
			return err
		}
		return initializer.RegisterMatch("arena", newArenaMatch)
	}

All registered functions receive a context carrying the execution
environment. Values are read with the RUNTIME_CTX_* keys:

	userID, _ := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
*/
package runtime

import (
	"context"
	"database/sql"

	"github.com/riftlabs/rift/rtapi"
)

const (
	// RUNTIME_CTX_ENV is the configured runtime environment key/value pairs.
	RUNTIME_CTX_ENV = "env"

	// RUNTIME_CTX_MODE is the mode associated with the execution context, eg. "rpc", "match", "before", "after".
	RUNTIME_CTX_MODE = "execution_mode"

	// RUNTIME_CTX_NODE is the node id where the execution is happening.
	RUNTIME_CTX_NODE = "node"

	// RUNTIME_CTX_VERSION is the server version.
	RUNTIME_CTX_VERSION = "version"

	// RUNTIME_CTX_HEADERS are the request headers, if applicable.
	RUNTIME_CTX_HEADERS = "headers"

	// RUNTIME_CTX_QUERY_PARAMS are the request query params, if applicable.
	RUNTIME_CTX_QUERY_PARAMS = "query_params"

	// RUNTIME_CTX_USER_ID is the user id associated with the execution context.
	RUNTIME_CTX_USER_ID = "user_id"

	// RUNTIME_CTX_USERNAME is the username associated with the execution context.
	RUNTIME_CTX_USERNAME = "username"

	// RUNTIME_CTX_VARS are the session vars, if the user is attached through a session.
	RUNTIME_CTX_VARS = "vars"

	// RUNTIME_CTX_USER_SESSION_EXP is the session expiry unix timestamp in seconds.
	RUNTIME_CTX_USER_SESSION_EXP = "user_session_exp"

	// RUNTIME_CTX_SESSION_ID is the session id, if the user is attached through a session.
	RUNTIME_CTX_SESSION_ID = "session_id"

	// RUNTIME_CTX_CLIENT_IP is the client address, if available.
	RUNTIME_CTX_CLIENT_IP = "client_ip"

	// RUNTIME_CTX_CLIENT_PORT is the client port, if available.
	RUNTIME_CTX_CLIENT_PORT = "client_port"

	// RUNTIME_CTX_MATCH_ID is the match id the execution is happening in.
	RUNTIME_CTX_MATCH_ID = "match_id"

	// RUNTIME_CTX_MATCH_NODE is the node the match is hosted on.
	RUNTIME_CTX_MATCH_NODE = "match_node"

	// RUNTIME_CTX_MATCH_LABEL is the current match label.
	RUNTIME_CTX_MATCH_LABEL = "match_label"

	// RUNTIME_CTX_MATCH_TICK_RATE is the match tick rate.
	RUNTIME_CTX_MATCH_TICK_RATE = "match_tick_rate"
)

// Logger exposes a level-based logging framework to modules. Formatting
// arguments are handled in the manner of fmt.Printf.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	// WithField returns a logger that includes the field in subsequent calls.
	WithField(key string, v interface{}) Logger
	// WithFields returns a logger that includes the fields in subsequent calls.
	WithFields(fields map[string]interface{}) Logger
	// Fields returns the fields set on this logger.
	Fields() map[string]interface{}
}

type PresenceReason uint8

const (
	PresenceReasonUnknown PresenceReason = iota
	PresenceReasonJoin
	PresenceReasonUpdate
	PresenceReasonLeave
	PresenceReasonDisconnect
)

type PresenceMeta interface {
	GetHidden() bool
	GetPersistence() bool
	GetUsername() string
	GetStatus() string
	GetReason() PresenceReason
}

type Presence interface {
	PresenceMeta
	GetUserId() string
	GetSessionId() string
	GetNodeId() string
}

type MatchmakerEntry interface {
	GetPresence() Presence
	GetTicket() string
	GetProperties() map[string]interface{}
	GetPartyId() string
}

type MatchData interface {
	Presence
	GetOpCode() int64
	GetData() []byte
	GetReliable() bool
	GetReceiveTime() int64
}

type MatchDispatcher interface {
	// BroadcastMessage sends a message to the given presences, or to the
	// whole match when presences is nil.
	BroadcastMessage(opCode int64, data []byte, presences []Presence, sender Presence, reliable bool) error
	// BroadcastMessageDeferred queues a message to be sent after the
	// current match hook returns successfully.
	BroadcastMessageDeferred(opCode int64, data []byte, presences []Presence, sender Presence, reliable bool) error
	MatchKick(presences []Presence) error
	MatchLabelUpdate(label string) error
}

// Match is the contract for an authoritative match handler. All functions
// run on the match's own goroutine and are never called concurrently.
// Returning a nil state from any function stops the match.
type Match interface {
	MatchInit(ctx context.Context, logger Logger, db *sql.DB, module Module, params map[string]interface{}) (interface{}, int, string)
	MatchJoinAttempt(ctx context.Context, logger Logger, db *sql.DB, module Module, dispatcher MatchDispatcher, tick int64, state interface{}, presence Presence, metadata map[string]string) (interface{}, bool, string)
	MatchJoin(ctx context.Context, logger Logger, db *sql.DB, module Module, dispatcher MatchDispatcher, tick int64, state interface{}, presences []Presence) interface{}
	MatchLeave(ctx context.Context, logger Logger, db *sql.DB, module Module, dispatcher MatchDispatcher, tick int64, state interface{}, presences []Presence) interface{}
	MatchLoop(ctx context.Context, logger Logger, db *sql.DB, module Module, dispatcher MatchDispatcher, tick int64, state interface{}, messages []MatchData) interface{}
	MatchTerminate(ctx context.Context, logger Logger, db *sql.DB, module Module, dispatcher MatchDispatcher, tick int64, state interface{}, graceSeconds int) interface{}
	MatchSignal(ctx context.Context, logger Logger, db *sql.DB, module Module, dispatcher MatchDispatcher, tick int64, state interface{}, data string) (interface{}, string)
}

// Initializer is used at startup to register the module's functions.
type Initializer interface {
	// RegisterRpc registers a function by id, callable through the RPC
	// dispatch path. Ids are case-insensitive and must be unique.
	RegisterRpc(id string, fn func(ctx context.Context, logger Logger, db *sql.DB, module Module, payload string) (string, error)) error

	// RegisterBeforeRt registers an interceptor for a realtime message.
	// Multiple interceptors for the same message run in registration
	// order. Returning an error aborts processing; returning a nil
	// envelope disables the message.
	RegisterBeforeRt(id string, fn func(ctx context.Context, logger Logger, db *sql.DB, module Module, in *rtapi.Envelope) (*rtapi.Envelope, error)) error

	// RegisterAfterRt registers a function invoked after a realtime
	// message has been processed. Multiple functions for the same
	// message run in registration order. Errors are logged and do not
	// affect the response.
	RegisterAfterRt(id string, fn func(ctx context.Context, logger Logger, db *sql.DB, module Module, out, in *rtapi.Envelope) error) error

	// RegisterMatchmakerMatched registers the function invoked when the
	// matchmaker forms a match. Returning a match id moves the matched
	// users into that authoritative match; returning an empty string
	// leaves relaying up to the clients.
	RegisterMatchmakerMatched(fn func(ctx context.Context, logger Logger, db *sql.DB, module Module, entries []MatchmakerEntry) (string, error)) error

	// RegisterMatch registers a factory for an authoritative match
	// handler by name, used by match create operations.
	RegisterMatch(name string, fn func(ctx context.Context, logger Logger, db *sql.DB, module Module) (Match, error)) error

	// RegisterTournamentEnd registers the function invoked when a
	// tournament's active period ends.
	RegisterTournamentEnd(fn func(ctx context.Context, logger Logger, db *sql.DB, module Module, tournament *Tournament, end, reset int64) error) error

	// RegisterTournamentReset registers the function invoked when a
	// tournament resets.
	RegisterTournamentReset(fn func(ctx context.Context, logger Logger, db *sql.DB, module Module, tournament *Tournament, end, reset int64) error) error

	// RegisterLeaderboardReset registers the function invoked when a
	// leaderboard resets.
	RegisterLeaderboardReset(fn func(ctx context.Context, logger Logger, db *sql.DB, module Module, leaderboard *Leaderboard, reset int64) error) error
}

// MatchInfo describes a running match in listings and lookups.
type MatchInfo struct {
	MatchId       string
	Node          string
	Authoritative bool
	Label         string
	Size          int32
	TickRate      int
	Handler       string
}

type NotificationSend struct {
	UserID     string
	Subject    string
	Content    map[string]interface{}
	Code       int
	Sender     string
	Persistent bool
}

type WalletUpdate struct {
	UserID    string
	Changeset map[string]int64
	Metadata  map[string]interface{}
}

type WalletUpdateResult struct {
	UserID   string
	Updated  map[string]int64
	Previous map[string]int64
}

type WalletLedgerItem interface {
	GetID() string
	GetUserID() string
	GetCreateTime() int64
	GetUpdateTime() int64
	GetChangeset() map[string]int64
	GetMetadata() map[string]interface{}
}

type StorageRead struct {
	Collection string
	Key        string
	UserID     string
}

type StorageWrite struct {
	Collection      string
	Key             string
	UserID          string
	Value           string
	Version         string
	PermissionRead  int
	PermissionWrite int
}

type StorageDelete struct {
	Collection string
	Key        string
	UserID     string
	Version    string
}

type StorageObject struct {
	Collection      string
	Key             string
	UserID          string
	Value           string
	Version         string
	PermissionRead  int
	PermissionWrite int
	CreateTime      int64
	UpdateTime      int64
}

type StorageAck struct {
	Collection string
	Key        string
	UserID     string
	Version    string
}

type Leaderboard struct {
	Id            string
	Authoritative bool
	SortOrder     string
	Operator      string
	ResetSchedule string
	Metadata      map[string]interface{}
	CreateTime    int64
}

type Tournament struct {
	Id          string
	Title       string
	Description string
	Category    int
	SortOrder   string
	Size        int
	MaxSize     int
	MaxNumScore int
	CanEnter    bool
	EndActive   int64
	NextReset   int64
	Metadata    map[string]interface{}
	CreateTime  int64
	StartTime   int64
	Duration    int
}

type LeaderboardRecord struct {
	LeaderboardId string
	OwnerId       string
	Username      string
	Score         int64
	Subscore      int64
	NumScore      int
	Metadata      map[string]interface{}
	CreateTime    int64
	UpdateTime    int64
	ExpiryTime    int64
	Rank          int64
}

// StorageEngine persists storage objects. Implementations live outside
// the runtime core and are injected at startup.
type StorageEngine interface {
	Read(ctx context.Context, reads []*StorageRead) ([]*StorageObject, error)
	Write(ctx context.Context, writes []*StorageWrite) ([]*StorageAck, error)
	Delete(ctx context.Context, deletes []*StorageDelete) error
	List(ctx context.Context, callerID, userID, collection string, limit int, cursor string) ([]*StorageObject, string, error)
}

/// WalletManager applies wallet changesets. A multi-user update is atomic:
// either every changeset applies or none do, and a failed update reports
// the offending user. Ledger entries record each applied changeset.
type WalletManager interface {
	UpdateWallets(ctx context.Context, updates []*WalletUpdate, updateLedger bool) ([]*WalletUpdateResult, error)
	ListLedger(ctx context.Context, userID string, limit int, cursor string) ([]WalletLedgerItem, string, error)
}

// LeaderboardRegistry manages leaderboards and tournaments. The runtime
// core invokes module callbacks on its end/reset events.
type LeaderboardRegistry interface {
	Create(ctx context.Context, id string, authoritative bool, sortOrder, operator, resetSchedule string, metadata map[string]interface{}) (*Leaderboard, error)
	Delete(ctx context.Context, id string) error
	RecordWrite(ctx context.Context, id, ownerID, username string, score, subscore int64, metadata map[string]interface{}) (*LeaderboardRecord, error)
	RecordsList(ctx context.Context, id string, ownerIDs []string, limit int, cursor string, expiry int64) ([]*LeaderboardRecord, string, string, error)
}

// CryptoModule exposes the crypto helpers available to modules.
type CryptoModule interface {
	AesEncrypt(input, key string) (string, error)
	AesDecrypt(input, key string) (string, error)
	Sha256Hash(input string) string
	BcryptHash(input string) (string, error)
	BcryptCompare(hash, plaintext string) bool
	UuidV4() string
}

// NotificationSender delivers notifications to users, persisting them if
// requested and routing them to live sessions.
type NotificationSender interface {
	Send(ctx context.Context, notifications []*NotificationSend) error
}

// Module is the server-side API surface handed to every registered
// function. Storage, wallet and leaderboard calls delegate to the
// configured facade implementations.
type Module interface {
	AuthenticateTokenGenerate(userID, username string, exp int64, vars map[string]string) (string, int64, error)
	SessionDisconnect(ctx context.Context, sessionID string, reason ...PresenceReason) error

	StreamUserList(mode uint8, subject, subcontext, label string, includeHidden, includeNotHidden bool) ([]Presence, error)
	StreamUserGet(mode uint8, subject, subcontext, label, userID, sessionID string) (PresenceMeta, error)
	StreamUserJoin(mode uint8, subject, subcontext, label, userID, sessionID string, hidden, persistence bool, status string) (bool, error)
	StreamUserUpdate(mode uint8, subject, subcontext, label, userID, sessionID string, hidden, persistence bool, status string) error
	StreamUserLeave(mode uint8, subject, subcontext, label, userID, sessionID string) error
	StreamUserKick(mode uint8, subject, subcontext, label string, presence Presence) error
	StreamCount(mode uint8, subject, subcontext, label string) (int, error)
	StreamClose(mode uint8, subject, subcontext, label string) error
	StreamSend(mode uint8, subject, subcontext, label, data string, presences []Presence, reliable bool) error

	MatchCreate(ctx context.Context, module string, params map[string]interface{}) (string, error)
	MatchGet(ctx context.Context, id string) (*MatchInfo, error)
	MatchList(ctx context.Context, limit int, authoritative bool, label string, minSize, maxSize *int, query string) ([]*MatchInfo, error)
	MatchSignal(ctx context.Context, id string, data string) (string, error)

	NotificationSend(ctx context.Context, userID, subject string, content map[string]interface{}, code int, sender string, persistent bool) error
	NotificationsSend(ctx context.Context, notifications []*NotificationSend) error

	WalletUpdate(ctx context.Context, userID string, changeset map[string]int64, metadata map[string]interface{}, updateLedger bool) (map[string]int64, map[string]int64, error)
	WalletsUpdate(ctx context.Context, updates []*WalletUpdate, updateLedger bool) ([]*WalletUpdateResult, error)
	WalletLedgerList(ctx context.Context, userID string, limit int, cursor string) ([]WalletLedgerItem, string, error)

	StorageRead(ctx context.Context, reads []*StorageRead) ([]*StorageObject, error)
	StorageWrite(ctx context.Context, writes []*StorageWrite) ([]*StorageAck, error)
	StorageDelete(ctx context.Context, deletes []*StorageDelete) error
	StorageList(ctx context.Context, callerID, userID, collection string, limit int, cursor string) ([]*StorageObject, string, error)

	LeaderboardCreate(ctx context.Context, id string, authoritative bool, sortOrder, operator, resetSchedule string, metadata map[string]interface{}) (*Leaderboard, error)
	LeaderboardDelete(ctx context.Context, id string) error
	LeaderboardRecordWrite(ctx context.Context, id, ownerID, username string, score, subscore int64, metadata map[string]interface{}) (*LeaderboardRecord, error)
	LeaderboardRecordsList(ctx context.Context, id string, ownerIDs []string, limit int, cursor string, expiry int64) ([]*LeaderboardRecord, string, string, error)

	CryptoModule
}
