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

// Package rtapi defines the realtime message envelope exchanged between
// sessions and the server core. Messages are a JSON tagged union: exactly
// one message field is set per envelope.
package rtapi

import "encoding/json"

// Error codes returned to clients inside an Error message.
const (
	ErrorRuntimeException        = 0
	ErrorUnrecognizedPayload     = 1
	ErrorMissingPayload          = 2
	ErrorBadInput                = 3
	ErrorMatchNotFound           = 4
	ErrorMatchJoinRejected       = 5
	ErrorRuntimeFunctionNotFound = 6
	ErrorRuntimeFunctionErr      = 7
)

type Error struct {
	Code    int32             `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

type UserPresence struct {
	UserId      string `json:"user_id"`
	SessionId   string `json:"session_id"`
	Username    string `json:"username,omitempty"`
	Persistence bool   `json:"persistence,omitempty"`
	Status      string `json:"status,omitempty"`
}

type Stream struct {
	Mode       int32  `json:"mode"`
	Subject    string `json:"subject,omitempty"`
	Subcontext string `json:"subcontext,omitempty"`
	Label      string `json:"label,omitempty"`
}

type Rpc struct {
	Id      string `json:"id"`
	Payload string `json:"payload,omitempty"`
}

type MatchCreate struct {
	Name string `json:"name,omitempty"`
}

// Match describes a joined match back to the client.
type Match struct {
	MatchId       string          `json:"match_id"`
	Authoritative bool            `json:"authoritative,omitempty"`
	Label         string          `json:"label,omitempty"`
	Size          int32           `json:"size,omitempty"`
	Presences     []*UserPresence `json:"presences,omitempty"`
	Self          *UserPresence   `json:"self,omitempty"`
}

type MatchJoin struct {
	MatchId  string            `json:"match_id,omitempty"`
	Token    string            `json:"token,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type MatchLeave struct {
	MatchId string `json:"match_id"`
}

type MatchPresenceEvent struct {
	MatchId string          `json:"match_id"`
	Joins   []*UserPresence `json:"joins,omitempty"`
	Leaves  []*UserPresence `json:"leaves,omitempty"`
}

type MatchDataSend struct {
	MatchId   string          `json:"match_id"`
	OpCode    int64           `json:"op_code"`
	Data      []byte          `json:"data,omitempty"`
	Presences []*UserPresence `json:"presences,omitempty"`
	Reliable  bool            `json:"reliable,omitempty"`
}

type MatchData struct {
	MatchId  string        `json:"match_id"`
	Presence *UserPresence `json:"presence,omitempty"`
	OpCode   int64         `json:"op_code"`
	Data     []byte        `json:"data,omitempty"`
	Reliable bool          `json:"reliable,omitempty"`
}

type MatchmakerAdd struct {
	MinCount          int32              `json:"min_count"`
	MaxCount          int32              `json:"max_count"`
	Query             string             `json:"query,omitempty"`
	StringProperties  map[string]string  `json:"string_properties,omitempty"`
	NumericProperties map[string]float64 `json:"numeric_properties,omitempty"`
	CountMultiple     int32              `json:"count_multiple,omitempty"`
}

type MatchmakerTicket struct {
	Ticket string `json:"ticket"`
}

type MatchmakerRemove struct {
	Ticket string `json:"ticket"`
}

type MatchmakerMatchedUser struct {
	Presence          *UserPresence      `json:"presence"`
	StringProperties  map[string]string  `json:"string_properties,omitempty"`
	NumericProperties map[string]float64 `json:"numeric_properties,omitempty"`
	PartyId           string             `json:"party_id,omitempty"`
}

type MatchmakerMatched struct {
	Ticket  string                   `json:"ticket"`
	MatchId string                   `json:"match_id,omitempty"`
	Token   string                   `json:"token,omitempty"`
	Users   []*MatchmakerMatchedUser `json:"users,omitempty"`
	Self    *MatchmakerMatchedUser   `json:"self,omitempty"`
}

// MatchmakerExpired notifies a ticket owner the ticket aged out of the
// pool without a match. Sent exactly once per expired ticket.
type MatchmakerExpired struct {
	Ticket string `json:"ticket"`
}

type StatusFollow struct {
	UserIds []string `json:"user_ids,omitempty"`
}

type StatusUnfollow struct {
	UserIds []string `json:"user_ids,omitempty"`
}

type StatusUpdate struct {
	Status string `json:"status,omitempty"`
}

type Status struct {
	Presences []*UserPresence `json:"presences,omitempty"`
}

type StatusPresenceEvent struct {
	Joins  []*UserPresence `json:"joins,omitempty"`
	Leaves []*UserPresence `json:"leaves,omitempty"`
}

type StreamData struct {
	Stream   *Stream       `json:"stream"`
	Sender   *UserPresence `json:"sender,omitempty"`
	Data     string        `json:"data,omitempty"`
	Reliable bool          `json:"reliable,omitempty"`
}

type StreamPresenceEvent struct {
	Stream *Stream         `json:"stream"`
	Joins  []*UserPresence `json:"joins,omitempty"`
	Leaves []*UserPresence `json:"leaves,omitempty"`
}

type Notification struct {
	Id         string          `json:"id"`
	Subject    string          `json:"subject,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Code       int32           `json:"code,omitempty"`
	SenderId   string          `json:"sender_id,omitempty"`
	CreateTime int64           `json:"create_time,omitempty"`
	Persistent bool            `json:"persistent,omitempty"`
}

type Notifications struct {
	Notifications []*Notification `json:"notifications"`
}

// Envelope carries exactly one message, plus an optional client-assigned
// correlation id echoed back on responses.
type Envelope struct {
	Cid string `json:"cid,omitempty"`

	Error               *Error               `json:"error,omitempty"`
	Rpc                 *Rpc                 `json:"rpc,omitempty"`
	Match               *Match               `json:"match,omitempty"`
	MatchCreate         *MatchCreate         `json:"match_create,omitempty"`
	MatchJoin           *MatchJoin           `json:"match_join,omitempty"`
	MatchLeave          *MatchLeave          `json:"match_leave,omitempty"`
	MatchPresenceEvent  *MatchPresenceEvent  `json:"match_presence_event,omitempty"`
	MatchDataSend       *MatchDataSend       `json:"match_data_send,omitempty"`
	MatchData           *MatchData           `json:"match_data,omitempty"`
	MatchmakerAdd       *MatchmakerAdd       `json:"matchmaker_add,omitempty"`
	MatchmakerTicket    *MatchmakerTicket    `json:"matchmaker_ticket,omitempty"`
	MatchmakerRemove    *MatchmakerRemove    `json:"matchmaker_remove,omitempty"`
	MatchmakerMatched   *MatchmakerMatched   `json:"matchmaker_matched,omitempty"`
	MatchmakerExpired   *MatchmakerExpired   `json:"matchmaker_expired,omitempty"`
	StatusFollow        *StatusFollow        `json:"status_follow,omitempty"`
	StatusUnfollow      *StatusUnfollow      `json:"status_unfollow,omitempty"`
	StatusUpdate        *StatusUpdate        `json:"status_update,omitempty"`
	Status              *Status              `json:"status,omitempty"`
	StatusPresenceEvent *StatusPresenceEvent `json:"status_presence_event,omitempty"`
	StreamData          *StreamData          `json:"stream_data,omitempty"`
	StreamPresenceEvent *StreamPresenceEvent `json:"stream_presence_event,omitempty"`
	Notifications       *Notifications       `json:"notifications,omitempty"`
}

// MessageName returns the canonical lowercase name of the message set on
// the envelope, or an empty string if no message is set. Names double as
// hook registration ids.
func (e *Envelope) MessageName() string {
	switch {
	case e.Error != nil:
		return "error"
	case e.Rpc != nil:
		return "rpc"
	case e.Match != nil:
		return "match"
	case e.MatchCreate != nil:
		return "matchcreate"
	case e.MatchJoin != nil:
		return "matchjoin"
	case e.MatchLeave != nil:
		return "matchleave"
	case e.MatchPresenceEvent != nil:
		return "matchpresenceevent"
	case e.MatchDataSend != nil:
		return "matchdatasend"
	case e.MatchData != nil:
		return "matchdata"
	case e.MatchmakerAdd != nil:
		return "matchmakeradd"
	case e.MatchmakerTicket != nil:
		return "matchmakerticket"
	case e.MatchmakerRemove != nil:
		return "matchmakerremove"
	case e.MatchmakerMatched != nil:
		return "matchmakermatched"
	case e.MatchmakerExpired != nil:
		return "matchmakerexpired"
	case e.StatusFollow != nil:
		return "statusfollow"
	case e.StatusUnfollow != nil:
		return "statusunfollow"
	case e.StatusUpdate != nil:
		return "statusupdate"
	case e.Status != nil:
		return "status"
	case e.StatusPresenceEvent != nil:
		return "statuspresenceevent"
	case e.StreamData != nil:
		return "streamdata"
	case e.StreamPresenceEvent != nil:
		return "streampresenceevent"
	case e.Notifications != nil:
		return "notifications"
	}
	return ""
}

// Marshal encodes the envelope to its JSON wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope from its JSON wire form.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
