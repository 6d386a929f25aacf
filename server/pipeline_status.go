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
	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/rtapi"
	"go.uber.org/zap"
)

func (p *Pipeline) statusFollow(logger *zap.Logger, session Session, envelope *rtapi.Envelope) (bool, *rtapi.Envelope) {
	incoming := envelope.StatusFollow

	if len(incoming.UserIds) == 0 {
		out := &rtapi.Envelope{Cid: envelope.Cid, Status: &rtapi.Status{
			Presences: make([]*rtapi.UserPresence, 0),
		}}
		_ = session.Send(out, true)
		return true, out
	}

	uniqueUserIDs := make(map[uuid.UUID]struct{}, len(incoming.UserIds))
	for _, uid := range incoming.UserIds {
		userID, err := uuid.FromString(uid)
		if err != nil {
			_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
				Code:    int32(rtapi.ErrorBadInput),
				Message: "Invalid user identifier",
			}}, true)
			return false, nil
		}
		uniqueUserIDs[userID] = struct{}{}
	}

	presences := make([]*rtapi.UserPresence, 0, len(uniqueUserIDs))
	for userID := range uniqueUserIDs {
		stream := PresenceStream{Mode: StreamModeStatus, Subject: userID}
		success, _ := p.tracker.Track(session.Context(), session.ID(), stream, session.UserID(), PresenceMeta{Username: session.Username(), Hidden: true})
		if !success {
			_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
				Code:    int32(rtapi.ErrorRuntimeException),
				Message: "Could not follow user status",
			}}, true)
			return false, nil
		}

		ps := p.tracker.ListByStream(stream, false, true)
		for _, presence := range ps {
			presences = append(presences, &rtapi.UserPresence{
				UserId:    presence.UserID.String(),
				SessionId: presence.ID.SessionID.String(),
				Username:  presence.Meta.Username,
				Status:    presence.Meta.Status,
			})
		}
	}

	out := &rtapi.Envelope{Cid: envelope.Cid, Status: &rtapi.Status{
		Presences: presences,
	}}
	_ = session.Send(out, true)

	return true, out
}

func (p *Pipeline) statusUnfollow(logger *zap.Logger, session Session, envelope *rtapi.Envelope) (bool, *rtapi.Envelope) {
	incoming := envelope.StatusUnfollow

	if len(incoming.UserIds) == 0 {
		out := &rtapi.Envelope{Cid: envelope.Cid}
		_ = session.Send(out, true)
		return true, out
	}

	userIDs := make([]uuid.UUID, 0, len(incoming.UserIds))
	for _, uid := range incoming.UserIds {
		userID, err := uuid.FromString(uid)
		if err != nil {
			_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
				Code:    int32(rtapi.ErrorBadInput),
				Message: "Invalid user identifier",
			}}, true)
			return false, nil
		}
		userIDs = append(userIDs, userID)
	}

	for _, userID := range userIDs {
		p.tracker.Untrack(session.ID(), PresenceStream{Mode: StreamModeStatus, Subject: userID}, session.UserID())
	}

	out := &rtapi.Envelope{Cid: envelope.Cid}
	_ = session.Send(out, true)

	return true, out
}

func (p *Pipeline) statusUpdate(logger *zap.Logger, session Session, envelope *rtapi.Envelope) (bool, *rtapi.Envelope) {
	incoming := envelope.StatusUpdate

	// An empty status clears the user's own status presence.
	if incoming.Status == "" {
		p.tracker.Untrack(session.ID(), PresenceStream{Mode: StreamModeStatus, Subject: session.UserID()}, session.UserID())

		out := &rtapi.Envelope{Cid: envelope.Cid}
		_ = session.Send(out, true)
		return true, out
	}

	if len(incoming.Status) > 128 {
		_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
			Code:    int32(rtapi.ErrorBadInput),
			Message: "Status must be 128 characters or less",
		}}, true)
		return false, nil
	}

	success := p.tracker.Update(session.Context(), session.ID(), PresenceStream{Mode: StreamModeStatus, Subject: session.UserID()}, session.UserID(), PresenceMeta{
		Username: session.Username(),
		Status:   incoming.Status,
	})
	if !success {
		_ = session.Send(&rtapi.Envelope{Cid: envelope.Cid, Error: &rtapi.Error{
			Code:    int32(rtapi.ErrorRuntimeException),
			Message: "Error tracking status update",
		}}, true)
		return false, nil
	}

	out := &rtapi.Envelope{Cid: envelope.Cid}
	_ = session.Send(out, true)

	return true, out
}
