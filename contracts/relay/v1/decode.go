package v1

import (
	"encoding/json"
	"fmt"
)

// ClientPayload is implemented by every client -> server payload variant.
// DecodeClientPayload returns one of these concrete types; handlers type-switch
// on the variant instead of poking at raw JSON.
type ClientPayload interface {
	Validate() error
}

// DecodeClientPayload decodes and validates the payload of a client -> server
// envelope into its typed variant. Server-only types are rejected.
func DecodeClientPayload(env Envelope) (ClientPayload, error) {
	var p ClientPayload

	switch env.Type {
	case TypeJoinRoom:
		p = &JoinRoomPayload{}
	case TypeLeaveRoom:
		p = &LeaveRoomPayload{}
	case TypeSendMessage:
		p = &SendMessagePayload{}
	case TypeTypingStart, TypeTypingStop:
		p = &TypingPayload{}
	case TypeUserOnline:
		p = &UserOnlinePayload{}
	case TypeVisitorJoinedDomain:
		p = &VisitorJoinedDomainPayload{}
	case TypeVisitorLeftDomain:
		p = &VisitorLeftDomainPayload{}
	case TypeVisitorActivity:
		p = &VisitorActivityPayload{}
	case TypeGetDomainStats:
		p = &GetDomainStatsPayload{}
	case TypeGetAllDomainStats:
		p = &GetAllDomainStatsPayload{}
	case TypeCustomerJoinedRoom:
		p = &CustomerJoinedRoomPayload{}
	default:
		return nil, fmt.Errorf("not a client event: %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
