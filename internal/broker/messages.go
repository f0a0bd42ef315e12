package broker

import (
	"net/http"
	"time"

	"github.com/mbaxter/chat-broker/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame read from a connection. Exactly one of the
// event fields is set.
type ClientMessage struct {
	BaseMessage
	Join   *Join   `json:"join_chat,omitempty"`
	Leave  *Leave  `json:"leave_chat,omitempty"`
	client *Client `json:"-"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// ServerMessage is a frame written to a connection: a response correlated
// to a client frame by id, a fanned-out message event, or a presence event.
type ServerMessage struct {
	BaseMessage
	Response *Response            `json:"response,omitempty"`
	Message  *types.MessageEvent  `json:"message,omitempty"`
	Presence *types.PresenceEvent `json:"presence,omitempty"`

	SkipClient *Client `json:"-"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
