package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/mbaxter/chat-broker/internal/auth"
	"github.com/mbaxter/chat-broker/internal/broker"
	"github.com/mbaxter/chat-broker/internal/types"
	"github.com/teris-io/shortid"
)

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bearerToken extracts the token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}

	return r.URL.Query().Get("token")
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			s.log.Printf("verify token: %v", err)
		}
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	connId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := broker.NewClient(connId, identity, conn, s.b, s.log, s.b.Stats())
	client.Ack()

	if err := s.b.RegisterClient(client); err != nil {
		s.log.Println("register client:", err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}

// deliver is the ingestion hook the persistence API calls once a message
// row has been committed.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	var evt types.MessageEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if evt.Id == "" || evt.RoomId == "" || evt.SenderId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if evt.Type == "" {
		evt.Type = types.MessageTypeText
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = broker.Now()
	}

	report, err := s.b.Deliver(r.Context(), &evt)
	if err != nil {
		errResp := NewServiceUnavailableError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, report)
}
