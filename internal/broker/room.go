package broker

import (
	"log"
	"sync"
	"time"

	"github.com/mbaxter/chat-broker/internal/types"
)

// deliverReq asks a room actor to fan one event out to its current
// members. resp, when non-nil, receives the delivery report.
type deliverReq struct {
	message  *types.MessageEvent
	presence *types.PresenceEvent
	resp     chan types.DeliveryReport
}

type Room struct {
	id          string
	b           *Broker
	log         *log.Logger
	joinChan    chan *ClientMessage
	leaveChan   chan *ClientMessage
	deliverChan chan *deliverReq
	clients     map[*Client]struct{}
	userMap     map[string]map[*Client]struct{}
	clientLock  sync.RWMutex
	idleTimeout time.Duration
	// killTimer unloads the room once it has been empty for idleTimeout
	killTimer *time.Timer
	// exit signals the room actor to stop
	exit chan struct{}
	done chan struct{}
}

func newRoom(id string, b *Broker) *Room {
	return &Room{
		id:          id,
		b:           b,
		log:         b.log,
		joinChan:    make(chan *ClientMessage, 256),
		leaveChan:   make(chan *ClientMessage, 256),
		deliverChan: make(chan *deliverReq, 256),
		clients:     make(map[*Client]struct{}),
		userMap:     make(map[string]map[*Client]struct{}),
		idleTimeout: b.cfg.RoomIdleTimeout,
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// start is the room actor. Every membership mutation and every delivery
// for this room runs on this goroutine, which is what preserves per-room
// delivery order.
func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)
	r.killTimer = time.NewTimer(r.idleTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case req := <-r.deliverChan:
			r.handleDeliver(req)
		case <-r.killTimer.C:
			// park here until the hub decides; a join queued for this
			// room stays visible in joinChan while it does
			req := &unloadReq{room: r, resp: make(chan bool, 1)}
			select {
			case r.b.unloadRoomChan <- req:
			case <-r.exit:
				r.handleRoomExit()
				return
			}
			select {
			case unloaded := <-req.resp:
				if unloaded {
					r.handleRoomExit()
					return
				}
				// a join raced the timer; the room stays and the timer
				// re-arms if it empties again
			case <-r.exit:
				r.handleRoomExit()
				return
			}
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	if c.state.Load() != stateActive {
		// the connection was torn down before the join was processed
		r.log.Printf("ignoring join from closed connection %q", c.id)
		if len(r.clients) == 0 {
			r.killTimer.Reset(r.idleTimeout)
		}
		return
	}

	added, firstForUser := r.addClient(c)
	c.queueEvent(NoErrOK(join.Id, map[string]any{"room_id": r.id}))

	if !added {
		// duplicate join is a no-op
		return
	}

	if firstForUser {
		// announce the user to the other members of the room
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Presence: &types.PresenceEvent{
				UserId: c.identity.Id,
				Status: types.StatusOnline,
				RoomId: r.id,
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	removed, lastForUser := r.removeClient(c)

	if leaveMsg.Id != 0 {
		// the leave came from a client frame, acknowledge it
		c.queueEvent(NoErrOK(leaveMsg.Id, nil))
	}

	if !removed {
		return
	}

	if lastForUser {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Presence: &types.PresenceEvent{
				UserId: c.identity.Id,
				Status: types.StatusOffline,
				RoomId: r.id,
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleDeliver(req *deliverReq) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
	}

	switch {
	case req.message != nil:
		msg.Message = req.message
	case req.presence != nil:
		evt := *req.presence
		evt.RoomId = r.id
		msg.Presence = &evt
	default:
		if req.resp != nil {
			req.resp <- types.DeliveryReport{RoomId: r.id}
		}
		return
	}

	report := r.broadcast(msg)
	if req.resp != nil {
		req.resp <- report
	}
}

func (r *Room) handleRoomExit() {
	r.log.Printf("room %q is exiting", r.id)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.id)
	}
	r.clients = make(map[*Client]struct{})
	r.userMap = make(map[string]map[*Client]struct{})
	r.clientLock.Unlock()

	close(r.done)
}

// addClient reports whether the connection was newly added and whether it
// is the first connection of its user present in the room. Re-adding a
// present connection is a no-op.
func (r *Room) addClient(c *Client) (added, firstForUser bool) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; ok {
		return false, false
	}

	r.clients[c] = struct{}{}
	if r.userMap[c.identity.Id] == nil {
		r.userMap[c.identity.Id] = make(map[*Client]struct{})
		firstForUser = true
	}
	r.userMap[c.identity.Id][c] = struct{}{}

	c.addRoom(r)
	return true, firstForUser
}

// removeClient reports whether the connection was present and whether it
// was the last connection of its user in the room.
func (r *Room) removeClient(c *Client) (removed, lastForUser bool) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false, false
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	if userClients, ok := r.userMap[c.identity.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.identity.Id)
			lastForUser = true
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.id)
		r.killTimer.Reset(r.idleTimeout)
	}

	return true, lastForUser
}

// snapshot returns the connections currently present in the room,
// excluding any that are mid-teardown.
func (r *Room) snapshot() []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c.state.Load() != stateActive {
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

// members returns the connection ids currently present in the room.
func (r *Room) members() []string {
	clients := r.snapshot()
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.id)
	}
	return ids
}

// broadcast queues the message to every present connection. A connection
// that cannot accept the message is counted as dropped and never blocks
// the others.
func (r *Room) broadcast(msg *ServerMessage) types.DeliveryReport {
	report := types.DeliveryReport{RoomId: r.id}

	for _, c := range r.snapshot() {
		if c == msg.SkipClient {
			continue
		}

		report.Recipients++
		if c.queueEvent(msg) {
			report.Queued++
		} else {
			report.Dropped++
		}
	}

	return report
}
