package broker

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbaxter/chat-broker/internal/stats"
	"github.com/mbaxter/chat-broker/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

const (
	stateActive int32 = iota
	stateClosing
	stateClosed
)

type Client struct {
	id        string
	conn      *websocket.Conn
	broker    *Broker
	log       *log.Logger
	stats     stats.StatsProvider
	identity  types.UserIdentity
	send      chan *ServerMessage
	sendMu    sync.Mutex
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	state     atomic.Int32
	drops     atomic.Int32
	maxDrops  int32
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(id string, identity types.UserIdentity, conn *websocket.Conn, b *Broker, l *log.Logger, sp stats.StatsProvider) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		broker:   b,
		log:      l,
		stats:    sp,
		identity: identity,
		send:     make(chan *ServerMessage, b.cfg.SendQueueSize),
		maxDrops: int32(b.cfg.MaxConsecutiveDrops),
		rooms:    make(map[string]*Room),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Id() string { return c.id }

// Ack queues the connect acknowledgement carrying the connection id.
func (c *Client) Ack() {
	c.queueEvent(NoErrOK(0, map[string]any{
		"connection_id": c.id,
		"user_id":       c.identity.Id,
	}))
}

func (c *Client) Identity() types.UserIdentity { return c.identity }

func (c *Client) Write() {
	ticker := time.NewTicker(time.Duration(pingInterval))
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write pump for %q exiting", c.id)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read pump for %q exiting", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueEvent(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Leave != nil:
			c.leaveRoom(&msg)
		default:
			c.queueEvent(ErrInvalidMessage(msg.Id))
		}
	}
}

// queueEvent performs a non-blocking enqueue to the connection's outbound
// queue. When the queue is full the oldest queued event is shed to make
// room, so fanout never stalls on a slow consumer. Response frames are
// never shed; if one is at the head the incoming event is discarded
// instead. A run of consecutive sheds past the drop threshold force-closes
// the connection.
func (c *Client) queueEvent(msg *ServerMessage) bool {
	if c.state.Load() != stateActive {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case c.send <- msg:
		c.drops.Store(0)
		return true
	default:
	}

	// The queue is full. sendMu keeps every other producer out and the
	// writer only drains, so a slot freed below cannot be stolen before
	// it is refilled.
	select {
	case old := <-c.send:
		if old.Response != nil {
			c.send <- old
		} else {
			c.send <- msg
		}
	default:
		// the writer drained the queue between the two selects
		c.send <- msg
		c.drops.Store(0)
		return true
	}

	c.stats.Incr(metricEventsDropped)
	if drops := c.drops.Add(1); drops >= c.maxDrops {
		c.log.Printf("connection %q exceeded %d consecutive drops, closing", c.id, c.maxDrops)
		c.stats.Incr(metricConnectionsKicked)
		c.forceClose()
	}

	return false
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// forceClose marks the connection closing so membership snapshots stop
// returning it, then stops the write pump. The closed transport unblocks
// the read pump, which runs the normal cleanup path.
func (c *Client) forceClose() {
	c.state.CompareAndSwap(stateActive, stateClosing)
	c.stopClient()
}

// cleanup tears the connection down: the closed state is published first so
// no fanout snapshot taken after this point includes the connection, then
// the registry and every joined room are notified.
func (c *Client) cleanup() {
	c.state.Store(stateClosed)
	rooms := c.roomIds()
	select {
	case c.broker.deRegisterChan <- &deregistration{client: c, rooms: rooms}:
	case <-c.broker.done:
	}
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		leaveMsg := &ClientMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Leave:       &Leave{RoomId: room.id},
			client:      c,
		}
		// wait for the room if its channel is full; dropping the leave
		// would strand this dead connection in the room's membership
		select {
		case room.leaveChan <- leaveMsg:
		case <-room.done:
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.broker.joinChan <- msg:
	default:
		c.log.Printf("join channel full")
		c.queueEvent(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r, ok := c.getRoom(msg.Leave.RoomId)
	if !ok {
		// leaving a room that was never joined is a no-op
		c.queueEvent(NoErrOK(msg.Id, nil))
		return
	}

	select {
	case r.leaveChan <- msg:
	case <-r.done:
	default:
		c.log.Printf("leave channel full on room %q", r.id)
		c.queueEvent(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) getRoom(id string) (*Room, bool) {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	room, ok := c.rooms[id]
	return room, ok
}

func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
