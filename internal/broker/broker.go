package broker

import (
	"context"
	"log"
	"sync"

	"github.com/mbaxter/chat-broker/internal/config"
	"github.com/mbaxter/chat-broker/internal/stats"
	"github.com/mbaxter/chat-broker/internal/types"
)

const (
	metricActiveConnections = "ActiveConnections"
	metricActiveRooms       = "ActiveRooms"
	metricEventsDelivered   = "EventsDelivered"
	metricEventsDropped     = "EventsDropped"
	metricConnectionsKicked = "ConnectionsKicked"
)

// deregistration carries a closing connection along with the rooms it was
// present in, captured before its membership edges are cleared.
type deregistration struct {
	client *Client
	rooms  []string
}

type stopReq struct {
	done chan struct{}
}

// unloadReq asks the hub to retire an idle room. The actor parks on resp
// until the hub decides, so it cannot drain a queued join in between.
type unloadReq struct {
	room *Room
	resp chan bool
}

type Broker struct {
	log            *log.Logger
	cfg            *config.Config
	stats          stats.StatsProvider
	registry       *registry
	presence       *presencePublisher
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deRegisterChan chan *deregistration
	unloadRoomChan chan *unloadReq
	rooms          map[string]*Room
	roomsLock      sync.RWMutex
	stop           chan *stopReq
	done           chan struct{}
}

func NewBroker(logger *log.Logger, cfg *config.Config, sp stats.StatsProvider) (*Broker, error) {
	b := &Broker{
		log:            logger,
		cfg:            cfg,
		stats:          sp,
		registry:       newRegistry(),
		joinChan:       make(chan *ClientMessage),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *deregistration),
		unloadRoomChan: make(chan *unloadReq),
		rooms:          make(map[string]*Room),
		stop:           make(chan *stopReq),
		done:           make(chan struct{}),
	}
	b.presence = newPresencePublisher(b, cfg.OfflineGrace, logger)

	for _, name := range []string{
		metricActiveConnections,
		metricActiveRooms,
		metricEventsDelivered,
		metricEventsDropped,
		metricConnectionsKicked,
	} {
		sp.RegisterMetric(name)
	}

	return b, nil
}

func (b *Broker) Run() {
	for {
		select {
		case joinMsg := <-b.joinChan:
			b.handleJoin(joinMsg)
		case c := <-b.registerChan:
			first, added := b.registry.register(c)
			if !added {
				continue
			}
			b.log.Printf("registered connection %q for user %q", c.id, c.identity.Id)
			b.stats.Incr(metricActiveConnections)
			if first {
				b.presence.connected(c.identity)
			}
		case dereg := <-b.deRegisterChan:
			remaining, removed := b.registry.unregister(dereg.client)
			if !removed {
				continue
			}
			b.log.Printf("unregistered connection %q", dereg.client.id)
			b.stats.Decr(metricActiveConnections)
			if remaining == 0 {
				b.presence.disconnected(dereg.client.identity, dereg.rooms)
			}
		case req := <-b.unloadRoomChan:
			b.unloadRoom(req)
		case req := <-b.stop:
			b.shutdown()
			close(req.done)
			return
		}
	}
}

func (b *Broker) handleJoin(joinMsg *ClientMessage) {
	roomId := joinMsg.Join.RoomId

	b.roomsLock.RLock()
	room, ok := b.rooms[roomId]
	b.roomsLock.RUnlock()

	if !ok {
		// presence rooms are created on first join; whether the user may
		// see the room id at all was settled by the API layer that handed
		// it out
		room = newRoom(roomId, b)
		b.roomsLock.Lock()
		b.rooms[roomId] = room
		b.roomsLock.Unlock()
		b.stats.Incr(metricActiveRooms)
		go room.start()
	}

	select {
	case room.joinChan <- joinMsg:
	default:
		b.log.Printf("join channel full on room %q", room.id)
		joinMsg.client.queueEvent(ErrServiceUnavailable(joinMsg.Id))
	}
}

// unloadRoom retires an idle room, or refuses if a join raced the idle
// timer. The actor is parked waiting on resp and joins are only routed on
// this goroutine, so any join already queued for the room is still visible
// in its join channel here and no new one can arrive mid-check.
func (b *Broker) unloadRoom(req *unloadReq) {
	room := req.room

	if len(room.joinChan) > 0 {
		req.resp <- false
		return
	}

	b.roomsLock.Lock()
	delete(b.rooms, room.id)
	b.roomsLock.Unlock()
	b.stats.Decr(metricActiveRooms)

	req.resp <- true
	b.log.Printf("unloaded room %q", room.id)
}

func (b *Broker) shutdown() {
	b.log.Println("shutting down rooms")
	b.roomsLock.Lock()
	for id, room := range b.rooms {
		delete(b.rooms, id)
		close(room.exit)
		<-room.done
		b.stats.Decr(metricActiveRooms)
	}
	b.roomsLock.Unlock()

	for _, c := range b.registry.clients() {
		c.stopClient()
	}

	b.presence.stopAll()
	close(b.done)
}

// Stats exposes the broker's stats sink so the transport layer can share it.
func (b *Broker) Stats() stats.StatsProvider {
	return b.stats
}

// RegisterClient hands a freshly upgraded connection to the broker.
func (b *Broker) RegisterClient(c *Client) error {
	select {
	case b.registerChan <- c:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

// JoinRoom subscribes a connection to a room's events. Joining an unknown
// connection fails with ErrConnectionNotFound, a race with disconnect.
func (b *Broker) JoinRoom(connId, roomId string) error {
	c, err := b.registry.get(connId)
	if err != nil {
		return err
	}

	msg := &ClientMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Join:        &Join{RoomId: roomId},
		client:      c,
	}

	select {
	case b.joinChan <- msg:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

// LeaveRoom unsubscribes a connection from a room. Leaving a room the
// connection never joined is a no-op.
func (b *Broker) LeaveRoom(connId, roomId string) error {
	c, err := b.registry.get(connId)
	if err != nil {
		return err
	}

	r, ok := c.getRoom(roomId)
	if !ok {
		return nil
	}

	msg := &ClientMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Leave:       &Leave{RoomId: roomId},
		client:      c,
	}

	select {
	case r.leaveChan <- msg:
		return nil
	case <-r.done:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

// Deliver fans a persisted message out to every connection currently
// present in its room. Delivery order per room follows Deliver call order;
// a room with nobody present yields an empty report.
func (b *Broker) Deliver(ctx context.Context, evt *types.MessageEvent) (types.DeliveryReport, error) {
	report := types.DeliveryReport{RoomId: evt.RoomId}

	b.roomsLock.RLock()
	room, ok := b.rooms[evt.RoomId]
	b.roomsLock.RUnlock()
	if !ok {
		return report, nil
	}

	req := &deliverReq{
		message: evt,
		resp:    make(chan types.DeliveryReport, 1),
	}

	select {
	case room.deliverChan <- req:
	case <-room.done:
		return report, nil
	case <-ctx.Done():
		return report, ctx.Err()
	}

	select {
	case report = <-req.resp:
	case <-room.done:
		return report, nil
	case <-ctx.Done():
		return report, ctx.Err()
	}

	if report.Queued > 0 {
		b.stats.IncrBy(metricEventsDelivered, report.Queued)
	}

	return report, nil
}

// broadcastPresence fans a presence event out to a room without waiting
// for a report.
func (b *Broker) broadcastPresence(roomId string, evt *types.PresenceEvent) {
	b.roomsLock.RLock()
	room, ok := b.rooms[roomId]
	b.roomsLock.RUnlock()
	if !ok {
		return
	}

	select {
	case room.deliverChan <- &deliverReq{presence: evt}:
	case <-room.done:
	default:
		b.log.Printf("deliver channel full on room %q, dropping presence event", roomId)
	}
}

// RoomMembers returns the connection ids currently present in a room.
func (b *Broker) RoomMembers(roomId string) []string {
	b.roomsLock.RLock()
	room, ok := b.rooms[roomId]
	b.roomsLock.RUnlock()
	if !ok {
		return nil
	}

	return room.members()
}

// ConnectionsOf returns the ids of a user's live connections.
func (b *Broker) ConnectionsOf(userId string) []string {
	return b.registry.connectionsOf(userId)
}

func (b *Broker) roomsOfUser(userId string) []string {
	seen := make(map[string]struct{})
	for _, c := range b.registry.clientsOf(userId) {
		for _, id := range c.roomIds() {
			seen[id] = struct{}{}
		}
	}

	rooms := make([]string, 0, len(seen))
	for id := range seen {
		rooms = append(rooms, id)
	}
	return rooms
}

func (b *Broker) Shutdown(ctx context.Context) error {
	b.log.Println("received shutdown signal")

	req := &stopReq{done: make(chan struct{})}
	select {
	case b.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
