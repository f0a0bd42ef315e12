package broker

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbaxter/chat-broker/internal/types"
)

// presencePublisher turns registry transitions into presence events. A
// user coming online (0→1 connections) is announced immediately; going
// offline (1→0) is announced only after a grace delay, so a reconnect
// blip inside the window coalesces into no flip at all.
type presencePublisher struct {
	b     *Broker
	log   *log.Logger
	grace time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newPresencePublisher(b *Broker, grace time.Duration, logger *log.Logger) *presencePublisher {
	return &presencePublisher{
		b:       b,
		log:     logger,
		grace:   grace,
		pending: make(map[string]*time.Timer),
	}
}

func (p *presencePublisher) connected(identity types.UserIdentity) {
	p.mu.Lock()
	if t, ok := p.pending[identity.Id]; ok {
		// reconnected inside the grace window: the offline announcement
		// never went out, so there is no flip to publish
		t.Stop()
		delete(p.pending, identity.Id)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.publish(identity.Id, types.StatusOnline, p.b.roomsOfUser(identity.Id))
}

func (p *presencePublisher) disconnected(identity types.UserIdentity, rooms []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.pending[identity.Id]; ok {
		t.Stop()
	}
	p.pending[identity.Id] = time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		delete(p.pending, identity.Id)
		p.mu.Unlock()

		if len(p.b.ConnectionsOf(identity.Id)) > 0 {
			// reconnected while the timer was firing
			return
		}

		p.publish(identity.Id, types.StatusOffline, rooms)
	})
}

func (p *presencePublisher) publish(userId, status string, rooms []string) {
	if len(rooms) == 0 {
		return
	}

	evt := &types.PresenceEvent{
		Id:     uuid.NewString(),
		UserId: userId,
		Status: status,
	}

	p.log.Printf("publishing presence %q for user %q to %d room(s)", status, userId, len(rooms))
	for _, roomId := range rooms {
		p.b.broadcastPresence(roomId, evt)
	}
}

func (p *presencePublisher) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, t := range p.pending {
		t.Stop()
		delete(p.pending, id)
	}
}
