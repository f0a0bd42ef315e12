package broker

import (
	"sync"
)

// registry owns the set of live connections. All mutation happens under a
// single mutex so that register/unregister for the same connection are
// linearizable: once unregister returns, the connection is gone from every
// index.
type registry struct {
	mu    sync.Mutex
	conns map[string]*Client
	users map[string]map[string]*Client
}

func newRegistry() *registry {
	return &registry{
		conns: make(map[string]*Client),
		users: make(map[string]map[string]*Client),
	}
}

// register records a live connection and reports whether it is the owning
// user's first one. Registering an already-known connection id is a no-op,
// two transport sessions are never merged.
func (rg *registry) register(c *Client) (first, added bool) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if _, ok := rg.conns[c.id]; ok {
		return false, false
	}

	rg.conns[c.id] = c
	userConns := rg.users[c.identity.Id]
	if userConns == nil {
		userConns = make(map[string]*Client)
		rg.users[c.identity.Id] = userConns
	}
	userConns[c.id] = c

	return len(userConns) == 1, true
}

// unregister removes the connection and reports how many live connections
// the owning user has left. Unknown connections are a no-op.
func (rg *registry) unregister(c *Client) (remaining int, removed bool) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if _, ok := rg.conns[c.id]; !ok {
		return 0, false
	}
	delete(rg.conns, c.id)

	if userConns, ok := rg.users[c.identity.Id]; ok {
		delete(userConns, c.id)
		remaining = len(userConns)
		if remaining == 0 {
			delete(rg.users, c.identity.Id)
		}
	}

	return remaining, true
}

func (rg *registry) get(id string) (*Client, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	c, ok := rg.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

func (rg *registry) connectionsOf(userId string) []string {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	userConns := rg.users[userId]
	if len(userConns) == 0 {
		return nil
	}
	ids := make([]string, 0, len(userConns))
	for id := range userConns {
		ids = append(ids, id)
	}
	return ids
}

func (rg *registry) clientsOf(userId string) []*Client {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	userConns := rg.users[userId]
	if len(userConns) == 0 {
		return nil
	}
	clients := make([]*Client, 0, len(userConns))
	for _, c := range userConns {
		clients = append(clients, c)
	}
	return clients
}

// clients returns a snapshot of every live connection.
func (rg *registry) clients() []*Client {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	all := make([]*Client, 0, len(rg.conns))
	for _, c := range rg.conns {
		all = append(all, c)
	}
	return all
}

func (rg *registry) len() int {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return len(rg.conns)
}
