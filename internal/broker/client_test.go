package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/mbaxter/chat-broker/internal/stats"
	"github.com/mbaxter/chat-broker/internal/testutil"
	"github.com/mbaxter/chat-broker/internal/types"
	"github.com/stretchr/testify/assert"
)

func Test_queueEvent(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send:     make(chan *ServerMessage, 1),
			log:      testutil.TestLogger(t),
			maxDrops: 4,
		}

		res := c.queueEvent(&ServerMessage{})
		assert.True(t, res, "expected queueEvent to return true when queue is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be queued for the client")
		default:
			t.Error("expected a message to be queued for the client, but none was")
		}
	})

	t.Run("sheds oldest event when full", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricEventsDropped).Once()

		c := &Client{
			send:     make(chan *ServerMessage, 2),
			log:      testutil.TestLogger(t),
			stats:    su,
			maxDrops: 4,
		}

		e1 := &ServerMessage{Message: &types.MessageEvent{Id: "m1"}}
		e2 := &ServerMessage{Message: &types.MessageEvent{Id: "m2"}}
		e3 := &ServerMessage{Message: &types.MessageEvent{Id: "m3"}}

		assert.True(t, c.queueEvent(e1))
		assert.True(t, c.queueEvent(e2))

		res := c.queueEvent(e3)
		assert.False(t, res, "expected queueEvent to report a drop when queue is full")

		first := <-c.send
		second := <-c.send
		assert.Equal(t, "m2", first.Message.Id, "expected the oldest event to be shed")
		assert.Equal(t, "m3", second.Message.Id, "expected the incoming event to take its place")
	})

	t.Run("never sheds a response frame", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricEventsDropped).Once()

		c := &Client{
			send:     make(chan *ServerMessage, 1),
			log:      testutil.TestLogger(t),
			stats:    su,
			maxDrops: 4,
		}

		resp := NoErrOK(1, nil)
		assert.True(t, c.queueEvent(resp))

		evt := &ServerMessage{Message: &types.MessageEvent{Id: "m1"}}
		res := c.queueEvent(evt)
		assert.False(t, res, "expected the incoming event to be dropped")

		queued := <-c.send
		assert.NotNil(t, queued.Response, "expected the response frame to survive the shed")
	})

	t.Run("response survives concurrent sheds", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricEventsDropped).Maybe()

		c := &Client{
			send:     make(chan *ServerMessage, 2),
			log:      testutil.TestLogger(t),
			stats:    su,
			maxDrops: 1 << 30,
			stop:     make(chan struct{}),
		}

		assert.True(t, c.queueEvent(NoErrOK(1, nil)))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m"}})
				}
			}()
		}
		wg.Wait()

		responses := 0
		for len(c.send) > 0 {
			if msg := <-c.send; msg.Response != nil {
				responses++
			}
		}
		assert.Equal(t, 1, responses, "expected the response frame to survive every shed")
	})

	t.Run("force closes after consecutive drops", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricEventsDropped).Times(2)
		su.On("Incr", metricConnectionsKicked).Once()

		c := &Client{
			send:     make(chan *ServerMessage, 1),
			log:      testutil.TestLogger(t),
			stats:    su,
			maxDrops: 2,
			stop:     make(chan struct{}),
		}

		c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m1"}})
		c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m2"}})
		c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m3"}})

		assert.Equal(t, stateClosing, c.state.Load(), "expected connection to be closing after drop threshold")
		select {
		case <-c.stop:
			// closed as expected
		default:
			t.Error("expected stop channel to be closed after drop threshold")
		}

		res := c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m4"}})
		assert.False(t, res, "expected queueEvent to refuse a closing connection")
	})

	t.Run("successful queue resets drop counter", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricEventsDropped).Once()

		c := &Client{
			send:     make(chan *ServerMessage, 1),
			log:      testutil.TestLogger(t),
			stats:    su,
			maxDrops: 2,
		}

		c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m1"}})
		c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m2"}})
		assert.Equal(t, int32(1), c.drops.Load(), "expected one recorded drop")

		<-c.send
		c.queueEvent(&ServerMessage{Message: &types.MessageEvent{Id: "m3"}})
		assert.Equal(t, int32(0), c.drops.Load(), "expected drop counter to reset on successful queue")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         map[string]any{"room_id": "room-1"},
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":{"room_id":"room-1"}}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient() // stopping twice must be safe

	select {
	case <-c.stop:
		// channel is closed as expected
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_leaveAllRooms(t *testing.T) {
	rooms := []*Room{
		{
			id:        "room1",
			leaveChan: make(chan *ClientMessage, 1),
			done:      make(chan struct{}),
		},
		{
			id:        "room2",
			leaveChan: make(chan *ClientMessage, 1),
			done:      make(chan struct{}),
		},
	}

	c := &Client{
		identity: types.UserIdentity{Id: "user-1"},
		rooms:    make(map[string]*Room),
		log:      testutil.TestLogger(t),
	}

	for _, room := range rooms {
		c.addRoom(room)
	}

	c.leaveAllRooms()

	for _, room := range rooms {
		select {
		case msg := <-room.leaveChan:
			assert.NotNil(t, msg.Leave, "expected leave message for room %s", room.id)
			assert.Equal(t, room.id, msg.Leave.RoomId, "expected leave message to carry room id")
			assert.Equal(t, c, msg.client, "expected leave message to carry the client")
		default:
			t.Errorf("expected leave message to be sent for room %s, but it was not", room.id)
		}
	}
}

func Test_leaveAllRooms_fullChannel(t *testing.T) {
	room := &Room{
		id:        "busy",
		leaveChan: make(chan *ClientMessage, 1),
		done:      make(chan struct{}),
	}
	room.leaveChan <- &ClientMessage{} // channel occupied until the actor catches up

	c := &Client{
		identity: types.UserIdentity{Id: "user-1"},
		rooms:    make(map[string]*Room),
		log:      testutil.TestLogger(t),
	}
	c.addRoom(room)

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-room.leaveChan
	}()

	finished := make(chan struct{})
	go func() {
		c.leaveAllRooms()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("leaveAllRooms did not complete")
	}

	select {
	case msg := <-room.leaveChan:
		assert.NotNil(t, msg.Leave, "expected the leave to reach the room once it caught up")
		assert.Equal(t, room.id, msg.Leave.RoomId)
	default:
		t.Error("expected the leave to reach the room, but its channel is empty")
	}
}

func Test_leaveAllRooms_exitedRoom(t *testing.T) {
	room := &Room{
		id:        "gone",
		leaveChan: make(chan *ClientMessage),
		done:      make(chan struct{}),
	}
	close(room.done)

	c := &Client{
		identity: types.UserIdentity{Id: "user-1"},
		rooms:    make(map[string]*Room),
		log:      testutil.TestLogger(t),
	}
	c.addRoom(room)

	finished := make(chan struct{})
	go func() {
		c.leaveAllRooms()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("leaveAllRooms blocked on an exited room")
	}
}

func Test_cleanupStoppedBroker(t *testing.T) {
	b := newTestBroker(t, &stats.MockStatsUpdater{})
	close(b.done) // nothing drains deRegisterChan anymore

	c := newTestClient(t, b, "conn-1", "user-1")

	finished := make(chan struct{})
	go func() {
		c.cleanup()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("cleanup blocked on a stopped broker")
	}
}

func Test_joinRoom(t *testing.T) {
	t.Run("successful join", func(t *testing.T) {
		b := newTestBroker(t, &stats.MockStatsUpdater{})
		c := &Client{
			identity: types.UserIdentity{Id: "user-1"},
			broker:   b,
			log:      testutil.TestLogger(t),
			send:     make(chan *ServerMessage, 1),
		}

		joinMsg := &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{RoomId: "testroom"},
			client:      c,
		}

		got := make(chan *ClientMessage, 1)
		go func() { got <- <-b.joinChan }()
		time.Sleep(10 * time.Millisecond) // let the receiver block on the join channel

		c.joinRoom(joinMsg)

		select {
		case msg := <-got:
			assert.NotNil(t, msg.Join, "expected join message on the broker join channel")
			assert.Equal(t, "testroom", msg.Join.RoomId, "expected join message to carry room id")
			assert.Equal(t, c, msg.client, "expected join message to carry the client")
		case <-time.After(time.Second):
			t.Error("expected join message on the broker join channel, but none arrived")
		}
	})

	t.Run("join channel full", func(t *testing.T) {
		b := newTestBroker(t, &stats.MockStatsUpdater{})

		c := &Client{
			identity: types.UserIdentity{Id: "user-1"},
			broker:   b,
			log:      testutil.TestLogger(t),
			send:     make(chan *ServerMessage, 1),
			maxDrops: 4,
		}

		// nothing consumes b.joinChan, so the non-blocking send fails
		joinMsg := &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{RoomId: "testroom"},
			client:      c,
		}

		c.joinRoom(joinMsg)

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response to be non-nil")
			assert.Equal(t, 1, msg.Id, "expected response id to match join message id")
			assert.Equal(t, 503, msg.Response.ResponseCode, "expected response code to be 503")
		default:
			t.Error("expected a message to be queued for the client, but none was")
		}
	})
}

func Test_leaveRoom(t *testing.T) {
	t.Run("leave room success", func(t *testing.T) {
		c := &Client{
			identity: types.UserIdentity{Id: "user-1"},
			rooms:    make(map[string]*Room),
			log:      testutil.TestLogger(t),
		}

		room := &Room{
			id:        "testroom",
			leaveChan: make(chan *ClientMessage, 1),
			done:      make(chan struct{}),
		}

		c.addRoom(room)

		c.leaveRoom(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Leave:       &Leave{RoomId: room.id},
			client:      c,
		})

		select {
		case msg := <-room.leaveChan:
			assert.NotNil(t, msg.Leave, "expected leave message")
			assert.Equal(t, 1, msg.Id, "expected leave message id to match")
			assert.Equal(t, room.id, msg.Leave.RoomId, "expected leave message to carry room id")
		default:
			t.Error("expected message on the room leave channel")
		}
	})

	t.Run("leave room never joined is acknowledged", func(t *testing.T) {
		c := &Client{
			identity: types.UserIdentity{Id: "user-1"},
			rooms:    make(map[string]*Room),
			send:     make(chan *ServerMessage, 1),
			log:      testutil.TestLogger(t),
			maxDrops: 4,
		}

		c.leaveRoom(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Leave:       &Leave{RoomId: "never-joined"},
			client:      c,
		})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response to be non-nil")
			assert.Equal(t, 1, msg.Id, "expected response id to match leave message id")
			assert.Equal(t, 200, msg.Response.ResponseCode, "expected leave of unjoined room to be a no-op ack")
		default:
			t.Error("expected a message to be queued for the client, but none was")
		}
	})

	t.Run("room unavailable", func(t *testing.T) {
		room := &Room{
			id:        "unavailable",
			leaveChan: make(chan *ClientMessage, 1),
			done:      make(chan struct{}),
		}

		room.leaveChan <- &ClientMessage{} // pre-fill to simulate a full channel

		c := &Client{
			identity: types.UserIdentity{Id: "user-1"},
			rooms:    make(map[string]*Room),
			send:     make(chan *ServerMessage, 1),
			log:      testutil.TestLogger(t),
			maxDrops: 4,
		}

		c.addRoom(room)
		c.leaveRoom(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Leave:       &Leave{RoomId: room.id},
			client:      c,
		})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response to be non-nil")
			assert.Equal(t, 503, msg.Response.ResponseCode, "expected response code to be 503")
		default:
			t.Error("expected a message to be queued for the client, but none was")
		}
	})
}

func Test_addRoom_delRoom_getRoom(t *testing.T) {
	c := &Client{
		rooms: make(map[string]*Room),
	}

	room := &Room{id: "testroom"}

	c.addRoom(room)
	r, ok := c.getRoom(room.id)
	assert.True(t, ok, "expected room to be found after adding")
	assert.Equal(t, room.id, r.id, "expected room id to match")
	assert.Equal(t, []string{"testroom"}, c.roomIds(), "expected roomIds to list the joined room")

	c.delRoom(r.id)
	_, ok = c.getRoom(room.id)
	assert.False(t, ok, "expected room to be removed after deletion")
}

func TestAck(t *testing.T) {
	c := &Client{
		id:       "conn-1",
		identity: types.UserIdentity{Id: "user-1"},
		send:     make(chan *ServerMessage, 1),
		log:      testutil.TestLogger(t),
		maxDrops: 4,
	}

	c.Ack()

	select {
	case msg := <-c.send:
		assert.NotNil(t, msg.Response, "expected connect ack to be a response frame")
		assert.Equal(t, 200, msg.Response.ResponseCode, "expected connect ack response code to be 200")
		assert.Equal(t, "conn-1", msg.Response.Data["connection_id"], "expected connect ack to carry the connection id")
		assert.Equal(t, "user-1", msg.Response.Data["user_id"], "expected connect ack to carry the user id")
	default:
		t.Error("expected connect ack to be queued, but none was")
	}
}
