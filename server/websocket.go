package server

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dubu/turbo-nfc/bridge"
	"github.com/dubu/turbo-nfc/buildinfo"
	"github.com/dubu/turbo-nfc/protocol"
)

// client is one WebSocket connection. All frames go through send and are
// written by writeLoop, so writes to conn never interleave.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan any
	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup

	mu sync.Mutex
	// listeners counts addListener calls made over this connection, by
	// module and event name. They are released when the connection closes.
	listeners map[string]map[string]int
	closed    bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:        uuid.NewString(),
		server:    s,
		conn:      conn,
		send:      make(chan any, wsSendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]map[string]int),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	metricConnections.Inc()
	logger.Printf("websocket %s connected from %s", c.id, r.RemoteAddr)

	modules := make([]string, 0)
	for _, info := range s.cfg.Registry.Describe() {
		modules = append(modules, info.Name)
	}
	c.enqueue(protocol.Message{Type: protocol.TypeHello, Payload: protocol.HelloPayload{
		ConnectionID: c.id,
		Version:      buildinfo.FullVersion(),
		Modules:      modules,
		Reader:       readerStatus(s.status()),
	}})

	go c.writeLoop()
	c.readLoop()
	c.close()
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Printf("websocket %s: %v", c.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply("", protocol.CallResult{Error: "invalid message format", Code: protocol.ErrCodeInvalidRequest})
			continue
		}
		c.handle(req)
	}
}

func (c *client) handle(req protocol.Request) {
	switch req.Type {
	case protocol.TypePing:
		c.enqueue(protocol.Message{Type: protocol.TypePong})
	case protocol.TypeCall:
		var call protocol.CallPayload
		if err := json.Unmarshal(req.Payload, &call); err != nil {
			c.reply(req.ID, protocol.CallResult{Error: "invalid call payload", Code: protocol.ErrCodeInvalidRequest})
			return
		}
		if call.Module == "" {
			call.Module = bridge.ModuleName
		}
		// Calls such as startTagReading block until a tag is read, so each
		// runs on its own goroutine and the read loop stays responsive.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.calls.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.calls.Done()
			result := c.server.invoke(c.ctx, call.Module, call.Method, call.Args)
			if result.Success {
				c.track(call)
			}
			c.reply(req.ID, result)
		}()
	default:
		c.reply(req.ID, protocol.CallResult{Error: "unknown message type " + req.Type, Code: protocol.ErrCodeUnknownType})
	}
}

// track records listener bookkeeping calls so close can undo them.
func (c *client) track(call protocol.CallPayload) {
	switch call.Method {
	case "addListener":
		var event string
		if bridge.DecodeArgs(call.Args, &event) != nil {
			return
		}
		c.mu.Lock()
		if c.listeners == nil {
			c.mu.Unlock()
			return
		}
		if c.listeners[call.Module] == nil {
			c.listeners[call.Module] = make(map[string]int)
		}
		c.listeners[call.Module][event]++
		c.mu.Unlock()
	case "removeListeners":
		var count int
		if bridge.DecodeArgs(call.Args, &count) != nil {
			return
		}
		c.mu.Lock()
		events := c.listeners[call.Module]
		for _, name := range slices.Sorted(maps.Keys(events)) {
			if count <= 0 {
				break
			}
			n := min(count, events[name])
			events[name] -= n
			count -= n
			if events[name] == 0 {
				delete(events, name)
			}
		}
		c.mu.Unlock()
	}
}

func (c *client) wants(module, event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[module][event] > 0
}

func (c *client) reply(id string, result protocol.CallResult) {
	c.enqueue(protocol.Result{ID: id, Type: protocol.TypeResult, CallResult: result})
}

// enqueue blocks until the frame is queued or the connection closes.
func (c *client) enqueue(frame any) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}

// offer queues an event frame without blocking the emitting goroutine.
func (c *client) offer(frame any) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	default:
		metricDroppedFrames.Inc()
		logger.Printf("websocket %s send buffer full, dropping event", c.id)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				logger.Printf("websocket %s write: %v", c.id, err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			c.conn.Close()
			return
		}
	}
}

// close cancels in-flight calls, releases this connection's listeners and
// closes the socket. It is safe to call more than once.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.calls.Wait()
	c.conn.Close()

	s := c.server
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	metricConnections.Dec()

	c.mu.Lock()
	released := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	for module, events := range released {
		total := 0
		for _, n := range events {
			total += n
		}
		m, ok := s.cfg.Registry.Module(module)
		if es, isSource := m.(bridge.EventSource); ok && isSource && total > 0 {
			es.Emitter().RemoveListeners(total)
		}
	}
	logger.Printf("websocket %s disconnected", c.id)
}

func (s *Server) dispatch(module string, ev bridge.Event) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	frame := protocol.Message{Type: protocol.TypeEvent, Payload: protocol.EventPayload{Name: ev.Name, Body: ev.Body}}
	for _, c := range clients {
		if c.wants(module, ev.Name) {
			c.offer(frame)
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
