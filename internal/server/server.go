// Package server implements the TCP accept loop and the reader/writer/
// executor task split: one executor goroutine serializes all command
// execution, while a reader and a writer goroutine per connection handle
// nothing but socket I/O. The executor goroutine is the only point of
// mutation for domain state, so no locks are needed there.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/redisq/redisq/internal/command"
	"github.com/redisq/redisq/internal/config"
	"github.com/redisq/redisq/internal/executor"
	"github.com/redisq/redisq/internal/protocol"
)

// requestQueueSize bounds the request channel. A generously sized buffered
// channel is the practical approximation idiomatic Go reaches for in place
// of an unbounded queue.
const requestQueueSize = 4096

// outboundQueueSize bounds each connection's outbound queue.
const outboundQueueSize = 4096

// commandRequest is one parsed RESP frame plus the clientID the executor
// needs to route its reply. A disconnect
// request (disconnect == true) carries no frame; it tells the executor
// goroutine to purge clientID's blocked-waiter and pub/sub registrations,
// the one piece of per-connection teardown that must happen on the
// executor goroutine rather than in readLoop itself.
type commandRequest struct {
	frame      protocol.Value
	clientID   uint64
	disconnect bool
	connState  *executor.Connection // set only when disconnect is true
}

// clientConn is the server's view of one connection: the socket, its
// outbound reply queue, and the executor.Connection state machine the
// executor mutates on every Execute call.
type clientConn struct {
	id       uint64
	conn     net.Conn
	outbound chan protocol.Value
	done     chan struct{}
	state    *executor.Connection
	closeOne sync.Once
}

func (c *clientConn) closeSocket() {
	c.closeOne.Do(func() {
		c.conn.Close()
		close(c.done)
	})
}

// Server owns the listener, the single executor goroutine, and the
// connection table (clientID -> clientConn) that Deliver and the accept
// loop both touch. Everything under ex itself is single-goroutine-owned;
// only the clients map needs its own lock, since reader/writer setup and
// teardown run concurrently with the executor goroutine's Deliver calls.
type Server struct {
	cfg *config.Config
	ex  *executor.Executor

	mu       sync.RWMutex
	clients  map[uint64]*clientConn
	nextID   uint64
	listener net.Listener
	closed   bool
	cancel   context.CancelFunc

	requestCh chan commandRequest
	wg        sync.WaitGroup
}

// New creates a Server bound to cfg. The executor and all shared state are
// constructed here; nothing touches the network until Start is called.
func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:       cfg,
		clients:   make(map[uint64]*clientConn),
		requestCh: make(chan commandRequest, requestQueueSize),
	}
	s.ex = executor.New(s)
	return s
}

// Deliver implements executor.OutboundRouter: it looks up clientID's
// outbound queue and enqueues v. Called only from the executor goroutine,
// but it reads the clients map, which the accept loop also writes, so it
// takes the read lock like every other map access here.
func (s *Server) Deliver(clientID uint64, v protocol.Value) {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.outbound <- v:
	default:
		// Outbound queue saturated: the connection isn't draining fast
		// enough to keep up. Drop rather than block the sole executor
		// goroutine and stall every other connection.
		log.Printf("server: dropping reply for client %d, outbound queue full", clientID)
	}
}

// Start listens on cfg.Addr, launches the executor goroutine, and runs the
// accept loop until ctx is cancelled or the listener errors. It blocks.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	log.Printf("redisq listening on %s", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runExecutor(runCtx)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			log.Printf("server: accept error: %v", err)
			continue
		}

		s.mu.RLock()
		clientCount := len(s.clients)
		s.mu.RUnlock()
		if s.cfg.MaxClients > 0 && clientCount >= s.cfg.MaxClients {
			conn.Close()
			log.Printf("server: max clients reached, rejecting %s", conn.RemoteAddr())
			continue
		}

		s.acceptConn(runCtx, conn)
	}
}

// acceptConn registers conn's client record and spawns its reader and
// writer goroutines.
func (s *Server) acceptConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	c := &clientConn{
		id:       id,
		conn:     conn,
		outbound: make(chan protocol.Value, outboundQueueSize),
		done:     make(chan struct{}),
		state:    executor.NewConnection(id),
	}
	s.clients[id] = c
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, c)
	}()
	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()
}

// readLoop parses one RESP frame at a time and submits it to the request
// channel, continuing until EOF, a protocol error, or the context is
// cancelled. A protocol error is fatal to the connection.
func (s *Server) readLoop(ctx context.Context, c *clientConn) {
	reader := protocol.NewReaderLimits(c.conn, protocol.Limits{
		MaxDepth:          s.cfg.MaxDepth,
		MaxCollectionSize: s.cfg.MaxCollectionSize,
		MaxStringLength:   s.cfg.MaxStringLength,
	})

	defer s.teardown(c)

	for {
		if s.cfg.ReadTimeout > 0 {
			if tc, ok := c.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
				tc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			}
		}

		frame, err := reader.ReadValue()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("server: client %d: %v", c.id, err)
			}
			return
		}

		select {
		case s.requestCh <- commandRequest{frame: frame, clientID: c.id}:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop drains c's outbound queue to the socket until the connection is
// torn down (c.done closes) or a write fails. It never closes c.outbound
// itself: the executor goroutine sends into it for the connection's whole
// lifetime, so closing from the reader/writer side could race a send.
func (s *Server) writeLoop(c *clientConn) {
	writer := protocol.NewWriter(c.conn)
	for {
		select {
		case v := <-c.outbound:
			if err := writer.WriteValue(v); err != nil {
				c.closeSocket()
				return
			}
		case <-c.done:
			return
		}
	}
}

// teardown closes the socket (unblocking the writer's pending read/write),
// purges the connection's blocked-waiter and pub/sub registrations, and
// removes it from the client table.
func (s *Server) teardown(c *clientConn) {
	c.closeSocket()

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.requestCh <- commandRequest{clientID: c.id, disconnect: true, connState: c.state}
}

// runExecutor is the single executor task: it expires due
// waiters, then blocks on either the request channel or a deadline capped at
// cfg.ExecutorTick so timed-out blocking clients wake up promptly even with
// no pending request.
func (s *Server) runExecutor(ctx context.Context) {
	for {
		now := time.Now()
		s.ex.ExpireTimeouts(now)

		deadline := now.Add(s.cfg.ExecutorTick)
		if d, ok := s.ex.EarliestDeadline(); ok && d.Before(deadline) {
			deadline = d
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case req := <-s.requestCh:
			timer.Stop()
			s.handleRequest(req)
		case <-timer.C:
		}
	}
}

// handleRequest parses and executes one request, routing its reply (if any)
// back to the originating connection's outbound queue.
func (s *Server) handleRequest(req commandRequest) {
	if req.disconnect {
		s.ex.Disconnect(req.connState)
		return
	}

	s.mu.RLock()
	c, ok := s.clients[req.clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	cmd, err := command.Parse(req.frame)
	if err != nil {
		select {
		case c.outbound <- protocol.SimpleErr(parseErrorMessage(err)):
		default:
		}
		return
	}

	result := s.ex.Execute(cmd, c.state, req.clientID)
	if result.IsNoResponse() {
		return
	}
	select {
	case c.outbound <- result:
	default:
		log.Printf("server: dropping reply for client %d, outbound queue full", req.clientID)
	}
}

func parseErrorMessage(err error) string {
	msg := err.Error()
	// command.ErrParse is wrapped as "command: parse error: ERR ...";
	// strip the internal prefix so only the RESP-facing text crosses the
	// wire, matching command.ErrParse's own wrapped messages.
	const prefix = "command: parse error: "
	for i := 0; i+len(prefix) <= len(msg); i++ {
		if msg[i:i+len(prefix)] == prefix {
			return msg[i+len(prefix):]
		}
	}
	return msg
}

// Close stops accepting new connections, closes every open socket, and
// waits for the executor, reader, and writer goroutines to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	cancel := s.cancel
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range clients {
		c.closeSocket()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return err
}
