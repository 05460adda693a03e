// Package tortest provides a scripted Tor control port for tests.
package tortest

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Handler returns the raw reply for a command line, including the trailing
// "\r\n" of every line. An empty string sends nothing.
type Handler func(cmd string) string

// Server emulates a Tor daemon's control port on a loopback TCP socket.
// It accepts connections one at a time and answers each command line with
// the handler's reply.
type Server struct {
	t        *testing.T
	listener net.Listener
	handler  Handler

	mu   sync.Mutex
	conn net.Conn

	// connected receives every accepted connection.
	connected chan net.Conn

	// commands receives every command line the server read.
	commands chan string

	wg sync.WaitGroup
}

// NewServer starts a fake control port. It is shut down via t.Cleanup.
func NewServer(t *testing.T, handler Handler) *Server {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to create fake tor")

	s := &Server{
		t:         t,
		listener:  listener,
		handler:   handler,
		connected: make(chan net.Conn, 16),
		commands:  make(chan string, 1024),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)

	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener and the current connection.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.Disconnect()
	s.wg.Wait()
}

// Disconnect drops the current client connection.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// WaitConnected blocks until a client connects.
func (s *Server) WaitConnected() {
	select {
	case <-s.connected:
	case <-time.After(5 * time.Second):
		s.t.Fatal("no client connected to fake tor")
	}
}

// NextCommand returns the next command line the client sent.
func (s *Server) NextCommand() string {
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(5 * time.Second):
		s.t.Fatal("no command received by fake tor")
		return ""
	}
}

// WaitCommand discards commands until one starting with prefix arrives and
// returns it.
func (s *Server) WaitCommand(prefix string) string {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cmd := <-s.commands:
			if strings.HasPrefix(cmd, prefix) {
				return cmd
			}

		case <-deadline:
			s.t.Fatalf("command %q not received by fake tor", prefix)
			return ""
		}
	}
}

// Send writes raw protocol text to the current client, e.g. an event.
func (s *Server) Send(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	require.NotNil(s.t, s.conn, "no client connected")
	_, err := s.conn.Write([]byte(raw))
	require.NoError(s.t, err)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		s.connected <- conn

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		cmd := strings.TrimRight(line, "\r\n")
		select {
		case s.commands <- cmd:
		default:
		}

		resp := s.handler(cmd)
		if resp == "" {
			continue
		}

		s.mu.Lock()
		_, err = conn.Write([]byte(resp))
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// NullAuth answers PROTOCOLINFO advertising NULL authentication and accepts
// AUTHENTICATE. It returns false for any other command.
func NullAuth(cmd string) (string, bool) {
	switch {
	case strings.HasPrefix(cmd, "PROTOCOLINFO"):
		return "250-PROTOCOLINFO 1\r\n" +
			"250-AUTH METHODS=NULL\r\n" +
			"250-VERSION Tor=\"0.4.8.12\"\r\n" +
			"250 OK\r\n", true

	case strings.HasPrefix(cmd, "AUTHENTICATE"):
		return "250 OK\r\n", true
	}

	return "", false
}
