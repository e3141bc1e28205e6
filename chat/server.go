package chat

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server is the chat hub. Every chat frame from one client fans out to all
// connected clients; joins and departures are announced as system notices.
type Server struct {
	ln  net.Listener
	log *zap.SugaredLogger

	mu      sync.Mutex
	clients map[net.Conn]string
}

func NewServer(addr string, log *zap.SugaredLogger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{ln: ln, log: log, clients: make(map[net.Conn]string)}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts clients until the listener closes.
func (s *Server) Serve() error {
	s.log.Infof("chat server listening on %s", s.ln.Addr())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.drop(conn)

	// The first frame must announce a nickname.
	join, err := ReadFrame(conn)
	if err != nil || join.Type != TypeJoin || join.From == "" {
		return
	}

	s.mu.Lock()
	s.clients[conn] = join.From
	s.mu.Unlock()
	s.log.Infof("%s joined from %s", join.From, conn.RemoteAddr())
	s.broadcast(Message{Type: TypeSystem, Text: join.From + " joined"})

	for {
		msg, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if msg.Type != TypeChat || msg.Text == "" {
			continue
		}
		msg.From = join.From
		s.broadcast(msg)
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	name, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
	if ok {
		s.log.Infof("%s left", name)
		s.broadcast(Message{Type: TypeSystem, Text: name + " left"})
	}
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, name := range s.clients {
		if err := WriteFrame(conn, msg); err != nil {
			s.log.Debugf("write to %s failed: %v", name, err)
		}
	}
}
