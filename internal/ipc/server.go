package ipc

import (
	"net"
	"os"

	"google.golang.org/grpc"
)

// Server serves the Control service on a unix socket.
type Server struct {
	sockPath string
	hub      *Hub
	grpc     *grpc.Server
	listener net.Listener
}

// NewServer creates a control server bound to sockPath.
func NewServer(sockPath string, hub *Hub) (*Server, error) {
	// Remove a stale socket left by an interrupted run
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		sockPath: sockPath,
		hub:      hub,
		grpc:     grpc.NewServer(),
		listener: listener,
	}

	RegisterControlServer(s.grpc, hub)

	return s, nil
}

// Path returns the socket path agents dial.
func (s *Server) Path() string {
	return s.sockPath
}

// Hub returns the hub routing this server's streams.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins serving streams. It blocks until Stop.
func (s *Server) Start() error {
	return s.grpc.Serve(s.listener)
}

// Stop closes every stream and removes the socket. Agents still attached
// see their stream fail.
func (s *Server) Stop() {
	s.grpc.Stop()
	os.Remove(s.sockPath)
}
