package models

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Server is a remote host reachable over SSH.
type Server struct {
	ID             uuid.UUID `json:"id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port,omitempty"`
	User           string    `json:"user"`
	Password       string    `json:"-"`
	PrivateKeyPath string    `json:"private_key_path,omitempty"`
	HostKey        string    `json:"host_key,omitempty"` // Base64-encoded SSH public key
	CreatedAt      time.Time `json:"created_at"`
}

// Address returns host:port for dialing, defaulting to port 22.
func (s *Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Validate checks if the server has enough information to connect.
func (s *Server) Validate() error {
	if s.Host == "" {
		return errors.New("server: host is required")
	}
	if s.User == "" {
		return errors.New("server: user is required")
	}
	if s.Password == "" && s.PrivateKeyPath == "" {
		return errors.New("server: password or private key path is required")
	}
	return nil
}
