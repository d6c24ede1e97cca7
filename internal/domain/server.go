package domain

import (
	"net"
	"strconv"
	"time"
)

// ServerInfo is everything needed to reach one tenant's remote game server
type ServerInfo struct {
	ID           string
	Name         string
	Host         string
	Port         int
	Username     string
	Password     string
	LogFolder    string
	ConfigFolder string
	Location     *time.Location
	Active       bool
}

// Addr returns host:port for dialing. Port defaults to 21.
func (s *ServerInfo) Addr() string {
	port := s.Port
	if port == 0 {
		port = 21
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Now returns the current time in the server's zone
func (s *ServerInfo) Now() time.Time {
	if s.Location == nil {
		return time.Now().UTC()
	}
	return time.Now().In(s.Location)
}
