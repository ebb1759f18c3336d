package service

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"polytun/internal/core"
)

// Request is sent from the CLI to the daemon over the control socket.
type Request struct {
	Method    string              `json:"method"`
	ProfileID string              `json:"profile_id,omitempty"`
	Profile   *core.TunnelProfile `json:"profile,omitempty"`
}

// Response is sent from the daemon back to the client.
type Response struct {
	OK       bool                  `json:"ok"`
	Error    string                `json:"error,omitempty"`
	Status   *Status               `json:"status,omitempty"`
	Profiles []*core.TunnelProfile `json:"profiles,omitempty"`
}

// Status is the live state returned by the "status" method.
type Status struct {
	PID     int    `json:"pid"`
	Phase   string `json:"phase"`
	Profile string `json:"profile,omitempty"`
	Message string `json:"message,omitempty"`
	RxBytes int64  `json:"rx_bytes"`
	TxBytes int64  `json:"tx_bytes"`
}

// ControlHandler is implemented by the daemon to serve control requests.
type ControlHandler interface {
	HandleStatus() *Status
	HandleConnect(profileID string) error
	HandleDisconnect()
	HandleShutdown()
	HandleListProfiles() ([]*core.TunnelProfile, error)
	HandleSaveProfile(p *core.TunnelProfile) error
	HandleDeleteProfile(id string) error
}

// ControlServer listens on a unix socket and dispatches requests.
type ControlServer struct {
	sockPath string
	handler  ControlHandler
	listener net.Listener
	wg       sync.WaitGroup
}

// NewControlServer creates a control server on the given socket path.
func NewControlServer(sockPath string, handler ControlHandler) *ControlServer {
	return &ControlServer{sockPath: sockPath, handler: handler}
}

// Start begins accepting connections in the background.
func (s *ControlServer) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.sockPath), 0755); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	// Remove stale socket file if it exists.
	_ = os.Remove(s.sockPath)

	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.sockPath, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			go s.handle(conn)
		}
	}()
	core.Log.Infof("Control", "Listening on %s", s.sockPath)
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *ControlServer) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.sockPath)
}

func (s *ControlServer) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.reply(conn, Response{OK: false, Error: "invalid request"})
		return
	}

	switch req.Method {
	case "status":
		s.reply(conn, Response{OK: true, Status: s.handler.HandleStatus()})
	case "connect":
		if err := s.handler.HandleConnect(req.ProfileID); err != nil {
			s.reply(conn, Response{OK: false, Error: err.Error(), Status: s.handler.HandleStatus()})
			return
		}
		s.reply(conn, Response{OK: true, Status: s.handler.HandleStatus()})
	case "disconnect":
		s.handler.HandleDisconnect()
		s.reply(conn, Response{OK: true, Status: s.handler.HandleStatus()})
	case "shutdown":
		s.reply(conn, Response{OK: true})
		s.handler.HandleShutdown()
	case "profiles.list":
		profiles, err := s.handler.HandleListProfiles()
		if err != nil {
			s.reply(conn, Response{OK: false, Error: err.Error()})
			return
		}
		s.reply(conn, Response{OK: true, Profiles: profiles})
	case "profiles.save":
		if req.Profile == nil {
			s.reply(conn, Response{OK: false, Error: "missing profile"})
			return
		}
		if err := s.handler.HandleSaveProfile(req.Profile); err != nil {
			s.reply(conn, Response{OK: false, Error: err.Error()})
			return
		}
		s.reply(conn, Response{OK: true})
	case "profiles.delete":
		if err := s.handler.HandleDeleteProfile(req.ProfileID); err != nil {
			s.reply(conn, Response{OK: false, Error: err.Error()})
			return
		}
		s.reply(conn, Response{OK: true})
	default:
		s.reply(conn, Response{OK: false, Error: fmt.Sprintf("unknown method: %s", req.Method)})
	}
}

func (s *ControlServer) reply(conn net.Conn, resp Response) {
	_ = json.NewEncoder(conn).Encode(resp)
}
