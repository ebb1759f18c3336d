package service

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"polytun/internal/core"
)

// ControlClient talks to a running daemon over its control socket.
type ControlClient struct {
	SocketPath string
}

// NewControlClient returns a client for the given socket path.
func NewControlClient(sockPath string) *ControlClient {
	return &ControlClient{SocketPath: sockPath}
}

// call sends one request and returns the response.
func (c *ControlClient) call(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.SocketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return &resp, fmt.Errorf("daemon: %s", resp.Error)
	}
	return &resp, nil
}

// Status queries the daemon for its current state.
func (c *ControlClient) Status() (*Status, error) {
	resp, err := c.call(Request{Method: "status"})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Connect asks the daemon to establish a session for the profile. The
// call blocks until the attempt settles.
func (c *ControlClient) Connect(profileID string) (*Status, error) {
	resp, err := c.call(Request{Method: "connect", ProfileID: profileID})
	if err != nil {
		if resp != nil {
			return resp.Status, err
		}
		return nil, err
	}
	return resp.Status, nil
}

// Disconnect asks the daemon to tear the session down.
func (c *ControlClient) Disconnect() (*Status, error) {
	resp, err := c.call(Request{Method: "disconnect"})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Shutdown asks the daemon to exit gracefully.
func (c *ControlClient) Shutdown() error {
	_, err := c.call(Request{Method: "shutdown"})
	return err
}

// ListProfiles returns the stored profiles.
func (c *ControlClient) ListProfiles() ([]*core.TunnelProfile, error) {
	resp, err := c.call(Request{Method: "profiles.list"})
	if err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// SaveProfile creates or updates a profile.
func (c *ControlClient) SaveProfile(p *core.TunnelProfile) error {
	_, err := c.call(Request{Method: "profiles.save", Profile: p})
	return err
}

// DeleteProfile removes a profile by id.
func (c *ControlClient) DeleteProfile(id string) error {
	_, err := c.call(Request{Method: "profiles.delete", ProfileID: id})
	return err
}

// IsRunning reports whether the daemon socket is connectable.
func (c *ControlClient) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.SocketPath, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
