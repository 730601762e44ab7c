package uds

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client drives a running orchestrator over its control socket. Every call
// is one connection, one request frame, one response frame.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Ping checks that an orchestrator is listening.
func (c *Client) Ping() error {
	_, err := c.roundTrip(CommandPing)
	return err
}

// TriggerScan asks the orchestrator for an immediate lifecycle pass.
func (c *Client) TriggerScan() error {
	_, err := c.roundTrip(CommandScan)
	return err
}

// RequestShutdown asks the orchestrator to drain and exit.
func (c *Client) RequestShutdown() error {
	_, err := c.roundTrip(CommandShutdown)
	return err
}

// StageCounts returns the orchestrator's per-stage document counts.
func (c *Client) StageCounts() (map[string]int, error) {
	resp, err := c.roundTrip(CommandStatus)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	if err := json.Unmarshal(resp.Data, &counts); err != nil {
		return nil, fmt.Errorf("decode status data: %w", err)
	}
	return counts, nil
}

func (c *Client) roundTrip(command string) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"connect to orchestrator at %s: %w\nIs the orchestrator running? Start it with: fte watch",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", command, err)
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, fmt.Errorf("%s refused: %s: %s", command, resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("%s refused without detail", command)
	}
	return &resp, nil
}
