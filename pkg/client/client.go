package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/hardware"
	"github.com/dougsko/framerelay/pkg/protocol"
)

// SocketClient represents a client connection to the core engine
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// SetTimeout changes the per-command deadline
func (c *SocketClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	_, err = conn.Write([]byte(cmd + "\n"))
	if err != nil {
		return nil, fmt.Errorf("send error: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	// large EVENTS and LEVELS replies
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	var response protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &response, nil
}

// call sends cmd and decodes resp.Data[key] into out
func (c *SocketClient) call(cmd, key string, out interface{}) error {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s error: %s", cmd, resp.Error)
	}
	if out == nil {
		return nil
	}

	data, ok := resp.Data[key]
	if !ok {
		return fmt.Errorf("%s not found in response", key)
	}

	// Convert to JSON and back to parse properly
	raw, _ := json.Marshal(data)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

// GetStatus gets the current daemon status
func (c *SocketClient) GetStatus() (*protocol.Status, error) {
	var status protocol.Status
	if err := c.call(protocol.CmdStatus, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetStreams lists every configured stream
func (c *SocketClient) GetStreams() ([]protocol.StreamStatus, error) {
	var streams []protocol.StreamStatus
	if err := c.call(protocol.CmdStreams, "streams", &streams); err != nil {
		return nil, err
	}
	return streams, nil
}

// GetStream describes one stream
func (c *SocketClient) GetStream(name string) (*protocol.StreamStatus, error) {
	var stream protocol.StreamStatus
	if err := c.call(protocol.CmdStats+":"+name, "stream", &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

// StartStream starts a stream and returns its status
func (c *SocketClient) StartStream(name string) (*protocol.StreamStatus, error) {
	var stream protocol.StreamStatus
	if err := c.call(protocol.CmdStart+":"+name, "stream", &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

// StopStream stops a stream
func (c *SocketClient) StopStream(name string) error {
	return c.call(protocol.CmdStop+":"+name, "", nil)
}

// GetDevices lists the devices of a driver
func (c *SocketClient) GetDevices(driver string) ([]hardware.AudioDevice, error) {
	var devices []hardware.AudioDevice
	if err := c.call(protocol.CmdDevices+":"+driver, "devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetEvents gets recent journal entries; an empty stream selects all
func (c *SocketClient) GetEvents(stream string, limit int) ([]protocol.StreamEvent, error) {
	cmd := protocol.CmdEvents
	switch {
	case stream != "" && limit > 0:
		cmd = fmt.Sprintf("%s:%s:%d", cmd, stream, limit)
	case stream != "":
		cmd = fmt.Sprintf("%s:%s", cmd, stream)
	case limit > 0:
		cmd = fmt.Sprintf("%s:%d", cmd, limit)
	}

	var events []protocol.StreamEvent
	if err := c.call(cmd, "events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetLevels gets the latest level snapshots of monitored capture streams
func (c *SocketClient) GetLevels() ([]audio.LevelSnapshot, error) {
	var levels []audio.LevelSnapshot
	if err := c.call(protocol.CmdLevels, "levels", &levels); err != nil {
		return nil, err
	}
	return levels, nil
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	return c.call(protocol.CmdPing, "", nil)
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
