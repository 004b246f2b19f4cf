package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Client is a control RPC client connected to a node's admin socket.
type Client struct {
	conn   net.Conn
	nextID atomic.Int64
}

// NewClient connects to the admin socket at socketPath.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: connect to socket: %w", err)
	}
	c := &Client{conn: conn}
	c.nextID.Store(1)
	return c, nil
}

// Call makes one RPC call and decodes its result into out (a pointer),
// unless out is nil.
func (c *Client) Call(method string, params map[string]interface{}, out interface{}) error {
	req := &Request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("control: encode request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("control: send request: %w", err)
	}

	reader := bufio.NewReader(c.conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("control: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("control: decode response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("control: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if out == nil || resp.Result == nil {
		return nil
	}

	// Result arrives as interface{} holding the response's JSON; round-trip
	// through json to decode it into the caller's concrete type.
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("control: re-encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("control: decode result: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
