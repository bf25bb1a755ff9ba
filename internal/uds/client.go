package uds

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/msageha/zonekeeper/internal/model"
)

// Client talks to the daemon, one connection per request.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{path: socketPath, timeout: defaultConnTimeout}
}

func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Send performs one request/response exchange.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w\n"+
			"Is the daemon running? Start it with: zonekeeper daemon", c.path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	resp := new(Response)
	if err := ReadFrame(conn, resp); err != nil {
		return nil, fmt.Errorf("receive %s: %w", req.Command, err)
	}
	return resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// RemoteError is a failure reported by the daemon. Domain codes unwrap to the
// matching model sentinel so callers can use errors.Is.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Code + ": " + e.Message }

func (e *RemoteError) Unwrap() error { return model.ErrorForCode(e.Code) }

// Call sends command and decodes the response data into out, which may be
// nil. A failed response is returned as *RemoteError.
func (c *Client) Call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	switch {
	case !resp.Success && resp.Error != nil:
		return &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	case !resp.Success:
		return &RemoteError{Code: ErrCodeInternal, Message: "daemon returned no error detail"}
	case out == nil || len(resp.Data) == 0:
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}
