package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/kansei-svc/kanseid/kerrors"
)

// Client is a minimal connection-per-request IPC client, the Go
// counterpart of original_source/ipc/src/connection.rs's Connection:
// one dial, one write, one half-close, one read to EOF, one close.
type Client struct {
	SocketPath string
}

// NewClient returns a Client dialing socketPath on every call.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Send issues req and returns the decoded Response.
func (c *Client) Send(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return Response{}, &kerrors.IpcError{Kind: kerrors.IpcConnectionFailed, Err: err}
	}
	defer conn.Close()

	encoded, err := json.Marshal(req)
	if err != nil {
		return Response{}, &kerrors.IpcError{Kind: kerrors.IpcWriteFailed, Err: err}
	}
	if _, err := conn.Write(append(encoded, '\n')); err != nil {
		return Response{}, &kerrors.IpcError{Kind: kerrors.IpcWriteFailed, Err: err}
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return Response{}, &kerrors.IpcError{Kind: kerrors.IpcReadFailed, Err: err}
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, &kerrors.IpcError{Kind: kerrors.IpcDecodeFailed, Err: err}
	}
	return resp, nil
}

// ReloadGraphRequest, ServiceStatusRequest, StartServiceRequest and
// StopServiceRequest are thin convenience wrappers used by kanseictl.

func (c *Client) ReloadGraphRequest() (Response, error) {
	return c.Send(Request{Kind: ReloadGraph})
}

func (c *Client) ServiceStatusRequest(name string) (Response, error) {
	return c.Send(Request{Kind: ServiceStatus, Name: name})
}

func (c *Client) StartServiceRequest(name string) (Response, error) {
	return c.Send(Request{Kind: StartService, Name: name})
}

func (c *Client) StopServiceRequest(name string) (Response, error) {
	return c.Send(Request{Kind: StopService, Name: name})
}

// FormatResponse renders a Response the way kanseictl prints it.
func FormatResponse(resp Response) string {
	if resp.Error != nil {
		return fmt.Sprintf("error: %s: %s", resp.Error.Kind, resp.Error.Message)
	}
	if resp.Ok == nil {
		return "ok"
	}
	if resp.Ok.Name != "" {
		return fmt.Sprintf("%s: %s (last: %s, changed: %s)", resp.Ok.Name, resp.Ok.Status, resp.Ok.LastStatus, resp.Ok.StatusChanged)
	}
	return resp.Ok.Status
}
