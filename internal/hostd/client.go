package hostd

import (
	"net"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/framing"
)

// Client is a thin one-shot dialer: hostd's protocol is one request per
// connection, so Call dials fresh each time rather than holding a
// persistent socket open.
type Client struct {
	SocketPath string
}

func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{SocketPath: socketPath}
}

func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return Response{}, domain.WrapError(domain.KindInternal, err, "dial hostd socket %s", c.SocketPath)
	}
	defer conn.Close()

	if err := framing.WriteFrame(conn, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := framing.ReadFrame(conn, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) Ping() error {
	resp, err := c.Call(Request{Kind: ReqPing})
	if err != nil {
		return err
	}
	if resp.Kind != RespPong {
		return domain.NewError(domain.KindInternal, "hostd ping returned %s", resp.Kind)
	}
	return nil
}
