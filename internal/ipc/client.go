package ipc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/worker"
)

const callTimeout = 2 * time.Second

// Client is the worker side of the channel. It implements worker.Sink.
type Client struct {
	conn  *grpc.ClientConn
	road  string
	token string
}

var _ worker.Sink = (*Client)(nil)

// Dial connects to the orchestrator socket. Every call carries road and
// the incarnation token the orchestrator issued for this worker.
func Dial(socketPath, road, token string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallSendMsgSize(maxMsgSize),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ipc client: %w", err)
	}
	return &Client{conn: conn, road: road, token: token}, nil
}

// Publish sends one snapshot.
func (c *Client) Publish(ctx context.Context, u worker.Update) error {
	req := &PublishRequest{
		Road:    c.road,
		Token:   c.token,
		Frame:   u.Frame,
		Metrics: u.Metrics,
		Stats:   u.Stats,
	}
	return c.invoke(ctx, "Publish", req, new(PublishResponse))
}

// ReportStatus sends a status change.
func (c *Client) ReportStatus(ctx context.Context, r worker.Report) error {
	req := &StatusRequest{
		Road:   c.road,
		Token:  c.token,
		Status: string(r.Status),
		Reason: r.Reason,
		Stats:  r.Stats,
	}
	return c.invoke(ctx, "Report", req, new(StatusResponse))
}

// FetchConfig returns the configuration the orchestrator loaded at
// startup, holding only this worker's road. Workers never read the
// configuration file themselves.
func (c *Client) FetchConfig(ctx context.Context) (*config.Config, error) {
	resp := new(ConfigResponse)
	if err := c.invoke(ctx, "Config", &ConfigRequest{Road: c.road, Token: c.token}, resp); err != nil {
		return nil, err
	}
	if resp.Config == nil {
		return nil, fmt.Errorf("ipc Config: empty configuration for road %q", c.road)
	}
	return resp.Config, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.PermissionDenied {
		return fmt.Errorf("%w: %s", worker.ErrSuperseded, st.Message())
	}
	return fmt.Errorf("ipc %s: %w", method, err)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
