package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a litevm server.
type Client struct {
	run          *connect.Client[RunRequest, RunResponse]
	call         *connect.Client[CallRequest, RunResponse]
	new          *connect.Client[NewRequest, RunResponse]
	openSession  *connect.Client[OpenSessionRequest, SessionMsg]
	closeSession *connect.Client[CloseSessionRequest, Empty]
	release      *connect.Client[ReleaseRequest, Empty]

	listClasses   *connect.Client[ListClassesRequest, ListClassesResponse]
	describeClass *connect.Client[DescribeClassRequest, ClassMsg]
	inspect       *connect.Client[InspectRequest, InspectResponse]
	heapStats     *connect.Client[HeapStatsRequest, HeapStatsResponse]
	reset         *connect.Client[Empty, Empty]
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:4680".
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{WithCBOR()}, opts...)
	return &Client{
		run:          connect.NewClient[RunRequest, RunResponse](httpClient, baseURL+RunProcedure, opts...),
		call:         connect.NewClient[CallRequest, RunResponse](httpClient, baseURL+CallProcedure, opts...),
		new:          connect.NewClient[NewRequest, RunResponse](httpClient, baseURL+NewProcedure, opts...),
		openSession:  connect.NewClient[OpenSessionRequest, SessionMsg](httpClient, baseURL+OpenSessionProcedure, opts...),
		closeSession: connect.NewClient[CloseSessionRequest, Empty](httpClient, baseURL+CloseSessionProcedure, opts...),
		release:      connect.NewClient[ReleaseRequest, Empty](httpClient, baseURL+ReleaseProcedure, opts...),

		listClasses:   connect.NewClient[ListClassesRequest, ListClassesResponse](httpClient, baseURL+ListClassesProcedure, opts...),
		describeClass: connect.NewClient[DescribeClassRequest, ClassMsg](httpClient, baseURL+DescribeClassProcedure, opts...),
		inspect:       connect.NewClient[InspectRequest, InspectResponse](httpClient, baseURL+InspectProcedure, opts...),
		heapStats:     connect.NewClient[HeapStatsRequest, HeapStatsResponse](httpClient, baseURL+HeapStatsProcedure, opts...),
		reset:         connect.NewClient[Empty, Empty](httpClient, baseURL+ResetProcedure, opts...),
	}
}

func unary[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], msg *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Run invokes a method by reference.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	return unary(ctx, c.run, req)
}

// Call invokes an instance method on a handle.
func (c *Client) Call(ctx context.Context, req *CallRequest) (*RunResponse, error) {
	return unary(ctx, c.call, req)
}

// New allocates an instance and runs its constructor.
func (c *Client) New(ctx context.Context, req *NewRequest) (*RunResponse, error) {
	return unary(ctx, c.new, req)
}

// OpenSession creates a session.
func (c *Client) OpenSession(ctx context.Context, name string) (*SessionMsg, error) {
	return unary(ctx, c.openSession, &OpenSessionRequest{Name: name})
}

// CloseSession ends a session.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	_, err := unary(ctx, c.closeSession, &CloseSessionRequest{ID: id})
	return err
}

// Release drops a handle.
func (c *Client) Release(ctx context.Context, handle string) error {
	_, err := unary(ctx, c.release, &ReleaseRequest{Handle: handle})
	return err
}

// ListClasses lists loaded classes.
func (c *Client) ListClasses(ctx context.Context, includeBootstrap bool) ([]string, error) {
	resp, err := unary(ctx, c.listClasses, &ListClassesRequest{IncludeBootstrap: includeBootstrap})
	if err != nil {
		return nil, err
	}
	return resp.Classes, nil
}

// DescribeClass returns class metadata.
func (c *Client) DescribeClass(ctx context.Context, name string) (*ClassMsg, error) {
	return unary(ctx, c.describeClass, &DescribeClassRequest{Name: name})
}

// Inspect returns the contents of a handle.
func (c *Client) Inspect(ctx context.Context, handle string) (*InspectResponse, error) {
	return unary(ctx, c.inspect, &InspectRequest{Handle: handle})
}

// HeapStats reports heap occupancy.
func (c *Client) HeapStats(ctx context.Context) (*HeapStatsResponse, error) {
	return unary(ctx, c.heapStats, &HeapStatsRequest{})
}

// Reset empties the heap.
func (c *Client) Reset(ctx context.Context) error {
	_, err := unary(ctx, c.reset, &Empty{})
	return err
}
