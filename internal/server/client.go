package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/roko-router/internal/coordinator"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote WorkflowService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client on top of an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Process submits a task and waits for its outcome.
func (c *Client) Process(ctx context.Context, task types.WorkflowTask) (types.Outcome, error) {
	req, err := toStruct(task)
	if err != nil {
		return types.Outcome{}, err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, processMethod, req, resp); err != nil {
		return types.Outcome{}, fmt.Errorf("rpc process failed: %w", err)
	}

	var outcome types.Outcome
	if err := fromStruct(resp, &outcome); err != nil {
		return types.Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return outcome, nil
}

// Status fetches ledger usage and task statistics.
func (c *Client) Status(ctx context.Context) (coordinator.Status, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, resp); err != nil {
		return coordinator.Status{}, fmt.Errorf("rpc status failed: %w", err)
	}

	var st coordinator.Status
	if err := fromStruct(resp, &st); err != nil {
		return coordinator.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
