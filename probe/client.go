package probe

import (
	"context"
	"fmt"

	"cellrpc/client"
	"cellrpc/message"
	"cellrpc/rpcerr"
	"cellrpc/transport"
)

// Client is the typed client of the probe types, bound to one partition.
type Client struct {
	c         *client.Client
	partition uint32
}

func NewClient(c *client.Client, partition uint32) *Client {
	return &Client{c: c, partition: partition}
}

func (p *Client) Partition() uint32 { return p.partition }

func (p *Client) TestSyn(ctx context.Context, r Request) error {
	return p.c.CallSyn(ctx, p.partition, Syn, r.Fields())
}

func (p *Client) TestSyn1(ctx context.Context, r Request) error {
	return p.c.CallSyn(ctx, p.partition, Syn1, r.Fields())
}

func (p *Client) TestAsyn(ctx context.Context, r Request) (*transport.Completion, error) {
	return p.c.CallAsyn(ctx, p.partition, Asyn, r.Fields())
}

func (p *Client) TestAsyn1(ctx context.Context, r Request) (*transport.Completion, error) {
	return p.c.CallAsyn(ctx, p.partition, Asyn1, r.Fields())
}

func (p *Client) TestSynWithRsp(ctx context.Context, r Request) (string, error) {
	return p.synWithRsp(ctx, SynWithRsp, r)
}

func (p *Client) TestSynWithRsp1(ctx context.Context, r Request) (string, error) {
	return p.synWithRsp(ctx, SynWithRsp1, r)
}

func (p *Client) synWithRsp(ctx context.Context, desc *message.Descriptor, r Request) (string, error) {
	out, err := p.c.CallSynWithRsp(ctx, p.partition, desc, r.Fields())
	if err != nil {
		return "", err
	}
	result, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%s result is %T: %w", desc, out[0], rpcerr.ErrSchemaMismatch)
	}
	return result, nil
}
