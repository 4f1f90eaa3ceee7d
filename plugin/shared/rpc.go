package shared

import (
	"context"
	"net/rpc"
)

// RPCClient talks to an engine over net/rpc.
type RPCClient struct{ client *rpc.Client }

var _ EngineClient = (*RPCClient)(nil)

// call gives up waiting once ctx is done; the engine keeps running the call.
func (m *RPCClient) call(ctx context.Context, method string, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	call := m.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		return res.Error
	}
}

func (m *RPCClient) Infer(ctx context.Context, args InferArgs) (InferReply, error) {
	var resp InferReply
	err := m.call(ctx, "Plugin.Infer", args, &resp)
	return resp, err
}

func (m *RPCClient) Train(ctx context.Context, args TrainArgs) (TrainReply, error) {
	var resp TrainReply
	err := m.call(ctx, "Plugin.Train", args, &resp)
	return resp, err
}

// RPCServer is the net/rpc server that RPCClient talks to.
type RPCServer struct {
	Impl Engine
}

func (m *RPCServer) Infer(args InferArgs, resp *InferReply) error {
	v, err := m.Impl.Infer(args)
	*resp = v
	return err
}

func (m *RPCServer) Train(args TrainArgs, resp *TrainReply) error {
	v, err := m.Impl.Train(args)
	*resp = v
	return err
}
