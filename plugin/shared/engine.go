// Package shared holds the contract between the backend and the model engine
// process. The engine is launched through go-plugin and spoken to over net/rpc.
package shared

import (
	"context"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SEGMENTATION_ENGINE_PLUGIN",
	MagicCookieValue: "spleen_postproc",
}

const EnginePluginName = "engine"

var PluginMap = map[string]plugin.Plugin{
	EnginePluginName: &EnginePlugin{},
}

// NetworkSpec describes the topology the engine should build.
type NetworkSpec struct {
	Name        string
	Dimensions  int
	InChannels  int
	OutChannels int
	Channels    []int
	Strides     []int
	NumResUnits int
	Norm        string
}

type DataItem struct {
	Image string
	Label string
}

type InferArgs struct {
	Task       string
	Kind       string
	Network    NetworkSpec
	ModelPath  string
	Image      string
	Logits     string
	Device     string
	ParamsJSON []byte
}

type InferReply struct {
	Label      string
	ParamsJSON []byte
}

type TrainArgs struct {
	Network       NetworkSpec
	LoadPath      string
	OutputDir     string
	TrainDatalist []DataItem
	ValDatalist   []DataItem
	Device        string
	LR            float64
	ValSplit      float64
	MaxEpochs     int
	AMP           bool
}

type TrainReply struct {
	Checkpoint string
	StatsJSON  []byte
}

// Engine is implemented inside the engine process.
type Engine interface {
	Infer(args InferArgs) (InferReply, error)

	Train(args TrainArgs) (TrainReply, error)
}

// EngineClient is what the backend holds on to.
type EngineClient interface {
	Infer(ctx context.Context, args InferArgs) (InferReply, error)

	Train(ctx context.Context, args TrainArgs) (TrainReply, error)
}

type EnginePlugin struct {
	Impl Engine
}

func (p *EnginePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (*EnginePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// Serve runs impl as an engine plugin. It is meant to be called from the
// main function of an engine binary and does not return.
func Serve(impl Engine) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			EnginePluginName: &EnginePlugin{Impl: impl},
		},
	})
}
