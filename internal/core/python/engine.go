package python

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"segmentation-backend/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

// PythonEngine is the backend side of the engine plugin process, which in turn
// runs the python model scripts.
type PythonEngine struct {
	mu     sync.Mutex
	client *plugin.Client
	engine shared.EngineClient
}

var _ shared.EngineClient = (*PythonEngine)(nil)

func LoadPythonEngine(engineExecutable, pythonExecutable, engineScript string) (*PythonEngine, error) {
	cmd := exec.Command(engineExecutable, "-python", pythonExecutable, "-script", engineScript)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              cmd,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense(shared.EnginePluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing '%s': %w", shared.EnginePluginName, err)
	}

	engine, ok := raw.(shared.EngineClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.EngineClient (actual type: %T)", shared.EnginePluginName, raw)
	}

	return &PythonEngine{client: client, engine: engine}, nil
}

func (e *PythonEngine) get() (shared.EngineClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engine == nil {
		return nil, fmt.Errorf("engine has been released")
	}
	return e.engine, nil
}

func (e *PythonEngine) Infer(ctx context.Context, args shared.InferArgs) (shared.InferReply, error) {
	engine, err := e.get()
	if err != nil {
		return shared.InferReply{}, err
	}
	return engine.Infer(ctx, args)
}

func (e *PythonEngine) Train(ctx context.Context, args shared.TrainArgs) (shared.TrainReply, error) {
	engine, err := e.get()
	if err != nil {
		return shared.TrainReply{}, err
	}
	return engine.Train(ctx, args)
}

func (e *PythonEngine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return
	}

	e.client.Kill()
	e.client = nil
	e.engine = nil
}
