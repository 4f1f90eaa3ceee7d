package core

import (
	"os"
	"slices"
	"sync"

	"segmentation-backend/pkg/api"
	"segmentation-backend/plugin/shared"
)

// Network is the one model topology shared by every inference handler and by
// training. Its checkpoint is the last candidate that exists on disk, so
// weights published by a worker process are picked up without a restart.
type Network struct {
	mu          sync.RWMutex
	spec        shared.NetworkSpec
	checkpoints []string
}

// NewSpleenUNet takes checkpoint candidates in increasing priority.
func NewSpleenUNet(checkpoints ...string) *Network {
	return &Network{
		spec: shared.NetworkSpec{
			Name:        "UNet",
			Dimensions:  3,
			InChannels:  1,
			OutChannels: 2,
			Channels:    []int{16, 32, 64, 128, 256},
			Strides:     []int{2, 2, 2, 2},
			NumResUnits: 2,
			Norm:        "BATCH",
		},
		checkpoints: slices.Clone(checkpoints),
	}
}

func (n *Network) Spec() shared.NetworkSpec {
	spec := n.spec
	spec.Channels = append([]int(nil), n.spec.Channels...)
	spec.Strides = append([]int(nil), n.spec.Strides...)
	return spec
}

// Checkpoint returns the highest priority candidate that exists, or "" when
// none does.
func (n *Network) Checkpoint() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for i := len(n.checkpoints) - 1; i >= 0; i-- {
		if _, err := os.Stat(n.checkpoints[i]); err == nil {
			return n.checkpoints[i]
		}
	}
	return ""
}

// SetCheckpoint makes path the highest priority candidate.
func (n *Network) SetCheckpoint(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.checkpoints = slices.DeleteFunc(n.checkpoints, func(c string) bool { return c == path })
	n.checkpoints = append(n.checkpoints, path)
}

func (n *Network) candidates() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.checkpoints)
}

func (n *Network) Info() api.NetworkInfo {
	spec := n.Spec()
	return api.NetworkInfo{
		Name:        spec.Name,
		Dimensions:  spec.Dimensions,
		InChannels:  spec.InChannels,
		OutChannels: spec.OutChannels,
		Channels:    spec.Channels,
		Strides:     spec.Strides,
		NumResUnits: spec.NumResUnits,
		Norm:        spec.Norm,
		Checkpoint:  n.Checkpoint(),
	}
}
