package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/linlinbupt123-crypto/hdwallet_core/config"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// Registry maps each configured network to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Network]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Network]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter of a.Network().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Network()] = a
}

// Get returns the adapter of a network, or UnsupportedNetworkError when
// the network is unknown or not configured.
func (r *Registry) Get(network domain.Network) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[network]
	if !ok {
		return nil, &wrapErrors.UnsupportedNetworkError{Network: string(network), Op: "adapter"}
	}
	return a, nil
}

// Networks lists the configured networks in name order.
func (r *Registry) Networks() []domain.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Network, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewRegistryFromConfig builds an adapter for every network named under
// networks in the config.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config) (*Registry, error) {
	reg := NewRegistry()
	for name := range cfg.Networks {
		network := domain.Network(name)
		info, err := domain.LookupNetwork(network)
		if err != nil {
			return nil, err
		}
		nc, _ := cfg.Network(name)

		httpCfg := HTTPConfig{
			URL:        nc.RPC,
			Timeout:    nc.Timeout,
			MaxRetries: nc.MaxRetries,
		}

		var adapter Adapter
		switch info.Kind {
		case domain.KindUTXO:
			adapter, err = NewBTCChain(network, NewEsploraClient(httpCfg))

		case domain.KindEVM:
			client, dialErr := DialEVM(ctx, nc.RPC)
			if dialErr != nil {
				return nil, fmt.Errorf("%s: %w", name, dialErr)
			}
			adapter, err = newVerifiedETHChain(ctx, ETHConfig{
				Network:       network,
				ChainID:       nc.ChainID,
				FinalityDepth: nc.FinalityDepth,
				Timeout:       nc.Timeout,
			}, client)
			if err != nil {
				client.Close()
			}

		case domain.KindTron:
			adapter, err = NewTronChain(NewTronGridClient(httpCfg, nc.APIKey),
				nc.FeeLimit, nc.FinalityDepth)

		case domain.KindSolana:
			adapter, err = NewSolanaChain(rpc.New(nc.RPC), nc.Timeout)
		}
		if err != nil {
			return nil, err
		}
		log.Infof("Configured %s adapter, rpc=%s", network, nc.RPC)
		reg.Register(adapter)
	}
	return reg, nil
}

var (
	_ Adapter         = (*BTCChain)(nil)
	_ Adapter         = (*ETHChain)(nil)
	_ Adapter         = (*TronChain)(nil)
	_ Adapter         = (*SolanaChain)(nil)
	_ NonceReconciler = (*ETHChain)(nil)
	_ TokenMetadata   = (*ETHChain)(nil)
	_ TokenMetadata   = (*TronChain)(nil)
)
