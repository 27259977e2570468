// Package bootstrap wires configuration into live chain adapters. Both the
// gateway server and the tracking worker need the same adapter set, so the
// dial logic lives here instead of being repeated in each main.
package bootstrap

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/chain/evm"
	"github.com/ayalabs/defigw/service/chain/solana"
	"github.com/ayalabs/defigw/service/config"
)

// BuildChainSet dials an adapter for every chain with a configured RPC
// endpoint. A chain without an endpoint is simply absent from the set.
func BuildChainSet(cfg *config.Config, registry *chain.Registry, logger *slog.Logger) (*chain.Set, error) {
	var adapters []chain.Adapter

	evmAgg := evm.NewAggregatorClient(cfg.EVMAggregatorURL, AuthedHTTPClient(cfg.AggregatorAPIKey, cfg.RPCTimeout), logger)

	if cfg.EthereumRPCURL != "" {
		backend, err := ethclient.Dial(cfg.EthereumRPCURL)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, evm.New(chain.Chain{
			ID:           "ethereum",
			Family:       chain.FamilyEVM,
			NativeSymbol: "ETH",
			RPCURL:       cfg.EthereumRPCURL,
			EVMChainID:   evmChainID(1, 11155111, cfg.Testnet),
			Explorer:     "https://etherscan.io",
			Testnet:      cfg.Testnet,
		}, backend, evmAgg, registry, logger))
	}

	if cfg.PolygonRPCURL != "" {
		backend, err := ethclient.Dial(cfg.PolygonRPCURL)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, evm.New(chain.Chain{
			ID:           "polygon",
			Family:       chain.FamilyEVM,
			NativeSymbol: "POL",
			RPCURL:       cfg.PolygonRPCURL,
			EVMChainID:   evmChainID(137, 80002, cfg.Testnet),
			Explorer:     "https://polygonscan.com",
			Testnet:      cfg.Testnet,
		}, backend, evmAgg, registry, logger))
	}

	if cfg.SolanaRPCURL != "" {
		solAgg := solana.NewAggregatorClient(cfg.SolanaAggregatorURL, AuthedHTTPClient(cfg.AggregatorAPIKey, cfg.RPCTimeout), logger)
		adapters = append(adapters, solana.New(chain.Chain{
			ID:           "solana",
			Family:       chain.FamilySolana,
			NativeSymbol: "SOL",
			RPCURL:       cfg.SolanaRPCURL,
			Explorer:     "https://solscan.io",
			Testnet:      cfg.Testnet,
		}, solanarpc.New(cfg.SolanaRPCURL), solAgg, registry, logger))
	}

	return chain.NewSet(adapters...), nil
}

// evmChainID picks the numeric chain id for the configured network.
func evmChainID(mainnet, testnet int64, useTestnet bool) int64 {
	if useTestnet {
		return testnet
	}
	return mainnet
}

// AuthedHTTPClient returns an HTTP client that attaches the given API key as
// a bearer token on every request. An empty key yields a plain client.
func AuthedHTTPClient(apiKey string, timeout time.Duration) *http.Client {
	c := &http.Client{Timeout: timeout}
	if apiKey != "" {
		c.Transport = &bearerTransport{key: apiKey, base: http.DefaultTransport}
	}
	return c
}

type bearerTransport struct {
	key  string
	base http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.key)
	return t.base.RoundTrip(clone)
}
