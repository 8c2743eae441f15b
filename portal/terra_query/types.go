package terraquery

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
)

// smartQueryResponse is the envelope of /cosmwasm/wasm/v1/contract/{addr}/smart/{query}
type smartQueryResponse struct {
	Data json.RawMessage `json:"data"`
}

// pairsQuery is the factory query listing LBP pairs
type pairsQuery struct {
	Pairs pairsQueryParams `json:"pairs"`
}

type pairsQueryParams struct {
	StartAfter []models.AssetInfoJSON `json:"start_after,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

type pairsResponse struct {
	Pairs []models.PairJSON `json:"pairs"`
}

type pairQuery struct {
	Pair struct{} `json:"pair"`
}

type tokenInfoQuery struct {
	TokenInfo struct{} `json:"token_info"`
}

type balanceQuery struct {
	Balance struct {
		Address string `json:"address"`
	} `json:"balance"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

type assetJSON struct {
	Info   models.AssetInfoJSON `json:"info"`
	Amount string               `json:"amount"`
}

type simulationQuery struct {
	Simulation struct {
		OfferAsset assetJSON `json:"offer_asset"`
	} `json:"simulation"`
}

type simulationResponse struct {
	ReturnAmount     string `json:"return_amount"`
	SpreadAmount     string `json:"spread_amount"`
	CommissionAmount string `json:"commission_amount"`
}

type reverseSimulationQuery struct {
	ReverseSimulation struct {
		AskAsset assetJSON `json:"ask_asset"`
	} `json:"reverse_simulation"`
}

type reverseSimulationResponse struct {
	OfferAmount      string `json:"offer_amount"`
	SpreadAmount     string `json:"spread_amount"`
	CommissionAmount string `json:"commission_amount"`
}

// exchangeRatesResponse is the oracle module answer, rates are denom per LUNA
type exchangeRatesResponse struct {
	ExchangeRates []struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"exchange_rates"`
}

// bankBalanceResponse is /cosmos/bank/v1beta1/balances/{addr}/by_denom
type bankBalanceResponse struct {
	Balance struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"balance"`
}

// TokenInfoCache stores CW20 token metadata between queries.
type TokenInfoCache interface {
	GetTokenInfo(ctx context.Context, contractAddr string) (models.TokenInfo, bool, error)
	SetTokenInfo(ctx context.Context, contractAddr string, info models.TokenInfo) error
}

// memoryTokenCache is the default process-local cache.
type memoryTokenCache struct {
	mu    sync.RWMutex
	infos map[string]models.TokenInfo
}

func newMemoryTokenCache() *memoryTokenCache {
	return &memoryTokenCache{infos: make(map[string]models.TokenInfo)}
}

func (m *memoryTokenCache) GetTokenInfo(_ context.Context, contractAddr string) (models.TokenInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.infos[contractAddr]
	return info, ok, nil
}

func (m *memoryTokenCache) SetTokenInfo(_ context.Context, contractAddr string, info models.TokenInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[contractAddr] = info
	return nil
}
