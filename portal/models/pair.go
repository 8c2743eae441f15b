package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// WeightedAssetInfo is one side of an LBP pair with its weight schedule.
type WeightedAssetInfo struct {
	Info        AssetInfo
	StartWeight string
	EndWeight   string
}

// Pair is an LBP pair contract and its two assets, native side first.
type Pair struct {
	ContractAddr   string
	LiquidityToken string
	AssetInfos     [2]WeightedAssetInfo
	StartTime      time.Time
	EndTime        time.Time
}

// PairJSON is the wire form returned by the factory "pairs" and pair "pair" queries.
type PairJSON struct {
	ContractAddr   string `json:"contract_addr"`
	LiquidityToken string `json:"liquidity_token,omitempty"`
	AssetInfos     []struct {
		Info        AssetInfoJSON `json:"info"`
		StartWeight string        `json:"start_weight,omitempty"`
		EndWeight   string        `json:"end_weight,omitempty"`
	} `json:"asset_infos"`
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
}

// ToPair validates the wire pair and orders its assets native side first.
func (p PairJSON) ToPair() (Pair, error) {
	if len(p.AssetInfos) != 2 {
		return Pair{}, fmt.Errorf("pair %s has %d assets, expected 2", p.ContractAddr, len(p.AssetInfos))
	}

	pair := Pair{
		ContractAddr:   p.ContractAddr,
		LiquidityToken: p.LiquidityToken,
		StartTime:      time.Unix(p.StartTime, 0).UTC(),
		EndTime:        time.Unix(p.EndTime, 0).UTC(),
	}

	for i, a := range p.AssetInfos {
		info, err := a.Info.AssetInfo()
		if err != nil {
			return Pair{}, fmt.Errorf("pair %s asset %d: %w", p.ContractAddr, i, err)
		}
		pair.AssetInfos[i] = WeightedAssetInfo{
			Info:        info,
			StartWeight: a.StartWeight,
			EndWeight:   a.EndWeight,
		}
	}

	switch {
	case IsNative(pair.AssetInfos[0].Info) && !IsNative(pair.AssetInfos[1].Info):
	case !IsNative(pair.AssetInfos[0].Info) && IsNative(pair.AssetInfos[1].Info):
		pair.AssetInfos[0], pair.AssetInfos[1] = pair.AssetInfos[1], pair.AssetInfos[0]
	default:
		return Pair{}, fmt.Errorf("pair %s must have exactly one native and one token asset", p.ContractAddr)
	}

	return pair, nil
}

// NativeInfo returns the native side of the pair.
func (p Pair) NativeInfo() NativeToken {
	return p.AssetInfos[0].Info.(NativeToken)
}

// TokenInfo returns the sale token side of the pair.
func (p Pair) TokenInfo() Token {
	return p.AssetInfos[1].Info.(Token)
}

// Other returns the pair asset that is not info.
func (p Pair) Other(info AssetInfo) (AssetInfo, error) {
	switch {
	case SameAsset(info, p.AssetInfos[0].Info):
		return p.AssetInfos[1].Info, nil
	case SameAsset(info, p.AssetInfos[1].Info):
		return p.AssetInfos[0].Info, nil
	default:
		return nil, fmt.Errorf("asset %s is not part of pair %s", info.Key(), p.ContractAddr)
	}
}

// IsActive reports whether the sale is running at t.
func (p Pair) IsActive(t time.Time) bool {
	return !t.Before(p.StartTime) && t.Before(p.EndTime)
}

// SimulationResult is the forward simulation response in base units.
type SimulationResult struct {
	ReturnAmount     *big.Int
	SpreadAmount     *big.Int
	CommissionAmount *big.Int
}

// ReverseSimulationResult is the reverse simulation response in base units.
type ReverseSimulationResult struct {
	OfferAmount      *big.Int
	SpreadAmount     *big.Int
	CommissionAmount *big.Int
}

// PricePoint is a single price history sample.
type PricePoint struct {
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}
