package terraquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/amount"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	// pairsPageLimit is the page size used against the factory
	pairsPageLimit = 30
	// maxPairsPages bounds pagination against a misbehaving factory
	maxPairsPages = 100
	// tokenInfoConcurrency bounds parallel token_info queries
	tokenInfoConcurrency = 8

	usdDenom = "uusd"
)

// GetLBPs lists every pair registered in the LBP factory.
func (c *Client) GetLBPs(ctx context.Context, factoryAddr string) ([]models.Pair, error) {
	pairs := make([]models.Pair, 0)
	var startAfter []models.AssetInfoJSON

	for page := 0; page < maxPairsPages; page++ {
		var resp pairsResponse
		q := pairsQuery{Pairs: pairsQueryParams{StartAfter: startAfter, Limit: pairsPageLimit}}
		if err := c.smartQuery(ctx, "pairs", factoryAddr, q, &resp); err != nil {
			return nil, fmt.Errorf("failed to query factory pairs: %w", err)
		}

		for _, p := range resp.Pairs {
			pair, err := p.ToPair()
			if err != nil {
				log.Warn().Err(err).Str("pair", p.ContractAddr).Msg("Skipping malformed pair")
				continue
			}
			pairs = append(pairs, pair)
		}

		if len(resp.Pairs) < pairsPageLimit {
			return pairs, nil
		}

		last := resp.Pairs[len(resp.Pairs)-1]
		startAfter = make([]models.AssetInfoJSON, len(last.AssetInfos))
		for i, a := range last.AssetInfos {
			startAfter[i] = a.Info
		}
	}

	log.Warn().Int("pages", maxPairsPages).Msg("Stopped paginating factory pairs")
	return pairs, nil
}

// GetPair queries a single pair contract.
func (c *Client) GetPair(ctx context.Context, pairAddr string) (models.Pair, error) {
	var resp models.PairJSON
	if err := c.smartQuery(ctx, "pair", pairAddr, pairQuery{}, &resp); err != nil {
		return models.Pair{}, fmt.Errorf("failed to query pair %s: %w", pairAddr, err)
	}
	if resp.ContractAddr == "" {
		resp.ContractAddr = pairAddr
	}
	return resp.ToPair()
}

// GetTokenInfo returns the CW20 metadata of a token, served from the cache when possible.
func (c *Client) GetTokenInfo(ctx context.Context, contractAddr string) (models.TokenInfo, error) {
	if info, ok, err := c.tokenCache.GetTokenInfo(ctx, contractAddr); err != nil {
		log.Warn().Err(err).Str("token", contractAddr).Msg("Token info cache read failed")
	} else if ok {
		return info, nil
	}

	var info models.TokenInfo
	if err := c.smartQuery(ctx, "token_info", contractAddr, tokenInfoQuery{}, &info); err != nil {
		return models.TokenInfo{}, fmt.Errorf("failed to query token info of %s: %w", contractAddr, err)
	}

	if err := c.tokenCache.SetTokenInfo(ctx, contractAddr, info); err != nil {
		log.Warn().Err(err).Str("token", contractAddr).Msg("Token info cache write failed")
	}
	return info, nil
}

// GetTokenInfos fetches the metadata of several tokens concurrently.
func (c *Client) GetTokenInfos(ctx context.Context, contractAddrs []string) (map[string]models.TokenInfo, error) {
	infos := make([]models.TokenInfo, len(contractAddrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tokenInfoConcurrency)
	for i, addr := range contractAddrs {
		g.Go(func() error {
			info, err := c.GetTokenInfo(gctx, addr)
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]models.TokenInfo, len(contractAddrs))
	for i, addr := range contractAddrs {
		out[addr] = infos[i]
	}
	return out, nil
}

// Simulate asks the pair how much of the other asset an offer of amount base units returns.
func (c *Client) Simulate(
	ctx context.Context,
	pairAddr string,
	offerAmount *big.Int,
	offerInfo models.AssetInfo,
) (models.SimulationResult, error) {
	var q simulationQuery
	q.Simulation.OfferAsset = assetJSON{Info: models.ToAssetInfoJSON(offerInfo), Amount: offerAmount.String()}

	var resp simulationResponse
	if err := c.smartQuery(ctx, "simulation", pairAddr, q, &resp); err != nil {
		return models.SimulationResult{}, fmt.Errorf("simulation failed: %w", err)
	}

	returnAmount, err := amount.ParseBaseUnits(resp.ReturnAmount)
	if err != nil {
		return models.SimulationResult{}, fmt.Errorf("bad return_amount: %w", err)
	}
	spread, err := amount.ParseBaseUnits(resp.SpreadAmount)
	if err != nil {
		return models.SimulationResult{}, fmt.Errorf("bad spread_amount: %w", err)
	}
	commission, err := amount.ParseBaseUnits(resp.CommissionAmount)
	if err != nil {
		return models.SimulationResult{}, fmt.Errorf("bad commission_amount: %w", err)
	}

	return models.SimulationResult{
		ReturnAmount:     returnAmount,
		SpreadAmount:     spread,
		CommissionAmount: commission,
	}, nil
}

// ReverseSimulate asks the pair how much must be offered to receive amount base units of askInfo.
func (c *Client) ReverseSimulate(
	ctx context.Context,
	pairAddr string,
	askAmount *big.Int,
	askInfo models.AssetInfo,
) (models.ReverseSimulationResult, error) {
	var q reverseSimulationQuery
	q.ReverseSimulation.AskAsset = assetJSON{Info: models.ToAssetInfoJSON(askInfo), Amount: askAmount.String()}

	var resp reverseSimulationResponse
	if err := c.smartQuery(ctx, "reverse_simulation", pairAddr, q, &resp); err != nil {
		return models.ReverseSimulationResult{}, fmt.Errorf("reverse simulation failed: %w", err)
	}

	offer, err := amount.ParseBaseUnits(resp.OfferAmount)
	if err != nil {
		return models.ReverseSimulationResult{}, fmt.Errorf("bad offer_amount: %w", err)
	}
	spread, err := amount.ParseBaseUnits(resp.SpreadAmount)
	if err != nil {
		return models.ReverseSimulationResult{}, fmt.Errorf("bad spread_amount: %w", err)
	}
	commission, err := amount.ParseBaseUnits(resp.CommissionAmount)
	if err != nil {
		return models.ReverseSimulationResult{}, fmt.Errorf("bad commission_amount: %w", err)
	}

	return models.ReverseSimulationResult{
		OfferAmount:      offer,
		SpreadAmount:     spread,
		CommissionAmount: commission,
	}, nil
}

// GetNativeUSDRate returns how many USD one whole unit of a native denom is worth.
// Oracle rates are quoted per LUNA, so the USD rate is rate(uusd) / rate(denom).
func (c *Client) GetNativeUSDRate(ctx context.Context, denom string) (decimal.Decimal, error) {
	if denom == usdDenom {
		return decimal.NewFromInt(1), nil
	}

	var resp exchangeRatesResponse
	if err := c.getJSON(ctx, "exchange_rates", "/terra/oracle/v1beta1/denoms/exchange_rates", &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to query exchange rates: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(resp.ExchangeRates)+1)
	rates["uluna"] = decimal.NewFromInt(1)
	for _, r := range resp.ExchangeRates {
		d, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("bad exchange rate for %s: %w", r.Denom, err)
		}
		rates[r.Denom] = d
	}

	usd, ok := rates[usdDenom]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: oracle has no %s rate", ErrQueryRejected, usdDenom)
	}
	rate, ok := rates[denom]
	if !ok || rate.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("%w: oracle has no %s rate", ErrQueryRejected, denom)
	}
	return usd.Div(rate), nil
}

// GetBalance returns the balance of address in the given asset, in base units.
func (c *Client) GetBalance(ctx context.Context, address string, info models.AssetInfo) (*big.Int, error) {
	switch v := info.(type) {
	case models.NativeToken:
		return c.getNativeBalance(ctx, address, v.Denom)
	case models.Token:
		return c.getTokenBalance(ctx, address, v.ContractAddr)
	default:
		return nil, errors.New("unsupported asset info")
	}
}

func (c *Client) getNativeBalance(ctx context.Context, address, denom string) (*big.Int, error) {
	path := fmt.Sprintf("/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s",
		url.PathEscape(address), url.QueryEscape(denom))

	var resp bankBalanceResponse
	if err := c.getJSON(ctx, "bank_balance", path, &resp); err != nil {
		return nil, fmt.Errorf("failed to query %s balance: %w", denom, err)
	}
	return amount.ParseBaseUnits(resp.Balance.Amount)
}

func (c *Client) getTokenBalance(ctx context.Context, address, contractAddr string) (*big.Int, error) {
	var q balanceQuery
	q.Balance.Address = address

	var resp balanceResponse
	if err := c.smartQuery(ctx, "balance", contractAddr, q, &resp); err != nil {
		return nil, fmt.Errorf("failed to query token balance: %w", err)
	}
	return amount.ParseBaseUnits(resp.Balance)
}
