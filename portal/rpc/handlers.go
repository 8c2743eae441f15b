package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/amount"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/pricehistory"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/sales"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/swap"
	terraquery "github.com/Cogwheel-Validator/spectra-lbp-portal/portal/terra_query"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/wallet"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

var (
	errBadRequest           = errors.New("bad request")
	errPriceHistoryDisabled = errors.New("price history is not configured")
)

// ChainQuerier is the chain query surface the API serves from.
type ChainQuerier interface {
	swap.Simulator
	sales.Querier
	wallet.BalanceQuerier
	GetPair(ctx context.Context, pairAddr string) (models.Pair, error)
	GetTokenInfo(ctx context.Context, contractAddr string) (models.TokenInfo, error)
	GetNativeUSDRate(ctx context.Context, denom string) (decimal.Decimal, error)
}

// PriceHistorySource hands out the running poller of a sale token.
type PriceHistorySource interface {
	Poller(token string) (*pricehistory.Poller, bool)
}

// APIConfig carries the chain registry and swap form settings.
type APIConfig struct {
	FactoryAddress string
	Bech32Prefix   string
	// NativeAssets maps native denoms to their display asset.
	NativeAssets map[string]models.Asset

	SwapDebounce      time.Duration
	SimulationTimeout time.Duration
	SessionIdleTTL    time.Duration
	MaxSessions       int
}

// API serves the JSON endpoints used by the browser.
type API struct {
	chain    ChainQuerier
	prices   PriceHistorySource
	config   APIConfig
	sessions *sessionStore
	now      func() time.Time
}

// NewAPI creates the API. prices may be nil when no indexer is configured.
func NewAPI(chain ChainQuerier, prices PriceHistorySource, config APIConfig) *API {
	if config.SessionIdleTTL <= 0 {
		config.SessionIdleTTL = 15 * time.Minute
	}
	if config.Bech32Prefix == "" {
		config.Bech32Prefix = wallet.DefaultPrefix
	}
	return &API{
		chain:    chain,
		prices:   prices,
		config:   config,
		sessions: newSessionStore(config.SessionIdleTTL, config.MaxSessions),
		now:      time.Now,
	}
}

// Routes returns the /v1 router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(noCacheMiddleware)

	r.Get("/sales", a.handleSales)

	r.Route("/pairs/{pair}", func(r chi.Router) {
		r.Get("/", a.handlePair)
		r.Get("/simulation", a.handleSimulation)
		r.Get("/reverse-simulation", a.handleReverseSimulation)
		r.Get("/price-history", a.handlePriceHistory)
	})

	r.Route("/swap/sessions", func(r chi.Router) {
		r.Post("/", a.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetSession)
			r.Delete("/", a.handleDeleteSession)
			r.Post("/from", a.handleEdit(swap.FieldFrom))
			r.Post("/to", a.handleEdit(swap.FieldTo))
			r.Post("/offer-asset", a.handleSelectAsset(swap.FieldFrom))
			r.Post("/ask-asset", a.handleSelectAsset(swap.FieldTo))
		})
	})

	r.Post("/wallet/connect", a.handleWalletConnect)
	return r
}

// Start begins expiring idle swap sessions.
func (a *API) Start() {
	a.sessions.startJanitor()
}

// Close ends every swap session.
func (a *API) Close() {
	a.sessions.close()
}

type errorBody struct {
	Error string `json:"error"`
}

type assetView struct {
	Info     models.AssetInfoJSON `json:"info"`
	Symbol   string               `json:"symbol"`
	Decimals int32                `json:"decimals"`
}

func newAssetView(a models.Asset) assetView {
	return assetView{Info: models.ToAssetInfoJSON(a.Info), Symbol: a.Symbol, Decimals: a.Decimals}
}

type salesResponse struct {
	sales.Schedule
	CurrentPair string `json:"current_pair,omitempty"`
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	list, err := sales.Load(r.Context(), a.chain, a.config.FactoryAddress)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := salesResponse{Schedule: sales.Classify(list, a.now())}
	if resp.Current != nil {
		resp.CurrentPair = resp.Current.Pair.ContractAddr
	}
	writeJSON(w, http.StatusOK, resp)
}

// pairAssets loads a pair and the display assets of both sides.
type pairAssets struct {
	pair   models.Pair
	native models.Asset
	token  models.Asset
	info   models.TokenInfo
}

func (a *API) loadPair(ctx context.Context, pairAddr string) (pairAssets, error) {
	pair, err := a.chain.GetPair(ctx, pairAddr)
	if err != nil {
		return pairAssets{}, err
	}
	tokenAddr := pair.TokenInfo().ContractAddr
	info, err := a.chain.GetTokenInfo(ctx, tokenAddr)
	if err != nil {
		return pairAssets{}, err
	}
	return pairAssets{
		pair:   pair,
		native: a.nativeAsset(pair.NativeInfo().Denom),
		token:  models.NewTokenAsset(tokenAddr, info),
		info:   info,
	}, nil
}

func (a *API) nativeAsset(denom string) models.Asset {
	if asset, ok := a.config.NativeAssets[denom]; ok {
		return asset
	}
	return models.NewNativeAsset(denom, denom)
}

func (a *API) usdRate(ctx context.Context, denom string) decimal.Decimal {
	rate, err := a.chain.GetNativeUSDRate(ctx, denom)
	if err != nil {
		Logger.Warn().Err(err).Str("denom", denom).Msg("USD rate unavailable")
		return decimal.Decimal{}
	}
	return rate
}

type pairResponse struct {
	PairAddress   string           `json:"pair_address"`
	Native        assetView        `json:"native"`
	Token         assetView        `json:"token"`
	TokenInfo     models.TokenInfo `json:"token_info"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       time.Time        `json:"end_time"`
	Active        bool             `json:"active"`
	NativeUSDRate string           `json:"native_usd_rate,omitempty"`
}

func (a *API) handlePair(w http.ResponseWriter, r *http.Request) {
	pa, err := a.loadPair(r.Context(), chi.URLParam(r, "pair"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := pairResponse{
		PairAddress: pa.pair.ContractAddr,
		Native:      newAssetView(pa.native),
		Token:       newAssetView(pa.token),
		TokenInfo:   pa.info,
		StartTime:   pa.pair.StartTime.UTC(),
		EndTime:     pa.pair.EndTime.UTC(),
		Active:      pa.pair.IsActive(a.now()),
	}
	if rate := a.usdRate(r.Context(), pa.native.Info.Key()); !rate.IsZero() {
		resp.NativeUSDRate = rate.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type simulationResponse struct {
	Offer            assetView `json:"offer"`
	Ask              assetView `json:"ask"`
	OfferAmount      string    `json:"offer_amount"`
	ReturnAmount     string    `json:"return_amount"`
	SpreadAmount     string    `json:"spread_amount"`
	CommissionAmount string    `json:"commission_amount"`
	// display values of the two amounts at their asset precision
	OfferDisplay  string `json:"offer_display"`
	ReturnDisplay string `json:"return_display"`
}

// sides orders the pair assets so the first is the one named by the query value.
// sides resolves a side selector ("native", "token", or an asset's denom or contract address)
// into the named asset and its counterpart.
func (pa pairAssets) sides(name string) (models.Asset, models.Asset, error) {
	var info models.AssetInfo
	switch name {
	case "", "native", pa.native.Info.Key():
		info = pa.native.Info
	case "token", pa.token.Info.Key():
		info = pa.token.Info
	default:
		return models.Asset{}, models.Asset{}, fmt.Errorf("%w: side must be native, token or a pair asset", errBadRequest)
	}

	other, err := pa.pair.Other(info)
	if err != nil {
		return models.Asset{}, models.Asset{}, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return pa.asset(info), pa.asset(other), nil
}

func (pa pairAssets) asset(info models.AssetInfo) models.Asset {
	if models.SameAsset(info, pa.native.Info) {
		return pa.native
	}
	return pa.token
}

func baseAmountParam(r *http.Request) (*big.Int, error) {
	v, err := amount.ParseBaseUnits(r.URL.Query().Get("amount"))
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", amount.ErrInvalidAmount)
	}
	return v, nil
}

func (a *API) handleSimulation(w http.ResponseWriter, r *http.Request) {
	base, err := baseAmountParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pa, err := a.loadPair(r.Context(), chi.URLParam(r, "pair"))
	if err != nil {
		writeError(w, err)
		return
	}
	offer, ask, err := pa.sides(r.URL.Query().Get("offer"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := a.chain.Simulate(r.Context(), pa.pair.ContractAddr, base, offer.Info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, simulationResponse{
		Offer:            newAssetView(offer),
		Ask:              newAssetView(ask),
		OfferAmount:      base.String(),
		ReturnAmount:     res.ReturnAmount.String(),
		SpreadAmount:     res.SpreadAmount.String(),
		CommissionAmount: res.CommissionAmount.String(),
		OfferDisplay:     amount.FromBaseUnits(base, offer.Decimals),
		ReturnDisplay:    amount.FromBaseUnits(res.ReturnAmount, ask.Decimals),
	})
}

func (a *API) handleReverseSimulation(w http.ResponseWriter, r *http.Request) {
	base, err := baseAmountParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pa, err := a.loadPair(r.Context(), chi.URLParam(r, "pair"))
	if err != nil {
		writeError(w, err)
		return
	}
	ask, offer, err := pa.sides(r.URL.Query().Get("ask"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := a.chain.ReverseSimulate(r.Context(), pa.pair.ContractAddr, base, ask.Info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, simulationResponse{
		Offer:            newAssetView(offer),
		Ask:              newAssetView(ask),
		OfferAmount:      res.OfferAmount.String(),
		ReturnAmount:     base.String(),
		SpreadAmount:     res.SpreadAmount.String(),
		CommissionAmount: res.CommissionAmount.String(),
		OfferDisplay:     amount.FromBaseUnits(res.OfferAmount, offer.Decimals),
		ReturnDisplay:    amount.FromBaseUnits(base, ask.Decimals),
	})
}

func (a *API) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	if a.prices == nil {
		writeError(w, errPriceHistoryDisabled)
		return
	}
	pair, err := a.chain.GetPair(r.Context(), chi.URLParam(r, "pair"))
	if err != nil {
		writeError(w, err)
		return
	}
	poller, ok := a.prices.Poller(pair.TokenInfo().ContractAddr)
	if !ok {
		writeError(w, errPriceHistoryDisabled)
		return
	}

	// first request for this token, the poller's initial fetch may still be in flight
	if err := poller.WaitReady(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h := poller.History()
	if h.UpdatedAt.IsZero() && h.LastError != "" {
		writeError(w, fmt.Errorf("%w: %s", pricehistory.ErrFetchFailed, h.LastError))
		return
	}

	resp := priceHistoryResponse{History: h}
	if n := len(h.Points); n > 0 {
		resp.LatestPrice = amount.FormatNumber(h.Points[n-1].Price)
	}
	writeJSON(w, http.StatusOK, resp)
}

type priceHistoryResponse struct {
	pricehistory.History
	LatestPrice string `json:"latest_price,omitempty"`
}

type sessionResponse struct {
	ID          string     `json:"id"`
	PairAddress string     `json:"pair_address"`
	Offer       assetView  `json:"offer"`
	Ask         assetView  `json:"ask"`
	State       swap.State `json:"state"`
}

func newSessionResponse(s *session) sessionResponse {
	st := s.sync.State()
	return sessionResponse{
		ID:          s.id,
		PairAddress: s.pair.ContractAddr,
		Offer:       newAssetView(st.Offer),
		Ask:         newAssetView(st.Ask),
		State:       st,
	}
}

type createSessionRequest struct {
	PairAddress string `json:"pair_address"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PairAddress == "" {
		writeError(w, fmt.Errorf("%w: pair_address is required", errBadRequest))
		return
	}

	pa, err := a.loadPair(r.Context(), req.PairAddress)
	if err != nil {
		writeError(w, err)
		return
	}

	sync := swap.New(a.chain, pa.pair.ContractAddr, pa.native, pa.token,
		swap.WithDebounce(a.config.SwapDebounce),
		swap.WithTimeout(a.config.SimulationTimeout),
		swap.WithUSDRate(a.usdRate(r.Context(), pa.native.Info.Key())),
	)
	s := &session{pair: pa.pair, native: pa.native, token: pa.token, sync: sync}
	if err := a.sessions.add(s); err != nil {
		sync.Close()
		writeError(w, err)
		return
	}

	Logger.Debug().Str("session", s.id).Str("pair", pa.pair.ContractAddr).Msg("Swap session created")
	writeJSON(w, http.StatusCreated, newSessionResponse(s))
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(s))
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editRequest struct {
	Amount string `json:"amount"`
}

func (a *API) handleEdit(field swap.Field) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := a.sessions.get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		var req editRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		if field == swap.FieldFrom {
			err = s.sync.SetFrom(req.Amount)
		} else {
			err = s.sync.SetTo(req.Amount)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newSessionResponse(s))
	}
}

type selectAssetRequest struct {
	Symbol string `json:"symbol"`
}

func (a *API) handleSelectAsset(side swap.Field) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := a.sessions.get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		var req selectAssetRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		asset, ok := s.assetBySymbol(req.Symbol)
		if !ok {
			writeError(w, fmt.Errorf("%w: %s", swap.ErrUnknownAsset, req.Symbol))
			return
		}

		if side == swap.FieldFrom {
			err = s.sync.SelectOfferAsset(asset.Info)
		} else {
			err = s.sync.SelectAskAsset(asset.Info)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newSessionResponse(s))
	}
}

type walletConnectRequest struct {
	Address     string `json:"address"`
	PairAddress string `json:"pair_address,omitempty"`
}

type walletConnectResponse struct {
	wallet.Identity
	Balances []wallet.Balance `json:"balances,omitempty"`
}

func (a *API) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	var req walletConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	connector := wallet.NewConnector(wallet.StaticExtension(req.Address), a.config.Bech32Prefix)
	id, err := connector.Connect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := walletConnectResponse{Identity: id}
	if req.PairAddress != "" {
		pa, err := a.loadPair(r.Context(), req.PairAddress)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Balances, err = wallet.Balances(r.Context(), a.chain, id.Address, pa.native, pa.token)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, amount.ErrInvalidAmount),
		errors.Is(err, amount.ErrConversionOverflow),
		errors.Is(err, swap.ErrUnknownAsset),
		errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, models.ErrUnknownAssetInfo):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrUserDenied):
		return http.StatusForbidden
	case errors.Is(err, errSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, swap.ErrClosed):
		return http.StatusGone
	case errors.Is(err, terraquery.ErrQueryRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, terraquery.ErrNetworkFailure),
		errors.Is(err, pricehistory.ErrFetchFailed),
		errors.Is(err, pricehistory.ErrGraphQL):
		return http.StatusBadGateway
	case errors.Is(err, wallet.ErrWalletUnavailable),
		errors.Is(err, errPriceHistoryDisabled),
		errors.Is(err, errSessionStoreDone):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		Logger.Error().Err(err).Msg("Unhandled API error")
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}
