// Package wallet connects a user wallet through a browser extension and exposes its identity.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/amount"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "wallet").Logger()
}

// DefaultPrefix is the bech32 prefix of Terra accounts.
const DefaultPrefix = "terra"

// visibleSuffix is how many trailing address characters the short form keeps.
const visibleSuffix = 6

var (
	// ErrWalletUnavailable means no extension answered.
	ErrWalletUnavailable = errors.New("wallet extension unavailable")
	// ErrUserDenied means the user refused the connection.
	ErrUserDenied = errors.New("wallet connection denied by user")
	// ErrInvalidAddress means the extension returned something that is not an account address.
	ErrInvalidAddress = errors.New("invalid wallet address")
)

// Extension is the browser wallet extension.
type Extension interface {
	RequestAddress(ctx context.Context) (string, error)
}

// StaticExtension answers with a fixed address, as relayed by the browser.
// An empty address is a refusal.
type StaticExtension string

// RequestAddress returns the relayed address.
func (s StaticExtension) RequestAddress(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrUserDenied
	}
	return strings.TrimSpace(string(s)), nil
}

// Identity is a connected wallet.
type Identity struct {
	Address string `json:"address"`
	Short   string `json:"short"`
}

// Connector performs one address request per Connect call. Nothing is retried or persisted.
type Connector struct {
	ext    Extension
	prefix string
}

// NewConnector creates a connector for addresses with the given bech32 prefix.
func NewConnector(ext Extension, prefix string) *Connector {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Connector{ext: ext, prefix: prefix}
}

// Connect asks the extension for an address and validates it.
func (c *Connector) Connect(ctx context.Context) (Identity, error) {
	if c.ext == nil {
		return Identity{}, ErrWalletUnavailable
	}

	address, err := c.ext.RequestAddress(ctx)
	if err != nil {
		if errors.Is(err, ErrUserDenied) || errors.Is(err, ErrWalletUnavailable) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %w", ErrWalletUnavailable, err)
	}

	if err := ValidateAddress(address, c.prefix); err != nil {
		return Identity{}, err
	}

	id := Identity{Address: address, Short: ShortAddress(address, c.prefix)}

	log.Info().Str("wallet", id.Short).Msg("Wallet connected")
	return id, nil
}

// ValidateAddress checks that address is bech32 with the expected prefix.
func ValidateAddress(address, prefix string) error {
	hrp, data, err := bech32.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if hrp != prefix {
		return fmt.Errorf("%w: prefix %q, want %q", ErrInvalidAddress, hrp, prefix)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidAddress)
	}
	return nil
}

// ShortAddress renders "terra1...567890": the prefix with its separator, then the last six characters.
func ShortAddress(address, prefix string) string {
	head := prefix + "1"
	if !strings.HasPrefix(address, head) || len(address) <= len(head)+visibleSuffix {
		return address
	}
	return head + "..." + address[len(address)-visibleSuffix:]
}

// BalanceQuerier reads account balances in base units.
type BalanceQuerier interface {
	GetBalance(ctx context.Context, address string, info models.AssetInfo) (*big.Int, error)
}

// Balance is a wallet balance in display units.
type Balance struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

// Balances reads the balance of address in every asset concurrently.
func Balances(ctx context.Context, q BalanceQuerier, address string, assets ...models.Asset) ([]Balance, error) {
	out := make([]Balance, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			base, err := q.GetBalance(gctx, address, asset.Info)
			if err != nil {
				return fmt.Errorf("%s balance: %w", asset.Symbol, err)
			}
			out[i] = Balance{Symbol: asset.Symbol, Amount: amount.FromBaseUnits(base, asset.Decimals)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
