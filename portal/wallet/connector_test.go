package wallet_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/wallet"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/zeebo/assert"
)

func testAddress(t *testing.T, prefix string) string {
	t.Helper()
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	assert.NoError(t, err)
	addr, err := bech32.Encode(prefix, data)
	assert.NoError(t, err)
	return addr
}

type failingExtension struct{ err error }

func (f failingExtension) RequestAddress(context.Context) (string, error) {
	return "", f.err
}

func TestShortAddress(t *testing.T) {
	assert.Equal(t, wallet.ShortAddress("terra1234567890", "terra"), "terra1...567890")
	assert.Equal(t, wallet.ShortAddress("terra1short", "terra"), "terra1short")
	assert.Equal(t, wallet.ShortAddress("cosmos1234567890", "terra"), "cosmos1234567890")
}

func TestConnect(t *testing.T) {
	addr := testAddress(t, "terra")
	c := wallet.NewConnector(wallet.StaticExtension(addr), "terra")

	id, err := c.Connect(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, id.Address, addr)
	assert.Equal(t, id.Short, "terra1..."+addr[len(addr)-6:])
}

func TestConnectDenied(t *testing.T) {
	c := wallet.NewConnector(wallet.StaticExtension(""), "terra")
	_, err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, wallet.ErrUserDenied))
}

func TestConnectUnavailable(t *testing.T) {
	_, err := wallet.NewConnector(nil, "terra").Connect(context.Background())
	assert.True(t, errors.Is(err, wallet.ErrWalletUnavailable))

	_, err = wallet.NewConnector(failingExtension{err: errors.New("no provider")}, "terra").Connect(context.Background())
	assert.True(t, errors.Is(err, wallet.ErrWalletUnavailable))
}

func TestConnectRejectsWrongPrefix(t *testing.T) {
	c := wallet.NewConnector(wallet.StaticExtension(testAddress(t, "cosmos")), "terra")
	_, err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, wallet.ErrInvalidAddress))
}

func TestValidateAddressRejectsBadChecksum(t *testing.T) {
	assert.True(t, errors.Is(wallet.ValidateAddress("terra1234567890", "terra"), wallet.ErrInvalidAddress))
	assert.NoError(t, wallet.ValidateAddress(testAddress(t, "terra"), "terra"))
}

type fakeBalances map[string]int64

func (f fakeBalances) GetBalance(_ context.Context, _ string, info models.AssetInfo) (*big.Int, error) {
	v, ok := f[info.Key()]
	if !ok {
		return nil, errors.New("no balance")
	}
	return big.NewInt(v), nil
}

func TestBalances(t *testing.T) {
	ust := models.NewNativeAsset("uusd", "UST")
	foo := models.NewTokenAsset("terra1foo", models.TokenInfo{Symbol: "FOO", Decimals: 5})

	got, err := wallet.Balances(context.Background(), fakeBalances{"uusd": 5000000, "terra1foo": 12345}, "terra1me", ust, foo)
	assert.NoError(t, err)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, got[0], wallet.Balance{Symbol: "UST", Amount: "5"})
	assert.Equal(t, got[1], wallet.Balance{Symbol: "FOO", Amount: "0.12345"})

	_, err = wallet.Balances(context.Background(), fakeBalances{"uusd": 1}, "terra1me", ust, foo)
	assert.Error(t, err)
}
