package models

import (
	"errors"
	"fmt"
)

// NativeDecimals is the precision of every native chain denom (uusd, uluna, ...).
const NativeDecimals int32 = 6

// AssetInfo identifies one side of a trading pair. It is a closed sum type:
// the only implementations are NativeToken and Token.
type AssetInfo interface {
	// Key returns the denom or contract address, unique within a chain.
	Key() string
	isAssetInfo()
}

// NativeToken is a bank module denom such as "uusd".
type NativeToken struct {
	Denom string
}

// Token is a CW20 contract token.
type Token struct {
	ContractAddr string
}

func (n NativeToken) Key() string { return n.Denom }
func (NativeToken) isAssetInfo()  {}

func (t Token) Key() string { return t.ContractAddr }
func (Token) isAssetInfo()  {}

var (
	_ AssetInfo = NativeToken{}
	_ AssetInfo = Token{}
)

// ErrUnknownAssetInfo is returned when a wire asset info carries neither variant.
var ErrUnknownAssetInfo = errors.New("asset info must be either native_token or token")

// AssetInfoJSON is the CosmWasm wire form of AssetInfo:
//
//	{"native_token":{"denom":"uusd"}}
//	{"token":{"contract_addr":"terra1..."}}
type AssetInfoJSON struct {
	NativeToken *nativeTokenJSON `json:"native_token,omitempty"`
	Token       *tokenJSON       `json:"token,omitempty"`
}

type nativeTokenJSON struct {
	Denom string `json:"denom"`
}

type tokenJSON struct {
	ContractAddr string `json:"contract_addr"`
}

// ToAssetInfoJSON converts an AssetInfo into its wire form.
func ToAssetInfoJSON(info AssetInfo) AssetInfoJSON {
	switch v := info.(type) {
	case NativeToken:
		return AssetInfoJSON{NativeToken: &nativeTokenJSON{Denom: v.Denom}}
	case Token:
		return AssetInfoJSON{Token: &tokenJSON{ContractAddr: v.ContractAddr}}
	default:
		panic(fmt.Sprintf("unhandled asset info variant %T", info))
	}
}

// AssetInfo converts the wire form back into the sum type.
func (a AssetInfoJSON) AssetInfo() (AssetInfo, error) {
	switch {
	case a.NativeToken != nil && a.Token != nil:
		return nil, fmt.Errorf("%w: both variants set", ErrUnknownAssetInfo)
	case a.NativeToken != nil:
		return NativeToken{Denom: a.NativeToken.Denom}, nil
	case a.Token != nil:
		return Token{ContractAddr: a.Token.ContractAddr}, nil
	default:
		return nil, ErrUnknownAssetInfo
	}
}

// IsNative reports whether the asset is a bank denom.
func IsNative(info AssetInfo) bool {
	_, ok := info.(NativeToken)
	return ok
}

// SameAsset compares two asset infos by variant and key.
func SameAsset(a, b AssetInfo) bool {
	if a == nil || b == nil {
		return false
	}
	return IsNative(a) == IsNative(b) && a.Key() == b.Key()
}

// Asset is an AssetInfo together with what is needed to display it.
type Asset struct {
	Info     AssetInfo
	Symbol   string
	Decimals int32
}

// NewNativeAsset builds the Asset for a native denom. Native precision is fixed.
func NewNativeAsset(denom, symbol string) Asset {
	return Asset{
		Info:     NativeToken{Denom: denom},
		Symbol:   symbol,
		Decimals: NativeDecimals,
	}
}

// NewTokenAsset builds the Asset for a CW20 token from its token_info.
func NewTokenAsset(contractAddr string, info TokenInfo) Asset {
	return Asset{
		Info:     Token{ContractAddr: contractAddr},
		Symbol:   info.Symbol,
		Decimals: info.Decimals,
	}
}

// TokenInfo mirrors the CW20 token_info query response.
type TokenInfo struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    int32  `json:"decimals"`
	TotalSupply string `json:"total_supply"`
}
