package terraquery_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	terraquery "github.com/Cogwheel-Validator/spectra-lbp-portal/portal/terra_query"
	"github.com/zeebo/assert"
)

func testConfig() terraquery.FailoverConfig {
	return terraquery.FailoverConfig{
		MaxRetries:          1,
		RetryDelay:          time.Millisecond,
		HealthCheckInterval: time.Hour,
		Timeout:             2 * time.Second,
	}
}

// fakeLCD decodes smart queries and hands them to handle as (contract, query) pairs.
func fakeLCD(t *testing.T, handle func(contract string, query map[string]json.RawMessage) (int, any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cosmos/base/tendermint/v1beta1/node_info" {
			w.WriteHeader(http.StatusOK)
			return
		}

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/cosmwasm/wasm/v1/contract/"), "/smart/")
		if len(parts) != 2 {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw, err := base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			t.Errorf("bad query encoding: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var query map[string]json.RawMessage
		if err := json.Unmarshal(raw, &query); err != nil {
			t.Errorf("bad query json: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		status, body := handle(parts[0], query)
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": body})
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func newClient(t *testing.T, url string, backups ...string) *terraquery.Client {
	t.Helper()
	client, err := terraquery.NewClientWithFailover(url, backups, testConfig())
	assert.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestSimulate(t *testing.T) {
	srv := fakeLCD(t, func(contract string, query map[string]json.RawMessage) (int, any) {
		assert.Equal(t, contract, "terra1")
		assert.Equal(t, string(query["simulation"]),
			`{"offer_asset":{"info":{"native_token":{"denom":"uusd"}},"amount":"42000000"}}`)
		return http.StatusOK, map[string]string{
			"return_amount":     "210000000",
			"spread_amount":     "10",
			"commission_amount": "3",
		}
	})
	defer srv.Close()

	client := newClient(t, srv.URL)
	res, err := client.Simulate(context.Background(), "terra1", big.NewInt(42000000), models.NativeToken{Denom: "uusd"})
	assert.NoError(t, err)
	assert.Equal(t, res.ReturnAmount.String(), "210000000")
	assert.Equal(t, res.SpreadAmount.String(), "10")
	assert.Equal(t, res.CommissionAmount.String(), "3")
}

func TestReverseSimulate(t *testing.T) {
	srv := fakeLCD(t, func(contract string, query map[string]json.RawMessage) (int, any) {
		assert.Equal(t, string(query["reverse_simulation"]),
			`{"ask_asset":{"info":{"token":{"contract_addr":"terra2"}},"amount":"700000"}}`)
		return http.StatusOK, map[string]string{"offer_amount": "42000000"}
	})
	defer srv.Close()

	client := newClient(t, srv.URL)
	res, err := client.ReverseSimulate(context.Background(), "terra1", big.NewInt(700000), models.Token{ContractAddr: "terra2"})
	assert.NoError(t, err)
	assert.Equal(t, res.OfferAmount.String(), "42000000")
	assert.Equal(t, res.SpreadAmount.Sign(), 0)
}

func TestContractErrorIsRejectedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := fakeLCD(t, func(string, map[string]json.RawMessage) (int, any) {
		calls.Add(1)
		return http.StatusInternalServerError, map[string]any{
			"code":    2,
			"message": "query wasm contract failed: Generic error: pool is not active",
		}
	})
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.Simulate(context.Background(), "terra1", big.NewInt(1), models.NativeToken{Denom: "uusd"})
	assert.True(t, errors.Is(err, terraquery.ErrQueryRejected))
	assert.False(t, errors.Is(err, terraquery.ErrNetworkFailure))
	assert.Equal(t, calls.Load(), int32(1))
}

func TestUnavailableNodeIsNetworkFailure(t *testing.T) {
	var calls atomic.Int32
	srv := fakeLCD(t, func(string, map[string]json.RawMessage) (int, any) {
		calls.Add(1)
		return http.StatusServiceUnavailable, map[string]any{"code": 14, "message": "unavailable"}
	})
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.Simulate(context.Background(), "terra1", big.NewInt(1), models.NativeToken{Denom: "uusd"})
	assert.True(t, errors.Is(err, terraquery.ErrNetworkFailure))
	assert.Equal(t, calls.Load(), int32(2))
}

func TestFailoverToBackup(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	backup := fakeLCD(t, func(string, map[string]json.RawMessage) (int, any) {
		return http.StatusOK, models.TokenInfo{Name: "Foo", Symbol: "FOO", Decimals: 5, TotalSupply: "1000"}
	})
	defer backup.Close()

	client := newClient(t, primary.URL, backup.URL)
	info, err := client.GetTokenInfo(context.Background(), "terra2")
	assert.NoError(t, err)
	assert.Equal(t, info.Symbol, "FOO")
	assert.Equal(t, client.CurrentURL(), backup.URL)
}

func TestCurrentURLDoesNotWaitOnFailoverHealthCheck(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	checking := make(chan struct{}, 1)
	release := make(chan struct{})
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cosmos/base/tendermint/v1beta1/node_info" {
			select {
			case checking <- struct{}{}:
			default:
			}
			<-release
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": models.TokenInfo{Symbol: "FOO", Decimals: 5}})
	}))
	defer backup.Close()

	client := newClient(t, primary.URL, backup.URL)

	done := make(chan error, 1)
	go func() {
		_, err := client.GetTokenInfo(context.Background(), "terra2")
		done <- err
	}()

	select {
	case <-checking:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("failover never checked the backup")
	}

	start := time.Now()
	assert.Equal(t, client.CurrentURL(), primary.URL)
	assert.True(t, time.Since(start) < 100*time.Millisecond)
	close(release)

	assert.NoError(t, <-done)
	assert.Equal(t, client.CurrentURL(), backup.URL)
}

func TestGetTokenInfoIsCached(t *testing.T) {
	var calls atomic.Int32
	srv := fakeLCD(t, func(contract string, query map[string]json.RawMessage) (int, any) {
		calls.Add(1)
		_, ok := query["token_info"]
		assert.True(t, ok)
		return http.StatusOK, models.TokenInfo{Name: "Foo", Symbol: "FOO", Decimals: 5}
	})
	defer srv.Close()

	client := newClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		info, err := client.GetTokenInfo(context.Background(), "terra2")
		assert.NoError(t, err)
		assert.Equal(t, info.Decimals, int32(5))
	}
	assert.Equal(t, calls.Load(), int32(1))
}

func TestGetTokenInfos(t *testing.T) {
	srv := fakeLCD(t, func(contract string, _ map[string]json.RawMessage) (int, any) {
		return http.StatusOK, models.TokenInfo{Name: "Token " + contract, Symbol: strings.ToUpper(contract), Decimals: 6}
	})
	defer srv.Close()

	client := newClient(t, srv.URL)
	infos, err := client.GetTokenInfos(context.Background(), []string{"a", "b", "c"})
	assert.NoError(t, err)
	assert.Equal(t, len(infos), 3)
	assert.Equal(t, infos["b"].Name, "Token b")
}

func TestGetLBPsPaginates(t *testing.T) {
	var pages atomic.Int32
	srv := fakeLCD(t, func(contract string, query map[string]json.RawMessage) (int, any) {
		assert.Equal(t, contract, "factory")

		var params struct {
			StartAfter []json.RawMessage `json:"start_after"`
			Limit      int               `json:"limit"`
		}
		assert.NoError(t, json.Unmarshal(query["pairs"], &params))
		assert.Equal(t, params.Limit, 30)

		count := 30
		offset := 0
		if pages.Add(1) == 2 {
			assert.Equal(t, len(params.StartAfter), 2)
			count = 2
			offset = 30
		} else {
			assert.Equal(t, len(params.StartAfter), 0)
		}

		pairs := make([]map[string]any, 0, count)
		for i := 0; i < count; i++ {
			pairs = append(pairs, map[string]any{
				"contract_addr": fmt.Sprintf("pair%d", offset+i),
				"start_time":    1000,
				"end_time":      2000,
				"asset_infos": []map[string]any{
					{"info": map[string]any{"native_token": map[string]string{"denom": "uusd"}}},
					{"info": map[string]any{"token": map[string]string{"contract_addr": fmt.Sprintf("token%d", offset+i)}}},
				},
			})
		}
		return http.StatusOK, map[string]any{"pairs": pairs}
	})
	defer srv.Close()

	client := newClient(t, srv.URL)
	lbps, err := client.GetLBPs(context.Background(), "factory")
	assert.NoError(t, err)
	assert.Equal(t, len(lbps), 32)
	assert.Equal(t, lbps[31].TokenInfo().ContractAddr, "token31")
	assert.Equal(t, pages.Load(), int32(2))
}

func TestGetNativeUSDRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/terra/oracle/v1beta1/denoms/exchange_rates")
		_, _ = w.Write([]byte(`{"exchange_rates":[{"denom":"uusd","amount":"30.0"},{"denom":"ukrw","amount":"36000"}]}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)

	usd, err := client.GetNativeUSDRate(context.Background(), "uusd")
	assert.NoError(t, err)
	assert.Equal(t, usd.String(), "1")

	luna, err := client.GetNativeUSDRate(context.Background(), "uluna")
	assert.NoError(t, err)
	assert.Equal(t, luna.String(), "30")

	_, err = client.GetNativeUSDRate(context.Background(), "ueur")
	assert.True(t, errors.Is(err, terraquery.ErrQueryRejected))
}

func TestGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/cosmos/bank/v1beta1/balances/terra1wallet/by_denom") {
			assert.Equal(t, r.URL.Query().Get("denom"), "uusd")
			_, _ = w.Write([]byte(`{"balance":{"denom":"uusd","amount":"5000000"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"balance":"123"}}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)

	native, err := client.GetBalance(context.Background(), "terra1wallet", models.NativeToken{Denom: "uusd"})
	assert.NoError(t, err)
	assert.Equal(t, native.String(), "5000000")

	token, err := client.GetBalance(context.Background(), "terra1wallet", models.Token{ContractAddr: "terra2"})
	assert.NoError(t, err)
	assert.Equal(t, token.String(), "123")
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := terraquery.NewClient("not a url")
	assert.Error(t, err)
}
