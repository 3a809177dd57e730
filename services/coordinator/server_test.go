package coordinator

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	bdcacrypto "bitmordca/crypto"
	"bitmordca/native/dca"
	"bitmordca/storage"
)

func mustAmount(t *testing.T, s string) *big.Int {
	t.Helper()
	amount, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return amount
}

func bigRat(v int64) *big.Rat { return big.NewRat(v, 1) }

func newTestServer(t *testing.T, quoter *Quoter) (*Server, *Signer) {
	t.Helper()
	signer := newTestSigner(t)
	params := dca.DefaultParams(testChainID)
	params.TrustedSigner = signer.Address()
	return NewServer(signer, quoter, nil, params, nil), signer
}

func bech32Caller(fill byte) string {
	caller := testCaller(fill)
	return bdcacrypto.NewAddress(bdcacrypto.BDCAPrefix, caller[:]).String()
}

func postJSON(t *testing.T, router http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeAuthorization(t *testing.T, rec *httptest.ResponseRecorder) (dca.Authorization, authorizationResponse) {
	t.Helper()
	var resp authorizationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	rawNonce, err := hex.DecodeString(resp.Nonce)
	require.NoError(t, err)
	require.Len(t, rawNonce, 32)
	sig, err := hex.DecodeString(resp.Signature)
	require.NoError(t, err)
	var auth dca.Authorization
	copy(auth.Nonce[:], rawNonce)
	auth.Signature = sig
	return auth, resp
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Routes()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePlanEndpoint(t *testing.T) {
	server, signer := newTestServer(t, nil)
	router := server.Routes()

	rec := postJSON(t, router, "/v1/authorize/create-plan", map[string]any{
		"caller":              bech32Caller(0x11),
		"targetBTC":           "100000000",
		"periodicAmount":      "100000000",
		"timePeriodDays":      365,
		"withdrawalDelayDays": 30,
		"cadence":             "daily",
		"bitmorEnabled":       true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	auth, resp := decodeAuthorization(t, rec)
	require.Equal(t, uint64(testChainID), resp.ChainID)

	digest := dca.CreatePlanDigest(testChainID, testCaller(0x11), dca.CreatePlanParams{
		TargetBTC:           mustAmount(t, "100000000"),
		PeriodicAmount:      mustAmount(t, "100000000"),
		TimePeriodDays:      365,
		WithdrawalDelayDays: 30,
		Cadence:             dca.CadenceDaily,
		BitmorEnabled:       true,
	}, auth.Nonce)
	recovered, err := dca.RecoverSigner(digest, auth.Signature)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
}

func TestCreatePlanEndpointRejectsBadInput(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Routes()

	rec := postJSON(t, router, "/v1/authorize/create-plan", map[string]any{
		"caller":         bech32Caller(0x11),
		"targetBTC":      "100000000",
		"periodicAmount": "100000000",
		"cadence":        "hourly",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/v1/authorize/create-plan", map[string]any{
		"caller":         "not-an-address",
		"targetBTC":      "100000000",
		"periodicAmount": "100000000",
		"cadence":        "daily",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentEndpointWithExplicitCredit(t *testing.T) {
	server, signer := newTestServer(t, nil)
	router := server.Routes()

	rec := postJSON(t, router, "/v1/authorize/payment", map[string]any{
		"caller":    bech32Caller(0x11),
		"principal": "100000000",
		"credited":  "5000000",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	auth, resp := decodeAuthorization(t, rec)
	require.Equal(t, "5000000", resp.Extra["credited"])

	digest := dca.RecordPaymentDigest(testChainID, testCaller(0x11),
		mustAmount(t, "100000000"), mustAmount(t, "5000000"), false, auth.Nonce)
	recovered, err := dca.RecoverSigner(digest, auth.Signature)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
}

func TestPaymentEndpointQuotesCredit(t *testing.T) {
	quoter := NewQuoter(&fakeOracle{price: bigRat(50_000)})
	server, _ := newTestServer(t, quoter)
	router := server.Routes()

	rec := postJSON(t, router, "/v1/authorize/payment", map[string]any{
		"caller":    bech32Caller(0x11),
		"principal": "100000000",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	_, resp := decodeAuthorization(t, rec)
	require.Equal(t, "200000", resp.Extra["credited"])
}

func TestPaymentEndpointWithoutQuoter(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Routes()

	rec := postJSON(t, router, "/v1/authorize/payment", map[string]any{
		"caller":    bech32Caller(0x11),
		"principal": "100000000",
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestEarlyWithdrawEndpointQuotesPenalty(t *testing.T) {
	server, signer := newTestServer(t, nil)
	router := server.Routes()

	total := int64(365 * 24 * 60 * 60)
	rec := postJSON(t, router, "/v1/authorize/early-withdraw", map[string]any{
		"caller":           bech32Caller(0x11),
		"gross":            "5000000",
		"remainingSeconds": total,
		"totalSeconds":     total,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	auth, resp := decodeAuthorization(t, rec)
	require.Equal(t, "2500000", resp.Extra["penalty"])
	require.Equal(t, "5000", resp.Extra["penaltyBps"])

	digest := dca.EarlyWithdrawDigest(testChainID, testCaller(0x11),
		mustAmount(t, "5000000"), mustAmount(t, "2500000"), 365, auth.Nonce)
	recovered, err := dca.RecoverSigner(digest, auth.Signature)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
}

func TestLedgerReadEndpoints(t *testing.T) {
	signer := newTestSigner(t)
	params := dca.DefaultParams(testChainID)
	params.TrustedSigner = signer.Address()

	store := storage.NewStore(storage.NewMemDB())
	engine := dca.NewEngine(testCaller(0xaa), testCaller(0xbb), params)
	engine.SetState(store)

	account := testCaller(0x11)
	require.NoError(t, store.PlanPut(account, &dca.UserPlan{
		TotalPaid:      mustAmount(t, "300000000"),
		BTCAccumulated: mustAmount(t, "600000"),
		TargetBTC:      mustAmount(t, "100000000"),
		PeriodicAmount: mustAmount(t, "100000000"),
		TimePeriodDays: 365,
		Cadence:        dca.CadenceDaily,
		Status:         dca.PlanActive,
		Streak:         3,
	}))

	server := NewServer(signer, nil, engine, params, nil)
	router := server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/ledger/plan/"+bech32Caller(0x11), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var plan planResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	require.Equal(t, "300000000", plan.TotalPaid)
	require.Equal(t, "600000", plan.BTCAccumulated)
	require.Equal(t, "active", plan.Status)
	require.Equal(t, "daily", plan.Cadence)
	require.Equal(t, uint64(3), plan.Streak)

	req = httptest.NewRequest(http.MethodGet, "/v1/ledger/plan/"+bech32Caller(0x99), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/ledger/pools", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var pools poolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
	require.Equal(t, "0", pools.RewardsPool)
	require.Equal(t, "0", pools.TotalValueLocked)
}

func TestLedgerRoutesAbsentWithoutLedger(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/ledger/pools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDistributeEndpointRejectsMismatch(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Routes()

	rec := postJSON(t, router, "/v1/authorize/distribute", map[string]any{
		"caller":   bech32Caller(0x11),
		"accounts": []string{bech32Caller(0x01), bech32Caller(0x02)},
		"amounts":  []string{"5"},
		"boosts":   []string{"0", "0"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
