package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spill/internal/backend"
	"github.com/klingon-exchange/spill/internal/config"
	"github.com/klingon-exchange/spill/internal/storage"
	"github.com/klingon-exchange/spill/internal/wallet"
	"github.com/klingon-exchange/spill/pkg/helpers"
	"github.com/klingon-exchange/spill/pkg/logging"
)

const (
	payerMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	payeeMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"
	testPassword  = "Channel-Pass-42"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Network = "regtest"
	cfg.DataDir = t.TempDir()
	cfg.Wallets.Payer.Mnemonic = payerMnemonic
	cfg.Wallets.Payee.Mnemonic = payeeMnemonic

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func testKeys(t *testing.T, cfg *config.Config) (*wallet.KeyPair, *wallet.KeyPair) {
	t.Helper()

	params, err := cfg.ChainParams()
	if err != nil {
		t.Fatalf("ChainParams() error = %v", err)
	}
	payer, err := loadKey(cfg, "payer", cfg.Wallets.Payer, params, logging.Nop())
	if err != nil {
		t.Fatalf("loadKey(payer) error = %v", err)
	}
	payee, err := loadKey(cfg, "payee", cfg.Wallets.Payee, params, logging.Nop())
	if err != nil {
		t.Fatalf("loadKey(payee) error = %v", err)
	}
	return payer, payee
}

func execute(t *testing.T, tx *wire.MsgTx, prevOut *wire.TxOut) {
	t.Helper()

	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	vm, err := txscript.NewEngine(prevOut.PkScript, tx, 0, txscript.StandardVerifyFlags,
		nil, txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("script execution failed: %v", err)
	}
}

func offlineCoin(t *testing.T, cfg *config.Config, payer *wallet.KeyPair) fundingCoin {
	t.Helper()

	coin, err := resolveCoin(context.Background(), cfg, nil, payer)
	if err != nil {
		t.Fatalf("resolveCoin() error = %v", err)
	}
	if !coin.Synthetic {
		t.Fatal("coin without an outpoint should be synthetic")
	}
	return coin
}

func TestRunSession(t *testing.T) {
	cfg := testConfig(t)
	payer, payee := testKeys(t, cfg)

	s, err := runSession(cfg, offlineCoin(t, cfg, payer), payer, payee, nil, logging.Nop())
	if err != nil {
		t.Fatalf("runSession() error = %v", err)
	}

	// The funding transaction spends the payer's coin.
	execute(t, s.Funding, s.Coin.Output)

	fundingOut := s.Funding.TxOut[0]
	if fundingOut.Value != 100_000_000 {
		t.Errorf("funding output = %d, want 100000000", fundingOut.Value)
	}

	// Both settlements spend the funding output.
	for _, tx := range []*wire.MsgTx{s.Payment, s.Refund} {
		if tx.TxIn[0].PreviousOutPoint.Hash != s.Funding.TxHash() {
			t.Fatal("settlement does not spend the funding transaction")
		}
		execute(t, tx, fundingOut)
	}

	if s.Payment.TxOut[0].Value != 5000 {
		t.Errorf("payee receives %d, want 5000", s.Payment.TxOut[0].Value)
	}
	if s.Payment.TxOut[1].Value != 100_000_000-6000 {
		t.Errorf("payer change = %d, want %d", s.Payment.TxOut[1].Value, 100_000_000-6000)
	}
	if s.Refund.TxOut[0].Value != 100_000_000-1000 {
		t.Errorf("refund = %d, want %d", s.Refund.TxOut[0].Value, 100_000_000-1000)
	}
	if s.Refund.TxIn[0].Sequence != 6 {
		t.Errorf("refund sequence = %d, want 6", s.Refund.TxIn[0].Sequence)
	}

	if s.Channel.Sent() != 5000 {
		t.Errorf("Sent() = %v, want 5000", s.Channel.Sent())
	}
	if s.LastPayment == "" {
		t.Error("last payment not recorded")
	}

	var out bytes.Buffer
	if err := printSession(&out, s); err != nil {
		t.Fatalf("printSession() error = %v", err)
	}
	for _, want := range []string{"funding ", "payment ", "refund ", "paid 0.00005 BTC"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunSessionRefundAddress(t *testing.T) {
	cfg := testConfig(t)
	payer, payee := testKeys(t, cfg)

	addr, err := payee.Address()
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	cfg.Refund.Address = addr

	s, err := runSession(cfg, offlineCoin(t, cfg, payer), payer, payee, nil, logging.Nop())
	if err != nil {
		t.Fatalf("runSession() error = %v", err)
	}

	params, _ := cfg.ChainParams()
	want, err := params.AddressScript(cfg.Refund.Address)
	if err != nil {
		t.Fatalf("AddressScript() error = %v", err)
	}
	if !bytes.Equal(s.Refund.TxOut[0].PkScript, want) {
		t.Error("refund does not pay the configured address")
	}
}

func TestRunSessionRejectsOverspend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channel.Payments = append(cfg.Channel.Payments, config.PaymentConfig{Amount: "1", Fee: "0.00001"})
	payer, payee := testKeys(t, cfg)

	if _, err := runSession(cfg, offlineCoin(t, cfg, payer), payer, payee, nil, logging.Nop()); err == nil {
		t.Error("runSession() accepted a schedule exceeding the capacity")
	}
}

func TestLoadKeyFromSeedFile(t *testing.T) {
	cfg := testConfig(t)

	sf, err := wallet.EncryptMnemonic(payerMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if err := wallet.SaveSeedFile(sf, filepath.Join(cfg.DataDir, "payer.seed")); err != nil {
		t.Fatalf("SaveSeedFile() error = %v", err)
	}

	wc := config.WalletConfig{SeedFile: "payer.seed"}
	params, _ := cfg.ChainParams()

	t.Setenv(passwordEnv, testPassword)
	key, err := loadKey(cfg, "payer", wc, params, logging.Nop())
	if err != nil {
		t.Fatalf("loadKey() error = %v", err)
	}

	want, err := loadKey(cfg, "payer", cfg.Wallets.Payer, params, logging.Nop())
	if err != nil {
		t.Fatalf("loadKey(mnemonic) error = %v", err)
	}
	if !bytes.Equal(key.SerializedPubKey(), want.SerializedPubKey()) {
		t.Error("seed file and mnemonic derive different keys")
	}

	t.Setenv(passwordEnv, "Wrong-Pass-42")
	if _, err := loadKey(cfg, "payer", wc, params, logging.Nop()); err == nil {
		t.Error("loadKey() accepted the wrong password")
	}
}

func TestLoadKeyGeneratesMnemonic(t *testing.T) {
	cfg := testConfig(t)
	params, _ := cfg.ChainParams()

	a, err := loadKey(cfg, "payer", config.WalletConfig{}, params, logging.Nop())
	if err != nil {
		t.Fatalf("loadKey() error = %v", err)
	}
	b, err := loadKey(cfg, "payer", config.WalletConfig{}, params, logging.Nop())
	if err != nil {
		t.Fatalf("loadKey() error = %v", err)
	}
	if bytes.Equal(a.SerializedPubKey(), b.SerializedPubKey()) {
		t.Error("generated wallets share a key")
	}
}

func TestGenerateSeed(t *testing.T) {
	var out bytes.Buffer
	if err := generateSeed(&out, ""); err != nil {
		t.Fatalf("generateSeed() error = %v", err)
	}
	if !wallet.ValidateMnemonic(strings.TrimSpace(out.String())) {
		t.Errorf("generateSeed() printed %q", out.String())
	}

	path := filepath.Join(t.TempDir(), "seed.json")
	t.Setenv(passwordEnv, testPassword)
	out.Reset()
	if err := generateSeed(&out, path); err != nil {
		t.Fatalf("generateSeed(path) error = %v", err)
	}
	mnemonic, err := wallet.LoadMnemonic(path, testPassword)
	if err != nil {
		t.Fatalf("LoadMnemonic() error = %v", err)
	}
	if !wallet.ValidateMnemonic(mnemonic) {
		t.Error("seed file holds an invalid mnemonic")
	}
}

// chainServer is a mempool.space style API that knows one coin transaction
// and records broadcasts.
type chainServer struct {
	*httptest.Server

	coin *wire.MsgTx

	mu        sync.Mutex
	broadcast []*wire.MsgTx
}

func newChainServer(t *testing.T, coin *wire.MsgTx) *chainServer {
	t.Helper()

	var buf bytes.Buffer
	if err := coin.Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	coinHex := helpers.BytesToHex(buf.Bytes())

	cs := &chainServer{coin: coin}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/blocks/tip/height":
			fmt.Fprint(w, "205")
		case r.URL.Path == "/tx/"+coin.TxHash().String()+"/hex":
			fmt.Fprint(w, coinHex)
		case strings.HasSuffix(r.URL.Path, "/status"):
			fmt.Fprint(w, `{"confirmed":true,"block_height":200,"block_hash":"00aa"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/tx":
			body, _ := io.ReadAll(r.Body)
			raw, err := helpers.HexToBytes(string(body))
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			tx := wire.NewMsgTx(wire.TxVersion)
			if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			cs.mu.Lock()
			cs.broadcast = append(cs.broadcast, tx)
			cs.mu.Unlock()
			fmt.Fprint(w, tx.TxHash().String())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

// coinTx pays value to pkScript at output 1.
func coinTx(value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.DoubleHashH([]byte("faucet"))},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(10_000, pkScript))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

func TestResolveCoinFromBackend(t *testing.T) {
	cfg := testConfig(t)
	payer, payee := testKeys(t, cfg)

	coin := coinTx(150_000_000, payer.PkScript())
	srv := newChainServer(t, coin)
	b := backend.NewMempoolBackend(srv.URL)

	cfg.Funding.Outpoint = coin.TxHash().String() + ":1"
	got, err := resolveCoin(context.Background(), cfg, b, payer)
	if err != nil {
		t.Fatalf("resolveCoin() error = %v", err)
	}
	if got.Synthetic {
		t.Error("fetched coin marked synthetic")
	}
	if got.Output.Value != 150_000_000 || got.Outpoint.Index != 1 {
		t.Errorf("resolveCoin() = %v %d, want output 1 of 1.5 BTC", got.Outpoint, got.Output.Value)
	}

	// A coin belonging to someone else cannot fund the channel.
	foreign := coinTx(150_000_000, payee.PkScript())
	srv = newChainServer(t, foreign)
	cfg.Funding.Outpoint = foreign.TxHash().String() + ":1"
	if _, err := resolveCoin(context.Background(), cfg, backend.NewMempoolBackend(srv.URL), payer); !errors.Is(err, errCoinNotPayer) {
		t.Errorf("resolveCoin(foreign) error = %v, want %v", err, errCoinNotPayer)
	}

	cfg.Funding.Outpoint = chainhash.DoubleHashH([]byte("missing")).String() + ":0"
	if _, err := resolveCoin(context.Background(), cfg, b, payer); !errors.Is(err, backend.ErrTxNotFound) {
		t.Errorf("resolveCoin(missing) error = %v, want %v", err, backend.ErrTxNotFound)
	}
}

func TestPublish(t *testing.T) {
	cfg := testConfig(t)
	payer, payee := testKeys(t, cfg)

	coin := coinTx(150_000_000, payer.PkScript())
	srv := newChainServer(t, coin)
	b := backend.NewMempoolBackend(srv.URL)

	cfg.Funding.Outpoint = coin.TxHash().String() + ":1"
	fc, err := resolveCoin(context.Background(), cfg, b, payer)
	if err != nil {
		t.Fatalf("resolveCoin() error = %v", err)
	}

	store := openStore(t, cfg)
	s, err := runSession(cfg, fc, payer, payee, store, logging.Nop())
	if err != nil {
		t.Fatalf("runSession() error = %v", err)
	}
	execute(t, s.Funding, coin.TxOut[1])

	// Funding change returns to the payer.
	if len(s.Funding.TxOut) != 2 || s.Funding.TxOut[1].Value != 50_000_000-1000 {
		t.Errorf("funding outputs = %v, want change of %d", s.Funding.TxOut, 50_000_000-1000)
	}

	if err := publish(context.Background(), b, s, logging.Nop()); err != nil {
		t.Fatalf("publish() error = %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.broadcast) != 2 {
		t.Fatalf("broadcast %d transactions, want 2", len(srv.broadcast))
	}
	if srv.broadcast[0].TxHash() != s.Funding.TxHash() || srv.broadcast[1].TxHash() != s.Payment.TxHash() {
		t.Error("funding and payment not broadcast in order")
	}

	sess, err := store.GetSession(s.Channel.SessionID())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.State != storage.SessionStateBroadcast {
		t.Errorf("journal state = %s, want broadcast", sess.State)
	}
	txs, _ := store.GetTransactions(sess.ID)
	for _, tx := range txs {
		broadcast := tx.BroadcastAt != nil
		if want := tx.Kind != storage.TxKindRefund; broadcast != want {
			t.Errorf("%s broadcast = %v, want %v", tx.Kind, broadcast, want)
		}
	}
}

func openStore(t *testing.T, cfg *config.Config) *storage.Storage {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunSessionJournal(t *testing.T) {
	cfg := testConfig(t)
	payer, payee := testKeys(t, cfg)
	store := openStore(t, cfg)

	s, err := runSession(cfg, offlineCoin(t, cfg, payer), payer, payee, store, logging.Nop())
	if err != nil {
		t.Fatalf("runSession() error = %v", err)
	}

	sess, err := store.GetSession(s.Channel.SessionID())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.State != storage.SessionStateSettled || sess.Sent != 5000 {
		t.Errorf("session = %s sent %d, want settled 5000", sess.State, sess.Sent)
	}
	if sess.FundingTxID != s.Funding.TxHash().String() || sess.FundingVout != 0 {
		t.Errorf("funding = %s:%d", sess.FundingTxID, sess.FundingVout)
	}
	if sess.RefundSequence != 6 || sess.Network != "regtest" {
		t.Errorf("terms = sequence %d on %s", sess.RefundSequence, sess.Network)
	}

	payments, err := store.GetPayments(sess.ID)
	if err != nil {
		t.Fatalf("GetPayments() error = %v", err)
	}
	if len(payments) != 2 || payments[0].Total != 1000 || payments[1].Total != 5000 {
		t.Fatalf("payments = %v", payments)
	}
	if payments[1].PSBT != s.LastPayment {
		t.Error("journaled PSBT differs from the last payment sent")
	}

	txs, err := store.GetTransactions(sess.ID)
	if err != nil {
		t.Fatalf("GetTransactions() error = %v", err)
	}
	want := map[storage.TxKind]string{
		storage.TxKindFunding: s.Funding.TxHash().String(),
		storage.TxKindPayment: s.Payment.TxHash().String(),
		storage.TxKindRefund:  s.Refund.TxHash().String(),
	}
	if len(txs) != len(want) {
		t.Fatalf("journaled %d transactions, want %d", len(txs), len(want))
	}
	for _, tx := range txs {
		if tx.TxID != want[tx.Kind] {
			t.Errorf("%s txid = %s, want %s", tx.Kind, tx.TxID, want[tx.Kind])
		}
	}

	var out bytes.Buffer
	if err := printHistory(&out, store, 5); err != nil {
		t.Fatalf("printHistory() error = %v", err)
	}
	for _, want := range []string{sess.ID, "settled", "paid 0.00005 of 1 BTC", "refund", "unbroadcast"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("history missing %q:\n%s", want, out.String())
		}
	}
}

func TestPublishRejectsSyntheticCoin(t *testing.T) {
	cfg := testConfig(t)
	payer, payee := testKeys(t, cfg)

	s, err := runSession(cfg, offlineCoin(t, cfg, payer), payer, payee, nil, logging.Nop())
	if err != nil {
		t.Fatalf("runSession() error = %v", err)
	}
	if err := publish(context.Background(), backend.NewMempoolBackend("http://127.0.0.1:1"), s, logging.Nop()); err == nil {
		t.Error("publish() broadcast a synthetic coin")
	}
}
