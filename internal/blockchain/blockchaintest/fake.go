/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package blockchaintest provides an in-memory node for state machine tests.
package blockchaintest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/blockchain"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

var _ blockchain.Client = (*FakeNode)(nil)

type fakeTx struct {
	tx      *wire.MsgTx
	inputs  []blockchain.TxOutput
	outputs []blockchain.TxOutput
	spends  []blockchain.Input
}

// FakeNode is a wallet node that keeps transactions and UTXOs in memory
type FakeNode struct {
	mu      sync.Mutex
	network string
	params  *chaincfg.Params

	seq      int
	nonce    uint32
	imported map[string]bool
	txs      map[string]*fakeTx
	order    []string
	spent    map[string]bool
	confs    map[string]int64
	errs     map[string]error
	invalid  map[string]bool
	sent     []string

	// FeePerKb drives GetTxFee
	FeePerKb decimal.Decimal

	// FailNewAddress makes the next n NewAddress calls fail
	FailNewAddress int

	// SendErr is returned by SendRawTransaction when set
	SendErr error
}

func NewFakeNode(network string) *FakeNode {
	params, err := blockchain.ParamsForNetwork(network)
	if err != nil {
		panic(err)
	}
	return &FakeNode{
		network:  network,
		params:   params,
		imported: make(map[string]bool),
		txs:      make(map[string]*fakeTx),
		spent:    make(map[string]bool),
		confs:    make(map[string]int64),
		errs:     make(map[string]error),
		invalid:  make(map[string]bool),
		FeePerKb: amounts.MinFeePerKb,
	}
}

func (f *FakeNode) Network() string          { return f.network }
func (f *FakeNode) Params() *chaincfg.Params { return f.params }

func (f *FakeNode) NewAddress() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNewAddress > 0 {
		f.FailNewAddress--
		return "", errors.New("node unavailable")
	}
	f.seq++
	return f.address(fmt.Sprintf("wallet-%d", f.seq)), nil
}

// ExternalAddress returns a valid address the wallet does not own
func (f *FakeNode) ExternalAddress(seed string) string {
	return f.address("external-" + seed)
}

func (f *FakeNode) address(seed string) string {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160([]byte(seed)), f.params)
	if err != nil {
		panic(err)
	}
	return addr.EncodeAddress()
}

func (f *FakeNode) ImportAddress(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported[addr] = true
	return nil
}

// Imported reports whether addr was imported as watch-only
func (f *FakeNode) Imported(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imported[addr]
}

func (f *FakeNode) ValidateAddress(addr string) error {
	decoded, err := btcutil.DecodeAddress(addr, f.params)
	if err != nil || !decoded.IsForNet(f.params) {
		return fmt.Errorf("invalid address %s", addr)
	}
	return nil
}

// Pay records a transaction from an external address paying outputs and
// returns its id.
func (f *FakeNode) Pay(from string, outputs map[string]decimal.Decimal) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nonce++
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = f.nonce
	prev := chainhash.DoubleHashH([]byte(fmt.Sprintf("prev-%d", f.nonce)))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))

	total := decimal.Zero
	var outs []blockchain.TxOutput
	for _, addr := range sortedKeys(outputs) {
		tx.AddTxOut(wire.NewTxOut(amounts.ToSatoshi(outputs[addr]), f.script(addr)))
		outs = append(outs, blockchain.TxOutput{Address: addr, Amount: outputs[addr]})
		total = total.Add(outputs[addr])
	}

	id := tx.TxHash().String()
	f.txs[id] = &fakeTx{
		tx:      tx,
		inputs:  []blockchain.TxOutput{{Address: from, Amount: total}},
		outputs: outs,
	}
	f.order = append(f.order, id)
	return id
}

// Fund pays amount to addr with the given confirmations
func (f *FakeNode) Fund(addr string, amount decimal.Decimal, confirmations int64) string {
	id := f.Pay(f.ExternalAddress("funding"), map[string]decimal.Decimal{addr: amount})
	f.Confirm(id, confirmations)
	return id
}

// Confirm sets the confirmation count of txId
func (f *FakeNode) Confirm(txId string, confirmations int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs[txId] = confirmations
}

// SetConfirmError makes IsTxConfirmed return err for txId
func (f *FakeNode) SetConfirmError(txId string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, txId)
		return
	}
	f.errs[txId] = err
}

// SetInvalid marks txId as failing the signing probe
func (f *FakeNode) SetInvalid(txId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid[txId] = true
}

// Sent lists the ids of broadcast transactions in order
func (f *FakeNode) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Outputs returns the outputs of a known transaction
func (f *FakeNode) Outputs(txId string) []blockchain.TxOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.txs[txId]; ok {
		return append([]blockchain.TxOutput(nil), t.outputs...)
	}
	return nil
}

func (f *FakeNode) ListUnspent(addr string, minConf int) ([]blockchain.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []blockchain.Output
	for _, id := range f.order {
		t := f.txs[id]
		for i, out := range t.outputs {
			if out.Address != addr || f.spent[outpoint(id, uint32(i))] {
				continue
			}
			if f.confs[id] < int64(minConf) {
				continue
			}
			result = append(result, blockchain.Output{
				TxId:          id,
				Vout:          uint32(i),
				Address:       addr,
				Amount:        out.Amount,
				Confirmations: f.confs[id],
			})
		}
	}
	return result, nil
}

func (f *FakeNode) GetAddressBalance(addr string, minConf int) (decimal.Decimal, error) {
	outputs, err := f.ListUnspent(addr, minConf)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range outputs {
		total = total.Add(o.Amount)
	}
	return total, nil
}

func (f *FakeNode) GetUnspentTransactions(addr string) ([]*wire.MsgTx, error) {
	outputs, err := f.ListUnspent(addr, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var txs []*wire.MsgTx
	for _, o := range outputs {
		if seen[o.TxId] {
			continue
		}
		seen[o.TxId] = true
		tx, err := f.GetRawTransaction(o.TxId)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (f *FakeNode) GetRawTransaction(txId string) (*wire.MsgTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[txId]
	if !ok {
		return nil, notFound(txId)
	}
	return t.tx, nil
}

func (f *FakeNode) GetTxInputs(tx *wire.MsgTx) ([]blockchain.TxOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[tx.TxHash().String()]
	if !ok {
		return nil, notFound(tx.TxHash().String())
	}
	return append([]blockchain.TxOutput(nil), t.inputs...), nil
}

func (f *FakeNode) GetTxOutputs(tx *wire.MsgTx) []blockchain.TxOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.txs[tx.TxHash().String()]; ok {
		return append([]blockchain.TxOutput(nil), t.outputs...)
	}
	return f.decodeOutputs(tx)
}

func (f *FakeNode) decodeOutputs(tx *wire.MsgTx) []blockchain.TxOutput {
	outputs := make([]blockchain.TxOutput, 0, len(tx.TxOut))
	for _, out := range tx.TxOut {
		o := blockchain.TxOutput{Amount: amounts.FromSatoshi(out.Value)}
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, f.params)
		if err == nil && len(addrs) > 0 {
			o.Address = addrs[0].EncodeAddress()
		}
		outputs = append(outputs, o)
	}
	return outputs
}

func (f *FakeNode) CreateRawTransaction(inputs []blockchain.Input, outputs map[string]decimal.Decimal) (*wire.MsgTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx := wire.NewMsgTx(wire.TxVersion)
	var spent []blockchain.TxOutput
	for _, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.TxId)
		if err != nil {
			return nil, err
		}
		prev, ok := f.txs[in.TxId]
		if !ok || int(in.Vout) >= len(prev.outputs) {
			return nil, notFound(in.TxId)
		}
		spent = append(spent, prev.outputs[in.Vout])
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))
	}
	for _, addr := range sortedKeys(outputs) {
		if amounts.IsDust(outputs[addr]) {
			continue
		}
		tx.AddTxOut(wire.NewTxOut(amounts.ToSatoshi(outputs[addr]), f.script(addr)))
	}

	f.txs[tx.TxHash().String()] = &fakeTx{
		tx:      tx,
		inputs:  spent,
		outputs: f.decodeOutputs(tx),
		spends:  inputs,
	}
	return tx, nil
}

func (f *FakeNode) SignRawTransaction(tx *wire.MsgTx) (*wire.MsgTx, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return tx, !f.invalid[tx.TxHash().String()], nil
}

// SendRawTransaction marks the spent outputs and makes the new outputs
// visible as unconfirmed.
func (f *FakeNode) SendRawTransaction(tx *wire.MsgTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}

	id := tx.TxHash().String()
	t, ok := f.txs[id]
	if !ok {
		t = &fakeTx{tx: tx, outputs: f.decodeOutputs(tx)}
		f.txs[id] = t
	}
	for _, in := range t.spends {
		f.spent[outpoint(in.TxId, in.Vout)] = true
	}
	if !contains(f.order, id) {
		f.order = append(f.order, id)
	}
	f.sent = append(f.sent, id)
	return id, nil
}

func (f *FakeNode) IsTxValid(tx *wire.MsgTx) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.invalid[tx.TxHash().String()], nil
}

func (f *FakeNode) IsTxConfirmed(txId string, minConf int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[txId]; ok {
		return false, err
	}
	if _, ok := f.txs[txId]; !ok {
		return false, notFound(txId)
	}
	return f.confs[txId] >= minConf, nil
}

func (f *FakeNode) GetTxFee(inputs, outputs int, _ int64) decimal.Decimal {
	return amounts.TxFee(inputs, outputs, f.FeePerKb)
}

func (f *FakeNode) script(addr string) []byte {
	decoded, err := btcutil.DecodeAddress(addr, f.params)
	if err != nil {
		panic(err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		panic(err)
	}
	return script
}

func notFound(txId string) error {
	return &btcjson.RPCError{
		Code:    btcjson.ErrRPCInvalidAddressOrKey,
		Message: "No such mempool or blockchain transaction " + txId,
	}
}

func outpoint(txId string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txId, vout)
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
