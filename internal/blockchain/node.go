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

package blockchain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxConf = 9999999

// RPCClient is the subset of the bitcoind RPC used by the adapter
type RPCClient interface {
	GetNewAddress(account string) (btcutil.Address, error)
	ImportAddressRescan(address string, account string, rescan bool) error
	ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
	CreateRawTransaction(inputs []btcjson.TransactionInput, amounts map[btcutil.Address]btcutil.Amount, lockTime *int64) (*wire.MsgTx, error)
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	GetTransaction(txHash *chainhash.Hash) (*btcjson.GetTransactionResult, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	GetBlockCount() (int64, error)
	Shutdown()
}

// Output is an unspent output paying a wallet address
type Output struct {
	TxId          string
	Vout          uint32
	Address       string
	Amount        decimal.Decimal
	Confirmations int64
}

// TxOutput is an amount paid to (or spent from) an address
type TxOutput struct {
	Address string
	Amount  decimal.Decimal
}

// Input references a previous output to spend
type Input struct {
	TxId string
	Vout uint32
}

// Node wraps the RPC client of one bitcoind instance. Network parameters
// are carried per node.
type Node struct {
	client        RPCClient
	network       string
	params        *chaincfg.Params
	defaultFeeKb  decimal.Decimal
	expectedConfs int64
}

// ParamsForNetwork returns chain parameters for a network name
func ParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case models.NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case models.NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unsupported network %q", network)
}

// Connect opens an HTTP POST RPC connection to bitcoind
func Connect(cfg models.NodeConfig, defaultFeeKb decimal.Decimal, expectedConfs int64) (*Node, error) {
	params, err := ParamsForNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
		Params:       params.Name,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s node: %w", cfg.Network, err)
	}

	zap.L().Info("Bitcoin node client created",
		zap.String("network", cfg.Network),
		zap.String("host", cfg.Host))
	return NewNode(client, cfg.Network, defaultFeeKb, expectedConfs)
}

// NewNode wraps an existing RPC client
func NewNode(client RPCClient, network string, defaultFeeKb decimal.Decimal, expectedConfs int64) (*Node, error) {
	params, err := ParamsForNetwork(network)
	if err != nil {
		return nil, err
	}
	if expectedConfs <= 0 {
		expectedConfs = 6
	}
	return &Node{
		client:        client,
		network:       network,
		params:        params,
		defaultFeeKb:  defaultFeeKb,
		expectedConfs: expectedConfs,
	}, nil
}

func (n *Node) Network() string { return n.network }
func (n *Node) Params() *chaincfg.Params { return n.params }

func (n *Node) Close() {
	n.client.Shutdown()
}

// NewAddress returns a fresh receiving address owned by the node wallet
func (n *Node) NewAddress() (string, error) {
	addr, err := n.client.GetNewAddress("")
	if err != nil {
		return "", fmt.Errorf("getnewaddress: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ImportAddress registers addr as watch-only without rescanning
func (n *Node) ImportAddress(addr string) error {
	if err := n.client.ImportAddressRescan(addr, "", false); err != nil {
		return fmt.Errorf("importaddress %s: %w", addr, err)
	}
	return nil
}

// ValidateAddress checks that addr is well formed and belongs to this network
func (n *Node) ValidateAddress(addr string) error {
	_, err := n.decodeAddress(addr)
	return err
}

func (n *Node) decodeAddress(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, n.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidCustomerAddress, err)
	}
	if !decoded.IsForNet(n.params) {
		return nil, fmt.Errorf("%w: not a %s address", models.ErrInvalidCustomerAddress, n.network)
	}
	return decoded, nil
}

// ListUnspent returns the outputs paying addr with at least minConf confirmations
func (n *Node) ListUnspent(addr string, minConf int) ([]Output, error) {
	decoded, err := btcutil.DecodeAddress(addr, n.params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	results, err := n.client.ListUnspentMinMaxAddresses(minConf, maxConf, []btcutil.Address{decoded})
	if err != nil {
		return nil, fmt.Errorf("listunspent %s: %w", addr, err)
	}

	outputs := make([]Output, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, Output{
			TxId:          r.TxID,
			Vout:          r.Vout,
			Address:       r.Address,
			Amount:        amounts.FromFloat(r.Amount),
			Confirmations: r.Confirmations,
		})
	}
	return outputs, nil
}

// GetAddressBalance sums the unspent outputs of addr
func (n *Node) GetAddressBalance(addr string, minConf int) (decimal.Decimal, error) {
	outputs, err := n.ListUnspent(addr, minConf)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range outputs {
		total = total.Add(o.Amount)
	}
	return total, nil
}

// GetUnspentTransactions returns the distinct transactions paying addr,
// in the order the node lists their outputs.
func (n *Node) GetUnspentTransactions(addr string) ([]*wire.MsgTx, error) {
	outputs, err := n.ListUnspent(addr, 0)
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
		tx, err := n.GetRawTransaction(o.TxId)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (n *Node) GetRawTransaction(txId string) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(txId)
	if err != nil {
		return nil, fmt.Errorf("invalid tx id %s: %w", txId, err)
	}
	tx, err := n.client.GetRawTransaction(hash)
	if err != nil {
		return nil, fmt.Errorf("getrawtransaction %s: %w", txId, err)
	}
	return tx.MsgTx(), nil
}

// GetTxInputs resolves the address and amount spent by every input of tx
func (n *Node) GetTxInputs(tx *wire.MsgTx) ([]TxOutput, error) {
	inputs := make([]TxOutput, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		prev, err := n.GetRawTransaction(in.PreviousOutPoint.Hash.String())
		if err != nil {
			return nil, err
		}
		index := in.PreviousOutPoint.Index
		if int(index) >= len(prev.TxOut) {
			return nil, fmt.Errorf("%w: input %s references missing output", models.ErrInvalidTransaction, in.PreviousOutPoint)
		}
		inputs = append(inputs, n.describeOutput(prev.TxOut[index]))
	}
	return inputs, nil
}

// GetTxOutputs lists the outputs of tx. Non-standard scripts have an
// empty address.
func (n *Node) GetTxOutputs(tx *wire.MsgTx) []TxOutput {
	outputs := make([]TxOutput, 0, len(tx.TxOut))
	for _, out := range tx.TxOut {
		outputs = append(outputs, n.describeOutput(out))
	}
	return outputs
}

func (n *Node) describeOutput(out *wire.TxOut) TxOutput {
	result := TxOutput{Amount: amounts.FromSatoshi(out.Value)}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, n.params)
	if err == nil && len(addrs) > 0 {
		if len(addrs) > 1 {
			zap.L().Warn("Output pays multiple addresses, using the first",
				zap.String("address", addrs[0].EncodeAddress()))
		}
		result.Address = addrs[0].EncodeAddress()
	}
	return result
}

// CreateRawTransaction builds an unsigned transaction. Sub-dust outputs
// are dropped.
func (n *Node) CreateRawTransaction(inputs []Input, outputs map[string]decimal.Decimal) (*wire.MsgTx, error) {
	txInputs := make([]btcjson.TransactionInput, 0, len(inputs))
	for _, in := range inputs {
		txInputs = append(txInputs, btcjson.TransactionInput{Txid: in.TxId, Vout: in.Vout})
	}

	txOutputs := make(map[btcutil.Address]btcutil.Amount, len(outputs))
	for addr, amount := range outputs {
		if amounts.IsDust(amount) {
			zap.L().Warn("Dropping sub-dust output",
				zap.String("address", addr),
				zap.String("amount", amount.String()))
			continue
		}
		decoded, err := btcutil.DecodeAddress(addr, n.params)
		if err != nil {
			return nil, fmt.Errorf("invalid output address %s: %w", addr, err)
		}
		txOutputs[decoded] = btcutil.Amount(amounts.ToSatoshi(amount))
	}

	tx, err := n.client.CreateRawTransaction(txInputs, txOutputs, nil)
	if err != nil {
		return nil, fmt.Errorf("createrawtransaction: %w", err)
	}
	return tx, nil
}

// SignRawTransaction signs with the node wallet. complete is false when
// some inputs could not be signed.
func (n *Node) SignRawTransaction(tx *wire.MsgTx) (*wire.MsgTx, bool, error) {
	signed, complete, err := n.client.SignRawTransactionWithWallet(tx)
	if err != nil {
		return nil, false, fmt.Errorf("signrawtransaction: %w", err)
	}
	return signed, complete, nil
}

func (n *Node) SendRawTransaction(tx *wire.MsgTx) (string, error) {
	hash, err := n.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", fmt.Errorf("sendrawtransaction: %w", err)
	}
	return hash.String(), nil
}

// IsTxValid probes an incoming transaction by re-signing it. A tx the
// wallet cannot sign is still valid once confirmed.
func (n *Node) IsTxValid(tx *wire.MsgTx) (bool, error) {
	_, complete, err := n.SignRawTransaction(tx)
	if err != nil {
		return false, err
	}
	if complete {
		return true, nil
	}

	confirmed, err := n.IsTxConfirmed(tx.TxHash().String(), 1)
	if IsNotFound(err) {
		return false, nil
	}
	return confirmed, err
}

// IsTxConfirmed reports whether txId has minConf confirmations. A
// confirmed wallet conflict yields *models.TransactionModifiedError when
// its outputs are identical and *models.DoubleSpendError otherwise.
func (n *Node) IsTxConfirmed(txId string, minConf int64) (bool, error) {
	info, err := n.getTransaction(txId)
	if err != nil {
		return false, err
	}
	if info.Confirmations >= minConf {
		return true, nil
	}

	for _, conflictId := range info.WalletConflicts {
		conflict, err := n.getTransaction(conflictId)
		if IsNotFound(err) {
			// already dropped from the mempool
			continue
		}
		if err != nil {
			return false, err
		}
		if conflict.Confirmations < minConf {
			continue
		}

		same, err := sameOutputs(info.Hex, conflict.Hex)
		if err != nil {
			return false, err
		}
		if !same {
			return false, &models.DoubleSpendError{TxId: conflictId}
		}
		return false, &models.TransactionModifiedError{TxId: conflictId}
	}
	return false, nil
}

func (n *Node) getTransaction(txId string) (*btcjson.GetTransactionResult, error) {
	hash, err := chainhash.NewHashFromStr(txId)
	if err != nil {
		return nil, fmt.Errorf("invalid tx id %s: %w", txId, err)
	}
	info, err := n.client.GetTransaction(hash)
	if err != nil {
		return nil, fmt.Errorf("gettransaction %s: %w", txId, err)
	}
	return info, nil
}

// BlockCount returns the height of the best chain. Used as a connectivity check.
func (n *Node) BlockCount() (int64, error) {
	height, err := n.client.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	return height, nil
}

// GetTxFee estimates the fee of a transaction with the given shape. The
// node estimate falls back to the configured default.
func (n *Node) GetTxFee(inputs, outputs int, blocks int64) decimal.Decimal {
	if blocks <= 0 {
		blocks = n.expectedConfs
	}

	feePerKb := n.defaultFeeKb
	result, err := n.client.EstimateSmartFee(blocks, nil)
	switch {
	case err != nil:
		zap.L().Warn("Fee estimation failed, using default", zap.Error(err))
	case result.FeeRate == nil || *result.FeeRate <= 0:
		zap.L().Debug("No fee estimate available, using default")
	default:
		feePerKb = amounts.FromFloat(*result.FeeRate)
	}
	return amounts.TxFee(inputs, outputs, feePerKb)
}

// IsNotFound reports whether err is the node's invalid address or key error
func IsNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey
	}
	return false
}

// DecodeTx parses a serialized transaction
func DecodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidTransaction, err)
	}
	return tx, nil
}

func sameOutputs(hexA, hexB string) (bool, error) {
	a, err := decodeHexTx(hexA)
	if err != nil {
		return false, err
	}
	b, err := decodeHexTx(hexB)
	if err != nil {
		return false, err
	}
	return outputKey(a) == outputKey(b), nil
}

func decodeHexTx(s string) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(hex.NewDecoder(strings.NewReader(s))); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidTransaction, err)
	}
	return tx, nil
}

func outputKey(tx *wire.MsgTx) string {
	keys := make([]string, 0, len(tx.TxOut))
	for _, out := range tx.TxOut {
		keys = append(keys, fmt.Sprintf("%d:%x", out.Value, out.PkScript))
	}
	sort.Strings(keys)
	return fmt.Sprint(keys)
}
