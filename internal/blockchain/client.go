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
	"fmt"
	"sort"

	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

// Client is the node surface used by the payment state machines
type Client interface {
	Network() string
	Params() *chaincfg.Params
	NewAddress() (string, error)
	ImportAddress(addr string) error
	ValidateAddress(addr string) error
	ListUnspent(addr string, minConf int) ([]Output, error)
	GetAddressBalance(addr string, minConf int) (decimal.Decimal, error)
	GetUnspentTransactions(addr string) ([]*wire.MsgTx, error)
	GetRawTransaction(txId string) (*wire.MsgTx, error)
	GetTxInputs(tx *wire.MsgTx) ([]TxOutput, error)
	GetTxOutputs(tx *wire.MsgTx) []TxOutput
	CreateRawTransaction(inputs []Input, outputs map[string]decimal.Decimal) (*wire.MsgTx, error)
	SignRawTransaction(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	SendRawTransaction(tx *wire.MsgTx) (string, error)
	IsTxValid(tx *wire.MsgTx) (bool, error)
	IsTxConfirmed(txId string, minConf int64) (bool, error)
	GetTxFee(inputs, outputs int, blocks int64) decimal.Decimal
}

var _ Client = (*Node)(nil)

// Nodes holds one client per coin type
type Nodes struct {
	clients map[int]Client
}

func NewNodes() *Nodes {
	return &Nodes{clients: make(map[int]Client)}
}

// Add registers client under the coin type matching its network
func (n *Nodes) Add(client Client) error {
	coinType, err := CoinTypeForNetwork(client.Network())
	if err != nil {
		return err
	}
	n.clients[coinType] = client
	return nil
}

// For returns the client serving coinType
func (n *Nodes) For(coinType int) (Client, error) {
	client, ok := n.clients[coinType]
	if !ok {
		return nil, fmt.Errorf("%w: no node configured for coin type %d", models.ErrNetwork, coinType)
	}
	return client, nil
}

// CoinTypes lists the configured coin types in ascending order
func (n *Nodes) CoinTypes() []int {
	types := make([]int, 0, len(n.clients))
	for t := range n.clients {
		types = append(types, t)
	}
	sort.Ints(types)
	return types
}

func (n *Nodes) Close() {
	for _, c := range n.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

// CoinTypeForNetwork maps a network name to its BIP-44 coin type.
// Regtest shares the testnet coin type.
func CoinTypeForNetwork(network string) (int, error) {
	switch network {
	case models.NetworkMainnet:
		return models.CoinTypeBTC, nil
	case models.NetworkTestnet, "regtest":
		return models.CoinTypeTBTC, nil
	}
	return 0, fmt.Errorf("unsupported network %q", network)
}
