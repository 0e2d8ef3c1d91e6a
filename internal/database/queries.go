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

package database

const schemaSql = `
	-- Merchant accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		merchant_name TEXT NOT NULL,
		merchant_currency TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance_min TEXT NOT NULL DEFAULT '0',
		balance_max TEXT NOT NULL DEFAULT '0',
		instantfiat_provider TEXT,
		instantfiat_account_id TEXT,
		instantfiat_api_key TEXT,
		created_at TIMESTAMP NOT NULL
	);

	-- Terminals
	CREATE TABLE IF NOT EXISTS devices (
		device_key TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		max_payout TEXT NOT NULL DEFAULT '0',
		api_key TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_account ON devices(account_id);

	-- Wallet addresses derived by the node
	CREATE TABLE IF NOT EXISTS addresses (
		id TEXT PRIMARY KEY,
		account_id TEXT REFERENCES accounts(id),
		coin_type INTEGER NOT NULL,
		address TEXT NOT NULL UNIQUE,
		is_change BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_coin_type ON addresses(coin_type, created_at);

	CREATE TABLE IF NOT EXISTS deposits (
		uid TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		device_key TEXT,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		coin_type INTEGER NOT NULL,
		deposit_address TEXT NOT NULL UNIQUE,
		merchant_coin_amount TEXT NOT NULL,
		fee_coin_amount TEXT NOT NULL,
		paid_coin_amount TEXT NOT NULL DEFAULT '0',
		refund_address TEXT,
		refund_tx_id TEXT,
		payment_type TEXT,
		instantfiat_invoice_id TEXT,
		time_created TIMESTAMP NOT NULL,
		time_received TIMESTAMP,
		time_broadcasted TIMESTAMP,
		time_exchanged TIMESTAMP,
		time_notified TIMESTAMP,
		time_confirmed TIMESTAMP,
		time_refunded TIMESTAMP,
		time_cancelled TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_account ON deposits(account_id);

	-- Incoming transactions in order of first sighting
	CREATE TABLE IF NOT EXISTS deposit_incoming_txs (
		deposit_uid TEXT NOT NULL REFERENCES deposits(uid),
		tx_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		UNIQUE(deposit_uid, tx_id)
	);

	CREATE TABLE IF NOT EXISTS withdrawals (
		uid TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		device_key TEXT,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		coin_type INTEGER NOT NULL,
		customer_coin_amount TEXT NOT NULL,
		tx_fee_coin_amount TEXT NOT NULL,
		customer_address TEXT,
		outgoing_tx_id TEXT,
		instantfiat_transfer_id TEXT,
		instantfiat_reference TEXT,
		time_created TIMESTAMP NOT NULL,
		time_sent TIMESTAMP,
		time_broadcasted TIMESTAMP,
		time_notified TIMESTAMP,
		time_confirmed TIMESTAMP,
		time_cancelled TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawals(account_id);

	-- Signed ledger rows, amounts in satoshis. A NULL account is the fee account.
	CREATE TABLE IF NOT EXISTS balance_changes (
		id TEXT PRIMARY KEY,
		deposit_uid TEXT REFERENCES deposits(uid),
		withdrawal_uid TEXT REFERENCES withdrawals(uid),
		account_id TEXT REFERENCES accounts(id),
		address TEXT NOT NULL REFERENCES addresses(address),
		amount BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		CHECK ((deposit_uid IS NULL) <> (withdrawal_uid IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_balance_changes_deposit ON balance_changes(deposit_uid);
	CREATE INDEX IF NOT EXISTS idx_balance_changes_withdrawal ON balance_changes(withdrawal_uid);
	CREATE INDEX IF NOT EXISTS idx_balance_changes_account ON balance_changes(account_id);
	CREATE INDEX IF NOT EXISTS idx_balance_changes_address ON balance_changes(address);
`

const (
	// Account queries
	queryInsertAccount = `
		INSERT INTO accounts (id, merchant_name, merchant_currency, currency, balance_min, balance_max,
			instantfiat_provider, instantfiat_account_id, instantfiat_api_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAccount = `
		SELECT id, merchant_name, merchant_currency, currency, balance_min, balance_max,
		       instantfiat_provider, instantfiat_account_id, instantfiat_api_key, created_at
		FROM accounts`

	queryGetAccount = selectAccount + `
		WHERE id = ?`

	queryListAccounts = selectAccount + `
		ORDER BY created_at`

	// Device queries
	queryInsertDevice = `
		INSERT INTO devices (device_key, account_id, name, status, max_payout, api_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetDevice = `
		SELECT d.device_key, d.account_id, d.name, d.status, d.max_payout, d.api_key, d.created_at, a.merchant_name
		FROM devices d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.device_key = ?`

	queryUpdateDeviceStatus = `
		UPDATE devices SET status = ? WHERE device_key = ?`

	// Address queries
	queryInsertAddress = `
		INSERT INTO addresses (id, account_id, coin_type, address, is_change, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	selectAddress = `
		SELECT id, account_id, coin_type, address, is_change, created_at
		FROM addresses`

	queryGetAddress = selectAddress + `
		WHERE address = ?`

	queryListAddresses = selectAddress + `
		WHERE coin_type = ?
		ORDER BY created_at, address`

	// Deposit queries
	queryInsertDeposit = `
		INSERT INTO deposits (uid, account_id, device_key, currency, amount, coin_type, deposit_address,
			merchant_coin_amount, fee_coin_amount, paid_coin_amount, payment_type, instantfiat_invoice_id, time_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectDeposit = `
		SELECT uid, account_id, device_key, currency, amount, coin_type, deposit_address,
		       merchant_coin_amount, fee_coin_amount, paid_coin_amount, refund_address, refund_tx_id,
		       payment_type, instantfiat_invoice_id, time_created, time_received, time_broadcasted,
		       time_exchanged, time_notified, time_confirmed, time_refunded, time_cancelled
		FROM deposits`

	queryGetDeposit = selectDeposit + `
		WHERE uid = ?`

	queryListActiveDeposits = selectDeposit + `
		WHERE time_refunded IS NULL AND time_cancelled IS NULL AND time_confirmed IS NULL
		ORDER BY time_created`

	queryGetIncomingTxIds = `
		SELECT tx_id FROM deposit_incoming_txs
		WHERE deposit_uid = ?
		ORDER BY position`

	queryNextIncomingTxPosition = `
		SELECT COALESCE(MAX(position), 0) + 1 FROM deposit_incoming_txs WHERE deposit_uid = ?`

	queryInsertIncomingTx = `
		INSERT INTO deposit_incoming_txs (deposit_uid, tx_id, position)
		VALUES (?, ?, ?)
		ON CONFLICT (deposit_uid, tx_id) DO NOTHING`

	queryReplaceIncomingTx = `
		UPDATE deposit_incoming_txs SET tx_id = ? WHERE deposit_uid = ? AND tx_id = ?`

	queryDeleteIncomingTx = `
		DELETE FROM deposit_incoming_txs WHERE deposit_uid = ? AND tx_id = ?`

	queryGetPaidAmount = `
		SELECT paid_coin_amount FROM deposits WHERE uid = ?`

	queryUpdatePaidAmount = `
		UPDATE deposits SET paid_coin_amount = ? WHERE uid = ?`

	querySetRefundAddress = `
		UPDATE deposits SET refund_address = ? WHERE uid = ? AND refund_address IS NULL`

	querySetPaymentType = `
		UPDATE deposits SET payment_type = ? WHERE uid = ?`

	querySetRefundTxId = `
		UPDATE deposits SET refund_tx_id = ? WHERE uid = ?`

	// Withdrawal queries
	queryInsertWithdrawal = `
		INSERT INTO withdrawals (uid, account_id, device_key, currency, amount, coin_type,
			customer_coin_amount, tx_fee_coin_amount, customer_address, time_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectWithdrawal = `
		SELECT uid, account_id, device_key, currency, amount, coin_type, customer_coin_amount,
		       tx_fee_coin_amount, customer_address, outgoing_tx_id, instantfiat_transfer_id,
		       instantfiat_reference, time_created, time_sent, time_broadcasted, time_notified,
		       time_confirmed, time_cancelled
		FROM withdrawals`

	queryGetWithdrawal = selectWithdrawal + `
		WHERE uid = ?`

	queryListActiveWithdrawals = selectWithdrawal + `
		WHERE time_cancelled IS NULL AND time_confirmed IS NULL
		ORDER BY time_created`

	querySetCustomerAddress = `
		UPDATE withdrawals SET customer_address = ? WHERE uid = ? AND time_sent IS NULL`

	querySetWithdrawalSent = `
		UPDATE withdrawals SET outgoing_tx_id = ?, time_sent = ?
		WHERE uid = ? AND time_sent IS NULL AND outgoing_tx_id IS NULL`

	querySetInstantFiatTransfer = `
		UPDATE withdrawals SET instantfiat_transfer_id = ?, instantfiat_reference = ?, time_sent = ?
		WHERE uid = ? AND time_sent IS NULL`

	queryReplaceOutgoingTxId = `
		UPDATE withdrawals SET outgoing_tx_id = ? WHERE uid = ? AND time_sent IS NOT NULL`

	queryCancelWithdrawal = `
		UPDATE withdrawals SET time_cancelled = ?
		WHERE uid = ? AND time_cancelled IS NULL AND time_sent IS NULL`

	// Balance change queries
	queryInsertBalanceChange = `
		INSERT INTO balance_changes (id, deposit_uid, withdrawal_uid, account_id, address, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryDeleteDepositChanges = `
		DELETE FROM balance_changes WHERE deposit_uid = ?`

	queryDeleteWithdrawalChanges = `
		DELETE FROM balance_changes WHERE withdrawal_uid = ?`

	selectBalanceChange = `
		SELECT id, deposit_uid, withdrawal_uid, account_id, address, amount, created_at
		FROM balance_changes`

	queryListDepositChanges = selectBalanceChange + `
		WHERE deposit_uid = ?
		ORDER BY amount DESC, id`

	queryListWithdrawalChanges = selectBalanceChange + `
		WHERE withdrawal_uid = ?
		ORDER BY amount, id`

	// Balance sums. Filters are appended by balanceFilter.
	querySumBalance = `
		SELECT COALESCE(SUM(bc.amount), 0)
		FROM balance_changes bc
		LEFT JOIN deposits d ON d.uid = bc.deposit_uid
		LEFT JOIN withdrawals w ON w.uid = bc.withdrawal_uid
		JOIN addresses a ON a.address = bc.address`

	queryAddressBalances = `
		SELECT a.id, a.account_id, a.coin_type, a.address, a.is_change, a.created_at,
		       COALESCE(SUM(CASE WHEN bc.id IS NULL THEN 0 ELSE bc.amount END), 0)
		FROM addresses a
		LEFT JOIN balance_changes bc ON bc.address = a.address
		LEFT JOIN deposits d ON d.uid = bc.deposit_uid
		LEFT JOIN withdrawals w ON w.uid = bc.withdrawal_uid`
)
