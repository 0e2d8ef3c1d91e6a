package models

import "time"

// Portfolio represents a Prime portfolio
type Portfolio struct {
	Id   string
	Name string
}

// Wallet represents a Prime wallet
type Wallet struct {
	Id     string
	Name   string
	Symbol string
	Type   string
}

// DepositAddress represents a Prime deposit address
type DepositAddress struct {
	Id      string
	Address string
	Network string
	Asset   string
}

// PrimeTransfer represents a withdrawal requested through Prime
type PrimeTransfer struct {
	ActivityId     string
	Asset          string
	Amount         string
	Destination    string
	IdempotencyKey string
}

// PrimeTransaction is the subset of a Prime wallet transaction the
// custodian provider inspects
type PrimeTransaction struct {
	Id             string
	Type           string
	Status         string
	Symbol         string
	Amount         string
	Address        string
	IdempotencyKey string
	CreatedAt      time.Time
	CompletedAt    time.Time
}
