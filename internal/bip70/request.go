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

package bip70

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
)

const (
	PkiNone       = "none"
	PkiX509SHA256 = "x509+sha256"

	ContentTypeRequest = "application/bitcoin-paymentrequest"
	ContentTypePayment = "application/bitcoin-payment"
	ContentTypeACK     = "application/bitcoin-paymentack"

	// MaxPaymentSize caps the size of an incoming Payment message
	MaxPaymentSize = 50000
)

// Signer signs payment requests with an RSA key and its certificate chain
type Signer struct {
	key   *rsa.PrivateKey
	certs [][]byte
}

// LoadSigner reads a PEM private key and PEM certificate files, leaf first
func LoadSigner(keyFile string, certFiles []string) (*Signer, error) {
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read key file: %w", err)
	}

	var certPEMs [][]byte
	for _, file := range certFiles {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("unable to read certificate file: %w", err)
		}
		certPEMs = append(certPEMs, data)
	}
	return NewSigner(keyPEM, certPEMs...)
}

func NewSigner(keyPEM []byte, certPEMs ...[]byte) (*Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		key = parsed
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("payment requests require an RSA key")
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("unsupported key type %q", block.Type)
	}

	signer := &Signer{key: key}
	for _, data := range certPEMs {
		for {
			var cert *pem.Block
			cert, data = pem.Decode(data)
			if cert == nil {
				break
			}
			if cert.Type == "CERTIFICATE" {
				signer.certs = append(signer.certs, cert.Bytes)
			}
		}
	}
	if len(signer.certs) == 0 {
		return nil, errors.New("no certificates found")
	}
	return signer, nil
}

func (s *Signer) sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}

// RequestOutput is an output expressed as address and coin amount
type RequestOutput struct {
	Address string
	Amount  decimal.Decimal
}

type RequestParams struct {
	Network      string
	Outputs      []RequestOutput
	Created      time.Time
	Expires      time.Time
	Memo         string
	PaymentURL   string
	MerchantData []byte
}

// CreatePaymentRequest builds a serialized PaymentRequest. A nil signer
// produces an unsigned request.
func CreatePaymentRequest(params RequestParams, signer *Signer) ([]byte, error) {
	chain, err := blockchain.ParamsForNetwork(params.Network)
	if err != nil {
		return nil, err
	}

	details := PaymentDetails{
		Network:      detailsNetwork(params.Network),
		Time:         uint64(params.Created.Unix()),
		Memo:         params.Memo,
		PaymentURL:   params.PaymentURL,
		MerchantData: params.MerchantData,
	}
	if !params.Expires.IsZero() {
		details.Expires = uint64(params.Expires.Unix())
	}
	for _, out := range params.Outputs {
		script, err := ScriptForAddress(out.Address, chain)
		if err != nil {
			return nil, err
		}
		details.Outputs = append(details.Outputs, Output{
			Amount: uint64(amounts.ToSatoshi(out.Amount)),
			Script: script,
		})
	}

	request := PaymentRequest{
		PaymentDetailsVersion:    1,
		PkiType:                  PkiNone,
		SerializedPaymentDetails: details.Marshal(),
	}
	if signer == nil {
		return request.Marshal(), nil
	}

	certs := X509Certificates{Certificates: signer.certs}
	request.PkiType = PkiX509SHA256
	request.PkiData = certs.Marshal()
	request.Signature = []byte{}
	signature, err := signer.sign(request.Marshal())
	if err != nil {
		return nil, fmt.Errorf("unable to sign payment request: %w", err)
	}
	request.Signature = signature
	return request.Marshal(), nil
}

// ParsedRequest is a decoded PaymentRequest with its outputs resolved
type ParsedRequest struct {
	Request PaymentRequest
	Details PaymentDetails
	Outputs []RequestOutput
}

func ParsePaymentRequest(data []byte) (*ParsedRequest, error) {
	var parsed ParsedRequest
	if err := parsed.Request.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPaymentMessage, err)
	}
	if err := parsed.Details.Unmarshal(parsed.Request.SerializedPaymentDetails); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPaymentMessage, err)
	}

	chain, err := blockchain.ParamsForNetwork(networkName(parsed.Details.Network))
	if err != nil {
		return nil, err
	}
	for _, out := range parsed.Details.Outputs {
		address, err := AddressForScript(out.Script, chain)
		if err != nil {
			return nil, err
		}
		parsed.Outputs = append(parsed.Outputs, RequestOutput{
			Address: address,
			Amount:  amounts.FromSatoshi(int64(out.Amount)),
		})
	}
	return &parsed, nil
}

// Verify checks the request signature against the leaf certificate
func (p *ParsedRequest) Verify() error {
	if p.Request.PkiType == PkiNone {
		return nil
	}
	if p.Request.PkiType != PkiX509SHA256 {
		return fmt.Errorf("unsupported pki type %q", p.Request.PkiType)
	}

	var certs X509Certificates
	if err := certs.Unmarshal(p.Request.PkiData); err != nil {
		return err
	}
	if len(certs.Certificates) == 0 {
		return errors.New("empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(certs.Certificates[0])
	if err != nil {
		return fmt.Errorf("unable to parse certificate: %w", err)
	}
	key, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("certificate key is not RSA")
	}

	unsigned := p.Request
	unsigned.Signature = []byte{}
	digest := sha256.Sum256(unsigned.Marshal())
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], p.Request.Signature); err != nil {
		return fmt.Errorf("%w: %v", models.ErrSignatureMismatch, err)
	}
	return nil
}

// ScriptForAddress returns the output script paying addr
func ScriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	return txscript.PayToAddrScript(decoded)
}

// AddressForScript extracts the single address paid by script
func AddressForScript(script []byte, params *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPaymentMessage, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: non-standard output script", models.ErrInvalidPaymentMessage)
	}
	return addrs[0].EncodeAddress(), nil
}

func detailsNetwork(network string) string {
	if network == models.NetworkMainnet {
		return "main"
	}
	return "test"
}

func networkName(details string) string {
	if details == "main" {
		return models.NetworkMainnet
	}
	return models.NetworkTestnet
}
