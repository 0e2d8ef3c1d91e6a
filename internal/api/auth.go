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


package api

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const SignatureHeader = "X-Signature"

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// VerifySignature checks a base64 signature of message against the
// device api key. The key is a PEM public key (RSA with PSS padding or
// ECDSA) or a hex encoded secp256k1 public key. Digests are SHA-256.
func VerifySignature(apiKey string, message []byte, signature string) error {
	if apiKey == "" || signature == "" {
		return models.ErrSignatureMismatch
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrSignatureMismatch, err)
	}
	digest := sha256.Sum256(message)

	block, _ := pem.Decode([]byte(apiKey))
	if block == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(apiKey))
		if err != nil {
			return fmt.Errorf("unable to decode api key: %w", err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return fmt.Errorf("unable to parse api key: %w", err)
		}
		return verifySecp256k1(pub, digest[:], sig)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// crypto/x509 does not know secp256k1
		var info subjectPublicKeyInfo
		if _, asnErr := asn1.Unmarshal(block.Bytes, &info); asnErr != nil {
			return fmt.Errorf("unable to parse api key: %w", err)
		}
		key, keyErr := btcec.ParsePubKey(info.PublicKey.RightAlign())
		if keyErr != nil {
			return fmt.Errorf("unable to parse api key: %w", err)
		}
		return verifySecp256k1(key, digest[:], sig)
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, opts); err != nil {
			return models.ErrSignatureMismatch
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], sig) {
			return models.ErrSignatureMismatch
		}
	default:
		return fmt.Errorf("unsupported api key type %T", pub)
	}
	return nil
}

func verifySecp256k1(pub *btcec.PublicKey, digest, sig []byte) error {
	parsed, err := btcecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrSignatureMismatch, err)
	}
	if !parsed.Verify(digest, pub) {
		return models.ErrSignatureMismatch
	}
	return nil
}
