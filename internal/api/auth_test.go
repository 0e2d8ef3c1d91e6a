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
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"
)

var (
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1      = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

func pemPublicKey(t *testing.T, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

type keySigner struct {
	apiKey string
	sign   func(digest []byte) []byte
}

func rsaSigner(t *testing.T) keySigner {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return keySigner{
		apiKey: pemPublicKey(t, der),
		sign: func(digest []byte) []byte {
			sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest, nil)
			require.NoError(t, err)
			return sig
		},
	}
}

func p256Signer(t *testing.T) keySigner {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return keySigner{
		apiKey: pemPublicKey(t, der),
		sign: func(digest []byte) []byte {
			sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
			require.NoError(t, err)
			return sig
		},
	}
}

func secp256k1Signer(t *testing.T, asPEM bool) keySigner {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	apiKey := hex.EncodeToString(key.PubKey().SerializeCompressed())
	if asPEM {
		params, err := asn1.Marshal(oidSecp256k1)
		require.NoError(t, err)
		der, err := asn1.Marshal(subjectPublicKeyInfo{
			Algorithm: pkix.AlgorithmIdentifier{
				Algorithm:  oidPublicKeyECDSA,
				Parameters: asn1.RawValue{FullBytes: params},
			},
			PublicKey: asn1.BitString{
				Bytes:     key.PubKey().SerializeUncompressed(),
				BitLength: 8 * 65,
			},
		})
		require.NoError(t, err)
		apiKey = pemPublicKey(t, der)
	}
	return keySigner{
		apiKey: apiKey,
		sign: func(digest []byte) []byte {
			return btcecdsa.Sign(key, digest).Serialize()
		},
	}
}

func TestVerifySignature(t *testing.T) {
	message := []byte(`{"device":"abc","amount":"10.00"}`)
	digest := sha256.Sum256(message)

	tests := []struct {
		name   string
		signer func(t *testing.T) keySigner
	}{
		{name: "rsa pss", signer: rsaSigner},
		{name: "ecdsa p256", signer: p256Signer},
		{name: "secp256k1 hex", signer: func(t *testing.T) keySigner { return secp256k1Signer(t, false) }},
		{name: "secp256k1 pem", signer: func(t *testing.T) keySigner { return secp256k1Signer(t, true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.signer(t)
			signature := base64.StdEncoding.EncodeToString(s.sign(digest[:]))

			require.NoError(t, VerifySignature(s.apiKey, message, signature))

			err := VerifySignature(s.apiKey, []byte(`{"device":"abc","amount":"99.00"}`), signature)
			require.ErrorIs(t, err, models.ErrSignatureMismatch)

			other := tt.signer(t)
			require.ErrorIs(t, VerifySignature(other.apiKey, message, signature), models.ErrSignatureMismatch)
		})
	}
}

func TestVerifySignature_Malformed(t *testing.T) {
	s := secp256k1Signer(t, false)
	digest := sha256.Sum256(nil)
	valid := base64.StdEncoding.EncodeToString(s.sign(digest[:]))

	require.ErrorIs(t, VerifySignature(s.apiKey, nil, ""), models.ErrSignatureMismatch)
	require.ErrorIs(t, VerifySignature("", nil, valid), models.ErrSignatureMismatch)
	require.ErrorIs(t, VerifySignature(s.apiKey, nil, "not base64!"), models.ErrSignatureMismatch)
	require.ErrorIs(t, VerifySignature(s.apiKey, nil, base64.StdEncoding.EncodeToString([]byte("junk"))),
		models.ErrSignatureMismatch)
	require.Error(t, VerifySignature("zz", nil, valid))
	require.NoError(t, VerifySignature(s.apiKey, nil, valid))
}
