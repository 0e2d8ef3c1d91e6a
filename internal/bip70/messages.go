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


// Package bip70 encodes and decodes the payment protocol messages.
package bip70

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Output is a requested or refund output
type Output struct {
	Amount uint64
	Script []byte
}

type PaymentDetails struct {
	Network      string
	Outputs      []Output
	Time         uint64
	Expires      uint64
	Memo         string
	PaymentURL   string
	MerchantData []byte
}

type PaymentRequest struct {
	PaymentDetailsVersion    uint32
	PkiType                  string
	PkiData                  []byte
	SerializedPaymentDetails []byte
	Signature                []byte
}

type X509Certificates struct {
	Certificates [][]byte
}

type Payment struct {
	MerchantData []byte
	Transactions [][]byte
	RefundTo     []Output
	Memo         string
}

type PaymentACK struct {
	Payment Payment
	Memo    string
}

const unknownField = math.MinInt32

var errTruncated = errors.New("truncated message")

func (o *Output) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Amount)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, o.Script)
	return b
}

func (o *Output) Unmarshal(b []byte) error {
	hasScript := false
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			o.Amount = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			o.Script = clone(v)
			hasScript = true
			return n, nil
		}
		return unknownField, nil
	})
	if err != nil {
		return err
	}
	if !hasScript {
		return errors.New("output script is required")
	}
	return nil
}

func (d *PaymentDetails) Marshal() []byte {
	var b []byte
	if d.Network != "" {
		b = appendString(b, 1, d.Network)
	}
	for i := range d.Outputs {
		b = appendMessage(b, 2, d.Outputs[i].Marshal())
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, d.Time)
	if d.Expires != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, d.Expires)
	}
	if d.Memo != "" {
		b = appendString(b, 5, d.Memo)
	}
	if d.PaymentURL != "" {
		b = appendString(b, 6, d.PaymentURL)
	}
	if d.MerchantData != nil {
		b = appendBytes(b, 7, d.MerchantData)
	}
	return b
}

func (d *PaymentDetails) Unmarshal(b []byte) error {
	d.Network = "main"
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.Network = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var out Output
			if err := out.Unmarshal(v); err != nil {
				return 0, fmt.Errorf("output %d: %w", len(d.Outputs), err)
			}
			d.Outputs = append(d.Outputs, out)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.Time = v
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.Expires = v
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.Memo = v
			return n, nil
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.PaymentURL = v
			return n, nil
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			d.MerchantData = clone(v)
			return n, nil
		}
		return unknownField, nil
	})
}

func (r *PaymentRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.PaymentDetailsVersion))
	b = appendString(b, 2, r.PkiType)
	if r.PkiData != nil {
		b = appendBytes(b, 3, r.PkiData)
	}
	b = appendBytes(b, 4, r.SerializedPaymentDetails)
	if r.Signature != nil {
		b = appendBytes(b, 5, r.Signature)
	}
	return b
}

func (r *PaymentRequest) Unmarshal(b []byte) error {
	r.PaymentDetailsVersion = 1
	r.PkiType = PkiNone
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.PaymentDetailsVersion = uint32(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.PkiType = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.PkiData = clone(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.SerializedPaymentDetails = clone(v)
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Signature = clone(v)
			return n, nil
		}
		return unknownField, nil
	})
}

func (c *X509Certificates) Marshal() []byte {
	var b []byte
	for _, cert := range c.Certificates {
		b = appendBytes(b, 1, cert)
	}
	return b
}

func (c *X509Certificates) Unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			c.Certificates = append(c.Certificates, clone(v))
			return n, nil
		}
		return unknownField, nil
	})
}

func (p *Payment) Marshal() []byte {
	var b []byte
	if p.MerchantData != nil {
		b = appendBytes(b, 1, p.MerchantData)
	}
	for _, tx := range p.Transactions {
		b = appendBytes(b, 2, tx)
	}
	for i := range p.RefundTo {
		b = appendMessage(b, 3, p.RefundTo[i].Marshal())
	}
	if p.Memo != "" {
		b = appendString(b, 4, p.Memo)
	}
	return b
}

func (p *Payment) Unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.MerchantData = clone(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				p.Transactions = append(p.Transactions, clone(v))
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var out Output
			if err := out.Unmarshal(v); err != nil {
				return 0, fmt.Errorf("refund output %d: %w", len(p.RefundTo), err)
			}
			p.RefundTo = append(p.RefundTo, out)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Memo = v
			return n, nil
		}
		return unknownField, nil
	})
}

func (a *PaymentACK) Marshal() []byte {
	var b []byte
	b = appendMessage(b, 1, a.Payment.Marshal())
	if a.Memo != "" {
		b = appendString(b, 2, a.Memo)
	}
	return b
}

func (a *PaymentACK) Unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if err := a.Payment.Unmarshal(v); err != nil {
				return 0, fmt.Errorf("payment: %w", err)
			}
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			a.Memo = v
			return n, nil
		}
		return unknownField, nil
	})
}

// decodeFields walks the fields of a message. fn consumes the value of
// a known field and returns its length, or unknownField to skip it.
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == unknownField {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		if n > len(b) {
			return errTruncated
		}
		b = b[n:]
	}
	return nil
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	return appendBytes(b, num, msg)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
