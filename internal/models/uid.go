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

package models

import (
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/google/uuid"
)

// UidLength is the length of deposit and withdrawal identifiers
const UidLength = 6

// NewUid returns a random base58 identifier of the given length
func NewUid(length int) string {
	id := uuid.New()
	encoded := base58.Encode(id[:])
	if len(encoded) < length {
		return encoded
	}
	return encoded[:length]
}
