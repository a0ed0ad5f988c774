// Copyright 2024 The Durastore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec provides the encode/decode capability bound to a storage.Store at construction
// time. Encoded data carries a self-describing format version so that a decode failure can be
// classified as either a schema incompatibility (the file was written by a different version of
// the software) or a generic format error (the data is malformed). The former drives quarantine
// behavior in the storage package; the latter is reported and the file is left in place.
package codec

import (
	"errors"
	"fmt"
)

// FormatVersion is the version marker written into every encoded envelope. Bump it when the
// envelope layout itself changes in a way old readers cannot handle.
const FormatVersion = 1

// ErrIncompatible indicates that data exists but was written under a format or schema version
// that the current software cannot decode. Callers should treat the stored value as absent and
// preserve the raw data for manual recovery.
var ErrIncompatible = errors.New("codec: incompatible format version")

// Codec encodes and decodes a single value. Implementations must be safe for concurrent use.
type Codec interface {
	// Encode returns the encoded form of obj, including the format version marker.
	Encode(obj any) ([]byte, error)

	// Decode decodes data into obj. Decode returns an error satisfying IsIncompatible if the
	// data carries a different format version or no longer matches the current schema, or a
	// generic error if the data is malformed.
	Decode(data []byte, obj any) error
}

// IsIncompatible reports whether err indicates a format or schema version mismatch.
func IsIncompatible(err error) bool {
	return errors.Is(err, ErrIncompatible)
}

func incompatible(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIncompatible, fmt.Sprintf(format, args...))
}
