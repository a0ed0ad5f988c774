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

package codec

import (
	"encoding/json"
	"fmt"
)

// envelope is the on-disk wrapper around an encoded payload. The version field is checked before
// the payload is decoded.
type envelope struct {
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

type jsonCodec struct{}

// NewJSON returns a Codec that encodes values as versioned JSON.
func NewJSON() Codec {
	return &jsonCodec{}
}

func (c *jsonCodec) Encode(obj any) ([]byte, error) {
	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding payload: %v", err)
	}
	return json.Marshal(envelope{Version: FormatVersion, Payload: payload})
}

func (c *jsonCodec) Decode(data []byte, obj any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Not even a well-formed envelope. The data is malformed rather than merely written
		// by a different version, so this is a generic format error.
		return fmt.Errorf("codec: malformed data: %v", err)
	}
	if env.Version != FormatVersion {
		return incompatible("data version %d, current version %d", env.Version, FormatVersion)
	}
	if len(env.Payload) == 0 {
		return incompatible("missing payload")
	}
	if err := json.Unmarshal(env.Payload, obj); err != nil {
		// The envelope is current but the payload no longer matches the schema of obj.
		return incompatible("decoding payload: %v", err)
	}
	return nil
}
