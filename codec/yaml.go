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
	"fmt"

	"github.com/ghodss/yaml"
)

type yamlCodec struct{}

// NewYAML returns a Codec that encodes values as versioned YAML. Useful when stored files should
// remain hand-editable; the envelope layout matches the JSON codec's.
func NewYAML() Codec {
	return &yamlCodec{}
}

func (c *yamlCodec) Encode(obj any) ([]byte, error) {
	payload, err := yaml.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding payload: %v", err)
	}
	// ghodss/yaml round-trips through JSON, so the payload embeds cleanly as a JSON value.
	jsonPayload, err := yaml.YAMLToJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: converting payload: %v", err)
	}
	return yaml.Marshal(envelope{Version: FormatVersion, Payload: jsonPayload})
}

func (c *yamlCodec) Decode(data []byte, obj any) error {
	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("codec: malformed data: %v", err)
	}
	if env.Version != FormatVersion {
		return incompatible("data version %d, current version %d", env.Version, FormatVersion)
	}
	if len(env.Payload) == 0 {
		return incompatible("missing payload")
	}
	if err := yaml.Unmarshal(env.Payload, obj); err != nil {
		return incompatible("decoding payload: %v", err)
	}
	return nil
}
