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

// Package storeid persists a stable random identifier for a storage directory. The id is created
// on first use and survives restarts, giving host applications a durable instance identity.
package storeid

import (
	"github.com/durastore/durastore/codec"
	"github.com/durastore/durastore/report"
	"github.com/durastore/durastore/storage"
	"github.com/google/uuid"
)

const idName = "storeid"

type idHolder struct {
	StoreId string `json:"storeId"`
}

// CreateOrGet returns the identifier stored under dir, creating and persisting a new one if none
// exists yet.
func CreateOrGet(dir string, r report.Recorder) (string, error) {
	s, err := storage.New[idHolder](dir, idName, codec.NewJSON(), r)
	if err != nil {
		return "", err
	}
	defer s.Close()
	holder, found := s.Init(idHolder{})
	if !found {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		holder.StoreId = id.String()
		if err := s.Save(holder); err != nil {
			return "", err
		}
		if err := s.Flush(); err != nil {
			return "", err
		}
	}
	return holder.StoreId, nil
}
