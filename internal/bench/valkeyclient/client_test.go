// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package valkeyclient

import (
	"context"
	"fmt"
	"testing"

	"github.com/dgryski/go-rendezvous"
)

func TestRendezvousHashIsDeterministic(t *testing.T) {
	a := rendezvousHash("key:42")
	b := rendezvousHash("key:42")
	if a != b {
		t.Fatalf("rendezvousHash is not deterministic: %d != %d", a, b)
	}
	if rendezvousHash("key:42") == rendezvousHash("key:43") {
		t.Fatalf("expected distinct keys to hash differently (collisions are fine individually, not for this fixed pair)")
	}
}

func TestShardForIsStableAcrossRepeatedLookups(t *testing.T) {
	addrs := []string{"10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"}
	shards := make([]*standaloneClient, len(addrs))
	for i := range shards {
		shards[i] = &standaloneClient{}
	}
	cc := &clusterClient{
		shards: shards,
		hasher: rendezvous.New(addrs, rendezvousHash),
		addrs:  addrs,
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key:%d", i)
		first := cc.shardFor(key)
		second := cc.shardFor(key)
		if first != second {
			t.Fatalf("shardFor(%q) is not stable across calls", key)
		}
	}
}

func TestShardForSpreadsKeysAcrossAllShards(t *testing.T) {
	addrs := []string{"10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"}
	shards := make([]*standaloneClient, len(addrs))
	for i := range shards {
		shards[i] = &standaloneClient{}
	}
	cc := &clusterClient{
		shards: shards,
		hasher: rendezvous.New(addrs, rendezvousHash),
		addrs:  addrs,
	}

	hit := map[*standaloneClient]int{}
	for i := 0; i < 3000; i++ {
		key := fmt.Sprintf("key:%d", i)
		hit[cc.shardFor(key)]++
	}
	if len(hit) != len(addrs) {
		t.Fatalf("expected keys to spread across all %d shards, only hit %d", len(addrs), len(hit))
	}
	for shard, count := range hit {
		if count < 500 {
			t.Errorf("shard %v only received %d of 3000 keys, expected roughly even spread", shard, count)
		}
	}
}

func TestDialRejectsUnreachableHost(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", ConnOptions{ConnectTimeoutMs: 200})
	if err == nil {
		t.Fatalf("expected Dial to fail against a closed port")
	}
}
