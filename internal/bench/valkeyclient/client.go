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

// Package valkeyclient wraps github.com/redis/go-redis/v9 behind the small
// Client interface the core's worker executor dispatches through (spec §1
// treats the native client library as an external collaborator, specified
// only at this interface). A Client is the ClientHandle of spec §3.
package valkeyclient

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/dgryski/go-rendezvous"
	redis "github.com/redis/go-redis/v9"
)

// Client is the minimal surface the worker executor needs from a connected
// datastore handle (spec §4.5 step 4).
type Client interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) error
	// Eval exposes the client's scripting entry point for custom commands
	// that need direct server access rather than a plain GET/SET.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Close() error
}

// Options configures a Client's connection (spec §3 RunConfig fields
// relevant to connection establishment).
type Options struct {
	Host              string
	Port              int
	Cluster           bool
	TLS               bool
	ReadFromReplica   bool
	RequestTimeout    func() (hasTimeout bool, d interface{ String() string })
}

// standaloneClient wraps a single *redis.Client.
type standaloneClient struct {
	rdb *redis.Client
}

// Dial establishes a new Client per opts. In cluster mode it returns a
// clusterClient that routes keys across per-shard connections with
// rendezvous hashing (see SPEC_FULL.md's DOMAIN STACK entry for
// go-rendezvous); spec explicitly keeps wire-level MOVED handling out of
// scope, so this is client-side routing only, not cluster-protocol
// redirection.
func Dial(ctx context.Context, addr string, opts ConnOptions) (Client, error) {
	if opts.Cluster {
		return dialCluster(ctx, addr, opts)
	}
	return dialStandalone(ctx, addr, opts)
}

// ConnOptions mirrors the subset of RunConfig a connection needs, kept
// separate from config.RunConfig to avoid an import cycle between
// valkeyclient and config.
type ConnOptions struct {
	Cluster           bool
	TLS               bool
	ReadOnly          bool
	RequestTimeoutMs  int64 // 0 means unset
	ConnectTimeoutMs  int64 // 0 means unset
	// ShardAddrs lists every cluster node's address. In cluster mode each
	// address becomes one rendezvous-hashed routing target; when it is
	// empty, the address passed to Dial is the only target. Standalone mode
	// ignores it.
	ShardAddrs []string
}

func redisOptionsFor(addr string, opts ConnOptions) *redis.Options {
	ro := &redis.Options{Addr: addr}
	if opts.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if opts.RequestTimeoutMs > 0 {
		ro.ReadTimeout = msDuration(opts.RequestTimeoutMs)
		ro.WriteTimeout = msDuration(opts.RequestTimeoutMs)
	}
	if opts.ConnectTimeoutMs > 0 {
		ro.DialTimeout = msDuration(opts.ConnectTimeoutMs)
	}
	return ro
}

func dialStandalone(ctx context.Context, addr string, opts ConnOptions) (Client, error) {
	ro := redisOptionsFor(addr, opts)
	if opts.ReadOnly {
		ro.ReadOnly = true
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &standaloneClient{rdb: rdb}, nil
}

func (c *standaloneClient) Set(ctx context.Context, key string, value []byte) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *standaloneClient) Get(ctx context.Context, key string) error {
	err := c.rdb.Get(ctx, key).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

func (c *standaloneClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.rdb.Eval(ctx, script, keys, args...).Result()
}

func (c *standaloneClient) Close() error { return c.rdb.Close() }

// clusterClient routes each key to one of several standalone connections by
// rendezvous (highest random weight) hashing, so the same key always lands
// on the same shard connection for the life of the process, without the
// core needing to understand hash slots or MOVED responses.
type clusterClient struct {
	shards []*standaloneClient
	hasher *rendezvous.Rendezvous
	addrs  []string
}

func dialCluster(ctx context.Context, bootstrapAddr string, opts ConnOptions) (Client, error) {
	addrs := opts.ShardAddrs
	if len(addrs) == 0 {
		addrs = []string{bootstrapAddr}
	}
	shards := make([]*standaloneClient, 0, len(addrs))
	for _, addr := range addrs {
		c, err := dialStandalone(ctx, addr, opts)
		if err != nil {
			for _, s := range shards {
				_ = s.Close()
			}
			return nil, err
		}
		shards = append(shards, c.(*standaloneClient))
	}
	hasher := rendezvous.New(addrs, rendezvousHash)
	return &clusterClient{shards: shards, hasher: hasher, addrs: addrs}, nil
}

func rendezvousHash(s string) uint64 {
	// FNV-1a 64-bit, matching the teacher's own fast-hash idiom
	// (benchmarks/harness/main.go's fnv32) scaled to 64 bits for a larger
	// hash space across many shards.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func (c *clusterClient) shardFor(key string) *standaloneClient {
	addr := c.hasher.Lookup(key)
	for i, a := range c.addrs {
		if a == addr {
			return c.shards[i]
		}
	}
	return c.shards[0]
}

func (c *clusterClient) Set(ctx context.Context, key string, value []byte) error {
	return c.shardFor(key).Set(ctx, key, value)
}

func (c *clusterClient) Get(ctx context.Context, key string) error {
	return c.shardFor(key).Get(ctx, key)
}

func (c *clusterClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if len(keys) == 0 {
		return c.shards[0].Eval(ctx, script, keys, args...)
	}
	return c.shardFor(keys[0]).Eval(ctx, script, keys, args...)
}

func (c *clusterClient) Close() error {
	var firstErr error
	for _, s := range c.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
