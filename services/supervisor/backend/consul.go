// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// DefaultConsulWait is the blocking query wait time.
const DefaultConsulWait = 5 * time.Minute

// ConsulKV reads every key under a prefix of the Consul KV store.
//
//	<prefix>/port        -> port
//	<prefix>/db/max_conn -> db.max_conn
//
// It is a Watcher (blocking queries on the prefix index) and a Fetcher
// (plain list).
type ConsulKV struct {
	kv     *consulapi.KV
	addr   string
	prefix string
	wait   time.Duration

	index uint64
	last  map[string]string
	read  bool
}

// NewConsulKV connects to the agent at addr ("host:port"). Token and TLS
// settings come from the standard CONSUL_* environment variables.
func NewConsulKV(addr, scheme, prefix string, wait time.Duration) (*ConsulKV, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if scheme != "" {
		cfg.Scheme = scheme
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if wait <= 0 {
		wait = DefaultConsulWait
	}
	return &ConsulKV{
		kv:     client.KV(),
		addr:   cfg.Address,
		prefix: strings.Trim(prefix, "/"),
		wait:   wait,
	}, nil
}

// String implements Watcher and Fetcher.
func (c *ConsulKV) String() string { return "consul://" + c.addr + "/" + c.prefix }

// Fetch implements Fetcher.
func (c *ConsulKV) Fetch(ctx context.Context) (map[string]string, error) {
	pairs, _, err := c.kv.List(c.dir(), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, &BackendUnavailableError{Backend: c.String(), Err: err}
	}
	return c.convert(pairs), nil
}

// Next implements Watcher. Not safe for concurrent use.
func (c *ConsulKV) Next(ctx context.Context) (map[string]string, error) {
	for {
		q := (&consulapi.QueryOptions{WaitIndex: c.index, WaitTime: c.wait}).WithContext(ctx)
		pairs, meta, err := c.kv.List(c.dir(), q)
		if err != nil {
			return nil, &BackendUnavailableError{Backend: c.String(), Err: err}
		}
		switch {
		case meta.LastIndex < c.index:
			// Index went backwards (snapshot restore); start over.
			c.index = 0
		case meta.LastIndex == c.index && c.read:
			continue
		default:
			c.index = meta.LastIndex
		}
		vals := c.convert(pairs)
		if c.read && maps.Equal(vals, c.last) {
			continue
		}
		c.last, c.read = vals, true
		return vals, nil
	}
}

// Close implements Watcher.
func (c *ConsulKV) Close() error { return nil }

// dir is the prefix as a directory. Consul matches List prefixes as
// plain strings, so "bldr/redis" alone would also match
// "bldr/redis-sentinel/port".
func (c *ConsulKV) dir() string {
	if c.prefix == "" {
		return ""
	}
	return c.prefix + "/"
}

func (c *ConsulKV) convert(pairs consulapi.KVPairs) map[string]string {
	dir := c.dir()
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if !strings.HasPrefix(p.Key, dir) || strings.HasSuffix(p.Key, "/") {
			continue
		}
		key := strings.Trim(strings.TrimPrefix(p.Key, dir), "/")
		if key == "" {
			continue
		}
		out[strings.ReplaceAll(key, "/", ".")] = string(p.Value)
	}
	return out
}
