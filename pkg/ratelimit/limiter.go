// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package ratelimit bounds the page views counted per client and site path.
// Clients are identified by a peppered hash of their address, addresses are
// never kept.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
)

type entry struct {
	client   string
	sitePath string
}

type shard struct {
	mu     sync.Mutex
	counts map[entry]int
}

// Limiter counts views in fixed windows, cleared by Run.
type Limiter struct {
	pepper string
	limit  int
	shards []*shard
}

// New creates a limiter allowing limit views per client and site path.
func New(pepper string, limit, shards int) *Limiter {
	if shards < 1 {
		shards = 1
	}
	l := &Limiter{pepper: pepper, limit: limit}
	for i := 0; i < shards; i++ {
		l.shards = append(l.shards, &shard{counts: make(map[entry]int)})
	}
	return l
}

// clientKey hashes an address with the pepper. IPv6 clients are grouped by
// their /64 prefix, an unparsable address counts as loopback.
func (l *Limiter) clientKey(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	} else {
		ip = ip.Mask(net.CIDRMask(64, 128))
	}
	sum := sha256.Sum256([]byte(ip.String() + l.pepper))
	return hex.EncodeToString(sum[:])
}

func (l *Limiter) shardFor(e entry) *shard {
	h := murmur3.New32()
	h.Write([]byte(e.client))
	h.Write([]byte{0})
	h.Write([]byte(e.sitePath))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Allow records a view and reports whether it stays within the limit.
func (l *Limiter) Allow(addr, sitePath string) bool {
	e := entry{client: l.clientKey(addr), sitePath: sitePath}
	s := l.shardFor(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.counts[e]
	if n >= l.limit {
		return false
	}
	s.counts[e] = n + 1
	return true
}

// Len returns the number of tracked client and site path pairs
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.counts)
		s.mu.Unlock()
	}
	return n
}

// Reset starts a new window.
func (l *Limiter) Reset() {
	for _, s := range l.shards {
		s.mu.Lock()
		s.counts = make(map[entry]int)
		s.mu.Unlock()
	}
}

// Run resets the limiter at each window until the context is done.
func (l *Limiter) Run(ctx context.Context, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Debugf("Rate limit window closed, %d entries cleared", l.Len())
			l.Reset()
		case <-ctx.Done():
			return
		}
	}
}
