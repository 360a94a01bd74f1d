// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package queue aggregates analytics events in memory and writes them to the
// store as one row per project and site path at each flush.
package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/edrlab/analytics-ledger/pkg/ident"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

type pathKey struct {
	project  ident.Ref
	sitePath string
}

type shard struct {
	mu        sync.Mutex
	downloads map[pathKey]uint32
	views     map[pathKey]uint32
	revenue   map[ident.Ref]float64
}

func newShard() *shard {
	return &shard{
		downloads: make(map[pathKey]uint32),
		views:     make(map[pathKey]uint32),
		revenue:   make(map[ident.Ref]float64),
	}
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.downloads) + len(s.views) + len(s.revenue)
}

// AnalyticsQueue sums counts between two flushes. Producers never wait on the
// database, only on the shard they write to.
type AnalyticsQueue struct {
	store  stor.Store
	shards []*shard
	now    func() time.Time

	flushMu sync.Mutex
}

// New creates a queue writing to the store.
func New(st stor.Store, shards int) *AnalyticsQueue {
	if shards < 1 {
		shards = 1
	}
	q := &AnalyticsQueue{store: st, now: time.Now}
	for i := 0; i < shards; i++ {
		q.shards = append(q.shards, newShard())
	}
	return q
}

func (q *AnalyticsQueue) shardFor(project ident.Ref, sitePath string) *shard {
	h := murmur3.New32()
	h.Write([]byte(project.String()))
	h.Write([]byte{0})
	h.Write([]byte(sitePath))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

func addCount(m map[pathKey]uint32, k pathKey, n uint32) {
	sum := uint64(m[k]) + uint64(n)
	if sum > math.MaxUint32 {
		sum = math.MaxUint32
	}
	m[k] = uint32(sum)
}

// AddDownload counts n downloads of a site path
func (q *AnalyticsQueue) AddDownload(project ident.Ref, sitePath string, n uint32) {
	s := q.shardFor(project, sitePath)
	s.mu.Lock()
	defer s.mu.Unlock()
	addCount(s.downloads, pathKey{project, sitePath}, n)
}

// AddView counts n views of a site path. The project may be absent.
func (q *AnalyticsQueue) AddView(project ident.Ref, sitePath string, n uint32) {
	s := q.shardFor(project, sitePath)
	s.mu.Lock()
	defer s.mu.Unlock()
	addCount(s.views, pathKey{project, sitePath}, n)
}

// AddRevenue adds an amount to the revenue of a project
func (q *AnalyticsQueue) AddRevenue(project ident.Ref, amount float64) {
	s := q.shardFor(project, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revenue[project] += amount
}

// Len returns the number of rows the next flush would write
func (q *AnalyticsQueue) Len() int {
	n := 0
	for _, s := range q.shards {
		n += s.len()
	}
	return n
}

// drain empties the shards into a batch recorded at the given time.
func (q *AnalyticsQueue) drain(recorded time.Time) *stor.Batch {
	b := &stor.Batch{}
	for _, s := range q.shards {
		s.mu.Lock()
		for k, n := range s.downloads {
			b.Downloads = append(b.Downloads, stor.Download{Recorded: recorded, Downloads: n, ProjectID: k.project, SitePath: k.sitePath})
		}
		for k, n := range s.views {
			b.Views = append(b.Views, stor.View{Recorded: recorded, Views: n, ProjectID: k.project, SitePath: k.sitePath})
		}
		for p, amount := range s.revenue {
			b.Revenue = append(b.Revenue, stor.Revenue{Recorded: recorded, Money: amount, ProjectID: p})
		}
		s.downloads = make(map[pathKey]uint32)
		s.views = make(map[pathKey]uint32)
		s.revenue = make(map[ident.Ref]float64)
		s.mu.Unlock()
	}
	return b
}

// restore merges a batch which could not be written back into the queue.
func (q *AnalyticsQueue) restore(b *stor.Batch) {
	for _, d := range b.Downloads {
		q.AddDownload(d.ProjectID, d.SitePath, d.Downloads)
	}
	for _, v := range b.Views {
		q.AddView(v.ProjectID, v.SitePath, v.Views)
	}
	for _, r := range b.Revenue {
		q.AddRevenue(r.ProjectID, r.Money)
	}
}

// sift removes the rows refused by validation from a batch.
func (q *AnalyticsQueue) sift(b *stor.Batch, logger *log.Entry) (*stor.Batch, int) {
	kept := &stor.Batch{}
	dropped := 0
	drop := func(err error) {
		dropped++
		logger.Errorf("Dropped a row: %v", err)
	}
	for i := range b.Downloads {
		if err := q.store.Check(&b.Downloads[i]); err != nil {
			drop(err)
			continue
		}
		kept.Downloads = append(kept.Downloads, b.Downloads[i])
	}
	for i := range b.Views {
		if err := q.store.Check(&b.Views[i]); err != nil {
			drop(err)
			continue
		}
		kept.Views = append(kept.Views, b.Views[i])
	}
	for i := range b.Revenue {
		if err := q.store.Check(&b.Revenue[i]); err != nil {
			drop(err)
			continue
		}
		kept.Revenue = append(kept.Revenue, b.Revenue[i])
	}
	return kept, dropped
}

// Flush writes the aggregated rows in one transaction.
// Rows refused by validation are dropped and the others are written, other
// failures keep the whole batch for the next flush.
func (q *AnalyticsQueue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	b := q.drain(q.now())
	if b.Len() == 0 {
		return nil
	}
	flushID := uuid.New().String()
	logger := log.WithField("flush", flushID)

	err := q.store.AppendBatch(ctx, b)
	var verr *stor.ValidationError
	if errors.As(err, &verr) {
		kept, dropped := q.sift(b, logger)
		logger.Warnf("%d of %d rows refused by validation", dropped, b.Len())
		if kept.Len() == 0 {
			return err
		}
		if werr := q.store.AppendBatch(ctx, kept); werr != nil {
			if errors.As(werr, &verr) {
				logger.Errorf("Dropped a batch of %d rows: %v", kept.Len(), werr)
				return werr
			}
			logger.Warnf("Flush failed, %d rows kept for the next one: %v", kept.Len(), werr)
			q.restore(kept)
			return werr
		}
		logger.Infof("Flushed %d downloads, %d views, %d revenue rows", len(kept.Downloads), len(kept.Views), len(kept.Revenue))
		return err
	}
	if err != nil {
		logger.Warnf("Flush failed, %d rows kept for the next one: %v", b.Len(), err)
		q.restore(b)
		return err
	}
	logger.Infof("Flushed %d downloads, %d views, %d revenue rows", len(b.Downloads), len(b.Views), len(b.Revenue))
	return nil
}

// Run flushes the queue at each interval until the context is done, then
// flushes one last time.
func (q *AnalyticsQueue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Errorf("Invalid flush interval %s, flushing every minute", interval)
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.Flush(ctx)
		case <-ctx.Done():
			// ctx is done, the last flush gets a context of its own
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := q.Flush(final); err != nil {
				log.Errorf("Final flush failed: %v", err)
			}
			cancel()
			return
		}
	}
}
