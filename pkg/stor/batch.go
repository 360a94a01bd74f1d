// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"context"

	"gorm.io/gorm"
)

// Batch groups rows of the three families written together.
type Batch struct {
	Downloads []Download `json:"downloads"`
	Views     []View     `json:"views"`
	Revenue   []Revenue  `json:"revenue"`
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.Downloads) + len(b.Views) + len(b.Revenue)
}

const insertBatchSize = 100

// AppendBatch validates every row then inserts them all in one transaction.
// Either every row is written or none is.
// The table states are read again first: ledgerctl may have evolved a table
// since the store was opened.
func (s *dbStore) AppendBatch(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	err := s.refresh(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range b.Downloads {
		if err := s.prepare(&b.Downloads[i]); err != nil {
			return err
		}
	}
	for i := range b.Views {
		if err := s.prepare(&b.Views[i]); err != nil {
			return err
		}
	}
	for i := range b.Revenue {
		if err := s.prepare(&b.Revenue[i]); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(b.Downloads) > 0 {
			if err := tx.CreateInBatches(&b.Downloads, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(b.Views) > 0 {
			if err := tx.CreateInBatches(&b.Views, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(b.Revenue) > 0 {
			if err := tx.CreateInBatches(&b.Revenue, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
