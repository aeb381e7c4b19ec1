// Package instruments caches exchange contract metadata needed for sizing.
// Readers get an immutable snapshot; refreshes swap the whole snapshot.
package instruments

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/logging"
)

// Meta is the sizing metadata of one perpetual swap contract.
type Meta struct {
	InstID        string          `json:"instId"`
	ContractValue decimal.Decimal `json:"ctVal"`
	LotSize       decimal.Decimal `json:"lotSz"`
	MinSize       decimal.Decimal `json:"minSz"`
	State         string          `json:"state,omitempty"`
}

// Snapshot is a read-only view of the catalog at one refresh.
type Snapshot struct {
	byID      map[string]Meta
	fetchedAt time.Time
}

func NewSnapshot(metas []Meta, fetchedAt time.Time) *Snapshot {
	byID := make(map[string]Meta, len(metas))
	for _, m := range metas {
		byID[m.InstID] = m
	}
	return &Snapshot{byID: byID, fetchedAt: fetchedAt}
}

// Get returns the metadata for instID.
func (s *Snapshot) Get(instID string) (Meta, bool) {
	if s == nil {
		return Meta{}, false
	}
	m, ok := s.byID[instID]
	return m, ok
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byID)
}

func (s *Snapshot) FetchedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.fetchedAt
}

// Fetcher lists instruments of one type from the exchange.
type Fetcher interface {
	Instruments(ctx context.Context, instType string) ([]Meta, error)
}

type Catalog struct {
	fetcher  Fetcher
	instType string
	current  atomic.Pointer[Snapshot]
	log      *logrus.Entry
}

func NewCatalog(fetcher Fetcher, instType string) *Catalog {
	if instType == "" {
		instType = "SWAP"
	}
	return &Catalog{
		fetcher:  fetcher,
		instType: instType,
		log:      logging.For("catalog"),
	}
}

// Snapshot returns the current snapshot, nil before the first refresh.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Refresh fetches the full instrument list and replaces the snapshot.
// A failed or empty fetch keeps the previous snapshot.
func (c *Catalog) Refresh(ctx context.Context) error {
	metas, err := c.fetcher.Instruments(ctx, c.instType)
	if err != nil {
		return fmt.Errorf("fetch instruments: %w", err)
	}

	valid := metas[:0:0]
	for _, m := range metas {
		if m.InstID == "" || !m.ContractValue.IsPositive() || !m.LotSize.IsPositive() {
			c.log.WithField("inst_id", m.InstID).Debug("skipping instrument with incomplete metadata")
			continue
		}
		if m.State != "" && m.State != "live" {
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return fmt.Errorf("exchange returned no usable %s instruments", c.instType)
	}

	c.current.Store(NewSnapshot(valid, time.Now()))
	c.log.WithField("count", len(valid)).Info("instrument catalog refreshed")
	return nil
}

// Run refreshes on every interval until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, 60*time.Second)
			if err := c.Refresh(rctx); err != nil {
				c.log.WithError(err).Warn("instrument refresh failed, keeping previous snapshot")
			}
			cancel()
		}
	}
}
