package pipeline

import (
	"context"
	"time"

	"github.com/coretrace/copyengine/internal/filter"
	"github.com/coretrace/copyengine/internal/mapping"
)

// storeMappingView adapts mapping.Store to filter.MappingView.
type storeMappingView struct {
	store           mapping.Store
	sourceAccountID string
}

func (v storeMappingView) HasActiveMapping(sourceAccountID, sourcePositionID string) bool {
	_, err := v.store.GetBySource(mapping.SourceKey{AccountID: sourceAccountID, PositionID: sourcePositionID})
	return err == nil
}

func (v storeMappingView) ActiveDestCount(routeID string) int {
	ms, err := v.store.ListActiveForRoute(routeID)
	if err != nil {
		return 0
	}
	return len(ms)
}

func (p *Pipeline) mappingView() filter.MappingView {
	return storeMappingView{store: p.store, sourceAccountID: p.cfg.SourceAccountID}
}

// storeSymbolWindowCounter adapts the mapping store and gateway to
// filter.SymbolWindowCounter for the martingale/grid filters.
type storeSymbolWindowCounter struct {
	ctx   context.Context
	store mapping.Store
	pipe  *Pipeline
}

func (c storeSymbolWindowCounter) OpenMappingsForSymbolSince(routeID, symbol string, since time.Time) int {
	ms, err := c.store.ListActiveForRoute(routeID)
	if err != nil {
		return 0
	}
	count := 0
	for _, m := range ms {
		if m.OpenTime.After(since) && m.Meta["symbol"] == symbol {
			count++
		}
	}
	return count
}

func (c storeSymbolWindowCounter) OpenSourcePositionsNearPrice(sourceAccountID, symbol string, price, pipBand, pipSize float64) int {
	positions, err := c.pipe.gw.GetPositions(c.ctx, sourceAccountID)
	if err != nil {
		return 0
	}
	band := pipBand * pipSize
	count := 0
	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		diff := pos.OpenPrice - price
		if diff < 0 {
			diff = -diff
		}
		if diff <= band {
			count++
		}
	}
	return count
}

func (p *Pipeline) symbolWindowCounter(ctx context.Context) filter.SymbolWindowCounter {
	return storeSymbolWindowCounter{ctx: ctx, store: p.store, pipe: p}
}
