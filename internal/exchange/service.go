package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MarketDataService 并发拉取多个标的的K线快照。
type MarketDataService struct {
	client  *Client
	markets []string
	limit   int
	logger  *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client *Client, markets []string, candleLimit int, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if candleLimit <= 0 {
		candleLimit = 120
	}
	return &MarketDataService{
		client:  client,
		markets: markets,
		limit:   candleLimit,
		logger:  logger,
	}
}

// GetSnapshot 拉取所有配置标的的1分钟K线。任一标的失败整体失败，
// 信号源宁缺毋滥。
func (s *MarketDataService) GetSnapshot(ctx context.Context) (MarketSnapshot, error) {
	var mu sync.Mutex
	candles := make(map[string][]Candle, len(s.markets))

	group, groupCtx := errgroup.WithContext(ctx)

	for _, market := range s.markets {
		group.Go(func() error {
			data, err := s.client.FetchCandles(groupCtx, market, Timeframe1m, int64(s.limit))
			if err != nil {
				return err
			}
			mu.Lock()
			candles[market] = data
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}

	snapshot := MarketSnapshot{
		Candles:     candles,
		RetrievedAt: time.Now().UTC(),
	}

	s.logger.Debug("市场数据快照获取完成",
		zap.Int("markets", len(snapshot.Candles)),
		zap.Time("retrieved_at", snapshot.RetrievedAt),
	)

	return snapshot, nil
}
