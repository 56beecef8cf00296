package feed

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/exchange"
	"autotrader/internal/indicator"
	"autotrader/internal/signal"
	"autotrader/internal/store"
)

// MarketSource 为行情快照来源。
type MarketSource interface {
	GetSnapshot(ctx context.Context) (exchange.MarketSnapshot, error)
}

// Producer 周期性采集行情并派生广播信号，写入所有启用自动交易的用户。
// 它只负责产出候选信号，准入与下单完全交给调度侧。
type Producer struct {
	cfg        config.FeedConfig
	market     MarketSource
	calculator *indicator.Calculator
	store      *store.Store
	logger     *zap.Logger
	score      func(indicator.Result) (Score, bool)

	// lastEmitted 记录每个标的最近一次发出信号的K线时间，
	// 同一根K线只发一次。
	lastEmitted map[string]time.Time
}

// NewProducer 创建行情信号源。
func NewProducer(cfg config.FeedConfig, market MarketSource, calc *indicator.Calculator, st *store.Store, logger *zap.Logger) (*Producer, error) {
	if market == nil {
		return nil, errors.New("feed: 市场数据服务不能为空")
	}
	if calc == nil {
		return nil, errors.New("feed: 指标计算器不能为空")
	}
	if st == nil {
		return nil, errors.New("feed: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Producer{
		cfg:         cfg,
		market:      market,
		calculator:  calc,
		store:       st,
		logger:      logger,
		score:       scoreIndicators,
		lastEmitted: make(map[string]time.Time),
	}, nil
}

// Run 阻塞运行信号源，直至上下文取消。
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("行情信号源已启动",
		zap.Strings("markets", p.cfg.Markets),
		zap.Duration("interval", p.cfg.Interval),
		zap.Float64("emit_threshold", p.cfg.EmitThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("行情信号源退出")
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.runOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			// 单轮失败只记录，下一轮继续。
			p.logger.Warn("行情采集轮次失败", zap.Error(err))
		}
	}
}

func (p *Producer) runOnce(ctx context.Context) error {
	snapshot, err := p.market.GetSnapshot(ctx)
	if err != nil {
		if errors.Is(err, exchange.ErrMaintenance) {
			p.logger.Warn("交易所维护中，跳过本轮采集")
			return nil
		}
		return err
	}

	users, err := p.store.ListActiveUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}

	userIDs := make([]int64, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.UserID)
	}

	for market, candles := range snapshot.Candles {
		if err := p.emitForMarket(ctx, market, candles, userIDs); err != nil {
			p.logger.Warn("标的信号派生失败", zap.String("market", market), zap.Error(err))
		}
	}

	return nil
}

func (p *Producer) emitForMarket(ctx context.Context, market string, candles []exchange.Candle, userIDs []int64) error {
	if len(candles) == 0 {
		return nil
	}

	lastCandle := candles[len(candles)-1].Timestamp
	if !p.lastEmitted[market].Before(lastCandle) {
		return nil
	}

	res, err := p.calculator.Compute(market, candles)
	if err != nil {
		return err
	}

	score, ok := p.score(res)
	if !ok || score.Confidence < p.cfg.EmitThreshold {
		return nil
	}

	sig := signal.Signal{
		Asset:      market,
		Direction:  score.Direction,
		Confidence: score.Confidence,
		Source:     signal.SourceMarketFeed,
		CreatedAt:  time.Now().UTC(),
		Status:     signal.StatusNew,
	}

	ids, err := p.store.InsertBroadcast(ctx, sig, userIDs)
	if err != nil {
		return err
	}

	p.lastEmitted[market] = lastCandle
	p.logger.Info("行情信号已广播",
		zap.String("market", market),
		zap.String("direction", string(score.Direction)),
		zap.Float64("confidence", score.Confidence),
		zap.Int("recipients", len(ids)),
	)

	return nil
}
