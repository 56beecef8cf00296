package app

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/command"
	"autotrader/internal/executor"
	"autotrader/internal/gate"
	"autotrader/internal/monitor"
	"autotrader/internal/registry"
	"autotrader/internal/signal"
	"autotrader/internal/store"
)

// coordinator 驱动单个调度周期：
// 处理管理指令、对账会话、为每个就绪用户拉取并执行候选信号。
type coordinator struct {
	store    *store.Store
	registry *registry.Registry
	gate     *gate.Gate
	executor *executor.Executor
	runtime  *command.Runtime
	monitor  *monitor.Service
	logger   *zap.Logger
}

// Tick 执行一个完整调度周期。存储层错误视为周期致命：
// 本周期立即中止并上抛，由外层记录后进入下一周期，进程本身不退出。
func (c *coordinator) Tick(ctx context.Context) error {
	if err := c.applyCommands(ctx); err != nil {
		return err
	}

	expired, err := c.store.ExpireStale(ctx, c.runtime.Snapshot().StalenessWindow)
	if err != nil {
		return fmt.Errorf("coordinator: 清扫过期信号失败: %w", err)
	}
	if expired > 0 {
		c.logger.Info("过期信号已清扫", zap.Int64("expired", expired))
	}

	desired, err := c.store.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: 加载活跃用户失败: %w", err)
	}

	report := c.registry.Reconcile(ctx, desired, c.runtime.DemoForced())
	c.monitor.RecordReconcile(ctx, len(desired), report)
	if report.Opened+report.Closed+report.Failed > 0 {
		c.logger.Info("会话对账完成",
			zap.Int("desired", len(desired)),
			zap.Int("opened", report.Opened),
			zap.Int("closed", report.Closed),
			zap.Int("failed", report.Failed),
			zap.Int("kept", report.Kept),
		)
	}

	if c.runtime.Paused() {
		c.logger.Debug("调度已暂停，跳过信号处理")
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, u := range desired {
		group.Go(func() error {
			return c.processUser(groupCtx, u.UserID)
		})
	}

	return group.Wait()
}

// applyCommands 消费指令队列。单条指令失败只记录并确认，
// 不能让坏指令永久阻塞队列。
func (c *coordinator) applyCommands(ctx context.Context) error {
	pending, err := c.store.PendingCommands(ctx, 20)
	if err != nil {
		return fmt.Errorf("coordinator: 读取指令队列失败: %w", err)
	}

	for _, cmd := range pending {
		if applyErr := c.runtime.Apply(command.Kind(cmd.Command), cmd.Payload); applyErr != nil {
			c.logger.Warn("管理指令执行失败",
				zap.Int64("command_id", cmd.ID),
				zap.String("command", cmd.Command),
				zap.Error(applyErr),
			)
		} else {
			c.logger.Info("管理指令已执行",
				zap.Int64("command_id", cmd.ID),
				zap.String("command", cmd.Command),
			)
		}

		if markErr := c.store.MarkCommandHandled(ctx, cmd.ID); markErr != nil {
			return fmt.Errorf("coordinator: 确认指令失败: %w", markErr)
		}
	}

	return nil
}

// processUser 处理单个用户的一批候选信号。
// 会话执行锁保证跨周期串行：上一周期还没跑完时直接跳过本周期。
func (c *coordinator) processUser(ctx context.Context, userID int64) error {
	handle, ok := c.registry.Get(userID)
	if !ok {
		return nil
	}
	if !handle.TryAcquire() {
		c.logger.Debug("上一周期仍在执行，跳过", zap.Int64("user_id", userID))
		return nil
	}
	defer handle.Release()

	settings := c.runtime.Snapshot()

	batch, err := c.store.FetchUnprocessed(ctx, userID, settings.BatchSize, settings.StalenessWindow)
	if err != nil {
		return fmt.Errorf("coordinator: 拉取候选信号失败: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	// 拉取按时间倒序限量，执行时恢复正序，先到先执行。
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].CreatedAt.Equal(batch[j].CreatedAt) {
			return batch[i].ID < batch[j].ID
		}
		return batch[i].CreatedAt.Before(batch[j].CreatedAt)
	})

	for _, sig := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.processSignal(ctx, handle, sig); err != nil {
			return err
		}
	}

	return nil
}

func (c *coordinator) processSignal(ctx context.Context, handle *registry.Handle, sig signal.Signal) error {
	sess := handle.Session()

	decision, record, err := c.gate.Admit(ctx, sig, sess.Balance())
	if err != nil {
		c.monitor.RecordError(ctx, "信号准入失败", err, map[string]interface{}{
			"user_id":   sig.UserID,
			"signal_id": sig.ID,
		})
		return err
	}
	c.monitor.RecordDecision(ctx, sig, decision)

	if decision.Kind != gate.KindAdmit {
		c.logger.Debug("信号未获准入",
			zap.Int64("user_id", sig.UserID),
			zap.Int64("signal_id", sig.ID),
			zap.String("kind", string(decision.Kind)),
			zap.String("reason", decision.Reason),
		)
		return nil
	}

	outcome, err := c.executor.Execute(ctx, sess, sig, record)
	if err != nil {
		c.monitor.RecordError(ctx, "执行信号失败", err, map[string]interface{}{
			"user_id":   sig.UserID,
			"signal_id": sig.ID,
		})
		return err
	}
	c.monitor.RecordExecution(ctx, sig, outcome)

	return nil
}
