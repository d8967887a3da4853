// Package stats 提供监控面板的统计视图。
// 全部为只读路径，使用短TTL缓存避免轮询打到调度热路径。
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/sla"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Aggregator 统计聚合器
type Aggregator struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
	sla    *sla.Engine

	mu       sync.Mutex
	snapshot *types.PipelineStats
	expires  time.Time
}

// NewAggregator 创建统计聚合器
func NewAggregator(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store, slaEngine *sla.Engine) *Aggregator {
	return &Aggregator{
		config: cfg,
		logger: logger.With().Str("service", "stats").Logger(),
		store:  st,
		sla:    slaEngine,
	}
}

// Live 返回实时统计快照，TTL内命中缓存
func (a *Aggregator) Live(ctx context.Context) (*types.PipelineStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.snapshot != nil && time.Now().Before(a.expires) {
		return a.snapshot, nil
	}

	snapshot, err := a.compute(ctx)
	if err != nil {
		return nil, err
	}

	a.snapshot = snapshot
	a.expires = time.Now().Add(time.Duration(a.config.Stats.CacheTTLMS) * time.Millisecond)
	return snapshot, nil
}

func (a *Aggregator) compute(ctx context.Context) (*types.PipelineStats, error) {
	now := time.Now()

	statusCounts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting by status: %w", err)
	}

	queueDepth, err := a.store.CountByTypeAndStatus(ctx, types.TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("counting queue depth: %w", err)
	}

	runningByType, err := a.store.CountByTypeAndStatus(ctx, types.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("counting running: %w", err)
	}

	lastHour, err := a.store.ListCompletedSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("listing recent completions: %w", err)
	}

	snapshot := &types.PipelineStats{
		GeneratedAt:   now,
		StatusCounts:  statusCounts,
		QueueDepth:    queueDepth,
		RunningByType: runningByType,
	}

	var queueTotal, execTotal float64
	var queueCount, execCount int
	for _, task := range lastHour {
		if task.ActualTokens != nil {
			snapshot.TokensLastHour += *task.ActualTokens
		}
		if a.sla.Evaluate(task, now).Breached {
			snapshot.SLABreaches++
		}
		if task.StartedAt != nil {
			queueTotal += float64(task.StartedAt.Sub(task.CreatedAt).Milliseconds())
			queueCount++
		}
		if task.DurationMS != nil {
			execTotal += float64(*task.DurationMS)
			execCount++
		}
	}
	if queueCount > 0 {
		snapshot.AvgQueueMS = queueTotal / float64(queueCount)
	}
	if execCount > 0 {
		snapshot.AvgExecMS = execTotal / float64(execCount)
	}
	snapshot.SLAComplianceRate = a.sla.ComplianceRate(lastHour, now)

	// 未终结但已过截止时间的任务同样计入违约
	for _, status := range []types.TaskStatus{types.TaskStatusQueued, types.TaskStatusBlocked, types.TaskStatusRunning} {
		st := status
		overdue, err := a.store.ListTasks(ctx, store.TaskFilter{Status: &st, SLABreachedOnly: true})
		if err != nil {
			return nil, fmt.Errorf("listing overdue tasks: %w", err)
		}
		snapshot.SLABreaches += int64(len(overdue))
	}

	snapshot.System = a.systemUsage()
	return snapshot, nil
}

// systemUsage 采样主机资源占用，失败时返回零值不影响统计
func (a *Aggregator) systemUsage() types.SystemUsage {
	var usage types.SystemUsage

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		usage.CPUPercent = percents[0]
	} else if err != nil {
		a.logger.Debug().Err(err).Msg("CPU sampling failed")
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		usage.MemoryPercent = memInfo.UsedPercent
		usage.MemoryUsedMB = float64(memInfo.Used) / 1024 / 1024
	} else {
		a.logger.Debug().Err(err).Msg("Memory sampling failed")
	}

	return usage
}

// History 返回按小时分桶的历史趋势
func (a *Aggregator) History(ctx context.Context, hours int) ([]types.HistoryBucket, error) {
	if hours <= 0 {
		hours = 24
	}

	now := time.Now()
	since := now.Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)

	tasks, err := a.store.ListCompletedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("listing completed tasks: %w", err)
	}

	// 预建空桶，图表端不用补洞
	buckets := make([]types.HistoryBucket, 0, hours+1)
	index := make(map[time.Time]int)
	for t := since; !t.After(now); t = t.Add(time.Hour) {
		index[t] = len(buckets)
		buckets = append(buckets, types.HistoryBucket{BucketStart: t, ComplianceRate: 1.0})
	}

	grouped := make(map[time.Time][]*types.PipelineTask)
	for _, task := range tasks {
		bucket := task.CompletedAt.Truncate(time.Hour)
		grouped[bucket] = append(grouped[bucket], task)
	}

	for bucket, bucketTasks := range grouped {
		i, ok := index[bucket]
		if !ok {
			continue
		}
		for _, task := range bucketTasks {
			buckets[i].Completed++
			switch task.Status {
			case types.TaskStatusSucceeded:
				buckets[i].Succeeded++
			case types.TaskStatusFailed:
				buckets[i].Failed++
			}
		}
		buckets[i].ComplianceRate = a.sla.ComplianceRate(bucketTasks, now)
	}

	return buckets, nil
}
