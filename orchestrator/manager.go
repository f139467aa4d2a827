// Package orchestrator 驱动下单 saga：按决策表推进、失败时逆序补偿、定时恢复
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/logging"
	"ordersaga/metrics"
	"ordersaga/saga"
)

// IDGenerator saga ID 生成器
type IDGenerator interface {
	NextID() (int64, error)
}

// FailureReasonTimeout 超时强制补偿时记录的失败原因
const FailureReasonTimeout = "TIMEOUT"

// defaultSweepBatchSize 单次扫描处理的实例上限
const defaultSweepBatchSize = 200

// Manager saga 编排器
//
// 每个操作都是：加锁、加载、校验当前状态、迁移、持久化、发送下一条命令。
// 持久化与发送不是原子的，发送失败由恢复任务重发，参与方幂等保证重复无害。
// 过期或重复的回复（状态或步骤不匹配）只记录告警，不改变状态。
type Manager struct {
	store    saga.InstanceStore
	registry *Registry
	producer *EventProducer
	ids      IDGenerator
	locks    *keyedMutex
	metrics  *metrics.Metrics
	logger   logging.Logger
	now      func() time.Time
	batch    int
}

// Option Manager 选项
type Option func(*Manager)

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithLogger 设置日志
func WithLogger(logger logging.Logger) Option {
	return func(mgr *Manager) { mgr.logger = logger }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// WithSweepBatchSize 恢复任务单次扫描的实例上限，非正数忽略
func WithSweepBatchSize(n int) Option {
	return func(mgr *Manager) {
		if n > 0 {
			mgr.batch = n
		}
	}
}

// NewManager 创建编排器
func NewManager(store saga.InstanceStore, registry *Registry, producer *EventProducer, ids IDGenerator, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		registry: registry,
		producer: producer,
		ids:      ids,
		locks:    newKeyedMutex(),
		logger:   logging.ComponentLogger("saga.manager"),
		now:      time.Now,
		batch:    defaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSaga 创建实例并发出第一条命令
//
// 订单号重复返回 saga.ErrSagaAlreadyExists；快照不合法返回 saga.ErrInvalidPayload。
// 实例持久化后即视为启动成功，首条命令发送失败只记录日志，由恢复任务重发。
func (m *Manager) StartSaga(ctx context.Context, cmd saga.StartCommand) (*saga.Instance, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	payload, err := saga.NewPayload(cmd.UserID, cmd.CouponID, cmd.UseToPoint, cmd.Items)
	if err != nil {
		return nil, err
	}
	id, err := m.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate saga id: %w", err)
	}
	inst, err := saga.NewInstance(id, cmd.OrderID, cmd.OrderNo, payload, saga.InitialStep(payload), m.now())
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.store.Create(ctx, inst); err != nil {
		return nil, err
	}
	m.metrics.SagaStarted()
	m.logger.Info(ctx, "saga 已启动",
		logging.SagaID(id), logging.OrderNo(inst.OrderNo), logging.String("step", string(inst.Step)))

	if err := m.dispatch(ctx, inst, false); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// OnStepSucceeded 正向步骤成功：推进到下一步，没有下一步时完成
func (m *Manager) OnStepSucceeded(ctx context.Context, sagaID int64, step saga.Step) error {
	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, ok, err := m.load(ctx, sagaID, step, "step succeeded")
	if err != nil || !ok {
		return err
	}
	if inst.Status != saga.StatusStarted || inst.Step != step {
		m.stale(ctx, inst, step, "step succeeded")
		return nil
	}

	next, err := saga.Next(step, inst.Payload)
	if err != nil {
		return err
	}
	if next == saga.StepNone {
		if err := inst.Finish(); err != nil {
			return err
		}
		if err := m.save(ctx, inst); err != nil {
			return err
		}
		m.metrics.SagaFinished()
		m.logger.Info(ctx, "saga 完成", logging.SagaID(sagaID), logging.OrderNo(inst.OrderNo))
		m.notify(ctx, inst)
		return nil
	}

	if err := inst.ProceedTo(next); err != nil {
		return err
	}
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	return m.dispatch(ctx, inst, false)
}

// OnStepFailed 正向步骤失败：从上一个已完成的步骤开始补偿，没有可补偿步骤时直接失败
//
// 失败原因优先取 errorCode，其次取 reason。
func (m *Manager) OnStepFailed(ctx context.Context, sagaID int64, step saga.Step, errorCode, reason string) error {
	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, ok, err := m.load(ctx, sagaID, step, "step failed")
	if err != nil || !ok {
		return err
	}
	if inst.Status != saga.StatusStarted || inst.Step != step {
		m.stale(ctx, inst, step, "step failed")
		return nil
	}

	cause := errorCode
	if cause == "" {
		cause = reason
	}
	m.logger.Warn(ctx, "saga 步骤失败",
		logging.SagaID(sagaID), logging.OrderNo(inst.OrderNo), logging.String("step", string(step)),
		logging.String("error_code", errorCode), logging.String("reason", reason))

	prev, err := saga.NextCompensation(step, inst.Payload)
	if err != nil {
		return err
	}
	if prev == saga.StepNone {
		return m.fail(ctx, inst, cause)
	}
	if err := inst.StartCompensation(prev, cause); err != nil {
		return err
	}
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	return m.dispatch(ctx, inst, true)
}

// OnCompensationAcked 补偿完成：继续撤销更早的步骤，全部撤销后标记失败
func (m *Manager) OnCompensationAcked(ctx context.Context, sagaID int64, step saga.Step) error {
	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, ok, err := m.load(ctx, sagaID, step, "compensation acked")
	if err != nil || !ok {
		return err
	}
	if inst.Status != saga.StatusCompensating || inst.Step != step {
		m.stale(ctx, inst, step, "compensation acked")
		return nil
	}

	prev, err := saga.NextCompensation(step, inst.Payload)
	if err != nil {
		return err
	}
	if prev == saga.StepNone {
		return m.fail(ctx, inst, "")
	}
	if err := inst.ContinueCompensation(prev); err != nil {
		return err
	}
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	return m.dispatch(ctx, inst, true)
}

// OnCompensationFailed 补偿失败：记录并计数，状态保持不变，等待恢复任务重发补偿
func (m *Manager) OnCompensationFailed(ctx context.Context, sagaID int64, step saga.Step, errorCode, reason string) error {
	m.metrics.CompensationFailed(string(step))
	m.logger.Error(ctx, "saga 补偿失败，需要人工介入",
		logging.SagaID(sagaID), logging.String("step", string(step)),
		logging.String("error_code", errorCode), logging.String("reason", reason))
	return nil
}

// ExpireTimedOut 对超时仍未完成的 STARTED 实例强制补偿，返回处理数量
//
// 在途步骤本身先被补偿（参与方对从未生效的命令只登记不执行）；支付步骤没有补偿动作，
// 直接从上一个步骤开始撤销。
func (m *Manager) ExpireTimedOut(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := m.now().Add(-timeout)
	stale, err := m.store.FindStale(ctx, saga.StatusStarted, cutoff, m.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	var errs []error
	for _, candidate := range stale {
		done, err := m.expire(ctx, candidate.ID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			expired++
		}
	}
	m.metrics.SweepRecovered("timeout", expired)
	return expired, errors.Join(errs...)
}

func (m *Manager) expire(ctx context.Context, sagaID int64, cutoff time.Time) (bool, error) {
	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, err := m.store.Load(ctx, sagaID)
	if err != nil {
		return false, err
	}
	// 加锁前可能已被回复推进
	if inst.Status != saga.StatusStarted || !inst.StartedAt.Before(cutoff) {
		return false, nil
	}

	target := inst.Step
	if target == saga.StepPayment {
		if target, err = saga.NextCompensation(saga.StepPayment, inst.Payload); err != nil {
			return false, err
		}
	}
	m.logger.Warn(ctx, "saga 超时，开始补偿",
		logging.SagaID(sagaID), logging.OrderNo(inst.OrderNo),
		logging.String("step", string(inst.Step)), logging.String("compensate", string(target)))

	if err := inst.StartCompensation(target, FailureReasonTimeout); err != nil {
		return false, err
	}
	if err := m.save(ctx, inst); err != nil {
		return false, err
	}
	return true, m.dispatch(ctx, inst, true)
}

// Redispatch 重发长时间没有进展的实例的当前命令，返回重发数量
//
// 按 UpdatedAt 而非 StartedAt 选取实例，仍在推进的老实例不会占满一批。
// STARTED 重发正向命令，COMPENSATING 重发补偿命令。
func (m *Manager) Redispatch(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	sent := 0
	var errs []error
	for _, status := range []saga.Status{saga.StatusStarted, saga.StatusCompensating} {
		idle, err := m.store.FindIdle(ctx, status, cutoff, m.batch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, candidate := range idle {
			ok, err := m.redispatch(ctx, candidate.ID, status, cutoff)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				sent++
			}
		}
	}
	m.metrics.SweepRecovered("redispatch", sent)
	return sent, errors.Join(errs...)
}

func (m *Manager) redispatch(ctx context.Context, sagaID int64, status saga.Status, cutoff time.Time) (bool, error) {
	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, err := m.store.Load(ctx, sagaID)
	if err != nil {
		return false, err
	}
	// 最近仍有进展的实例不重发
	if inst.Status != status || inst.UpdatedAt.After(cutoff) {
		return false, nil
	}
	m.logger.Info(ctx, "重发 saga 当前步骤",
		logging.SagaID(sagaID), logging.String("status", string(status)), logging.String("step", string(inst.Step)))
	if err := m.send(ctx, inst, status == saga.StatusCompensating); err != nil {
		return false, err
	}
	return true, nil
}

// GetByOrderNo 按订单号查询实例
func (m *Manager) GetByOrderNo(ctx context.Context, orderNo string) (*saga.Instance, error) {
	return m.store.LoadByOrderNo(ctx, orderNo)
}

// ListStale 列出指定状态下启动时间早于 olderThan 的实例
func (m *Manager) ListStale(ctx context.Context, status saga.Status, olderThan time.Duration, limit int) ([]*saga.Instance, error) {
	return m.store.FindStale(ctx, status, m.now().Add(-olderThan), limit)
}

func (m *Manager) load(ctx context.Context, sagaID int64, step saga.Step, event string) (*saga.Instance, bool, error) {
	inst, err := m.store.Load(ctx, sagaID)
	if errors.Is(err, saga.ErrSagaNotFound) {
		m.logger.Warn(ctx, "回复对应的 saga 不存在，忽略",
			logging.SagaID(sagaID), logging.String("step", string(step)), logging.String("event", event))
		m.metrics.StaleReply(string(step))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if inst.IsTerminal() {
		m.stale(ctx, inst, step, event)
		return nil, false, nil
	}
	return inst, true, nil
}

// save 以编排器时钟记录更新时间后写回，恢复任务按此判断实例是否仍有进展
func (m *Manager) save(ctx context.Context, inst *saga.Instance) error {
	inst.UpdatedAt = m.now().UTC()
	return m.store.Update(ctx, inst)
}

func (m *Manager) stale(ctx context.Context, inst *saga.Instance, step saga.Step, event string) {
	m.metrics.StaleReply(string(step))
	m.logger.Warn(ctx, "忽略过期回复",
		logging.SagaID(inst.ID), logging.String("event", event),
		logging.String("reply_step", string(step)),
		logging.String("status", string(inst.Status)), logging.String("current_step", string(inst.Step)))
}

func (m *Manager) fail(ctx context.Context, inst *saga.Instance, cause string) error {
	if err := inst.Fail(cause); err != nil {
		return err
	}
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.metrics.SagaFailed(inst.FailureReason)
	m.logger.Warn(ctx, "saga 失败",
		logging.SagaID(inst.ID), logging.OrderNo(inst.OrderNo), logging.String("reason", inst.FailureReason))
	m.notify(ctx, inst)
	return nil
}

// dispatch 状态已持久化后发送当前步骤的命令；发送失败交给恢复任务
func (m *Manager) dispatch(ctx context.Context, inst *saga.Instance, compensate bool) error {
	err := m.send(ctx, inst, compensate)
	if errors.Is(err, saga.ErrUnknownStep) {
		return err
	}
	if err != nil {
		m.logger.Error(ctx, "发送 saga 命令失败，等待恢复任务重发",
			logging.SagaID(inst.ID), logging.String("step", string(inst.Step)),
			logging.Bool("compensate", compensate), logging.Error(err))
	}
	return nil
}

func (m *Manager) send(ctx context.Context, inst *saga.Instance, compensate bool) error {
	handler, err := m.registry.Get(inst.Step)
	if err != nil {
		return err
	}
	if compensate {
		return handler.Compensate(ctx, inst)
	}
	return handler.Process(ctx, inst)
}

func (m *Manager) notify(ctx context.Context, inst *saga.Instance) {
	if err := m.producer.PublishResult(ctx, inst); err != nil {
		m.logger.Error(ctx, "发布订单结果失败",
			logging.SagaID(inst.ID), logging.OrderNo(inst.OrderNo), logging.Error(err))
	}
}
