package connection

import (
	"context"
	"sync"
)

/*
 * ============================================================================
 * 重连任务状态 - Refresh Task State
 * ============================================================================
 *
 * 【核心原理】
 * 发送失败发现某地址的传输层断开时，管理器保证该地址存在一个后台重连任务。
 * 同一地址的多个等待者挂在同一个通知器上（广播一次性事件），
 * 不对重连做自旋轮询。
 *
 * 状态机：Reconnecting(带通知器) → 成功安装新连接并触发通知器；
 *         重试耗尽 → ReconnectingTooLong，调用方视地址为死亡。
 * 任务在 Reconnecting 状态被丢弃时必须触发通知器，挂起的等待者
 * 才能醒来重新评估（不变量 I6）。
 */

// RefreshTaskNotifier 广播一次性事件通知器
type RefreshTaskNotifier struct {
	once sync.Once
	ch   chan struct{}
}

// NewRefreshTaskNotifier 创建通知器
func NewRefreshTaskNotifier() *RefreshTaskNotifier {
	return &RefreshTaskNotifier{ch: make(chan struct{})}
}

// Notify 触发通知，幂等
func (n *RefreshTaskNotifier) Notify() {
	n.once.Do(func() { close(n.ch) })
}

// Wait 返回等待通道，触发后关闭
func (n *RefreshTaskNotifier) Wait() <-chan struct{} {
	return n.ch
}

// RefreshTaskStatus 重连任务状态
type RefreshTaskStatus int

const (
	// Reconnecting 后台任务仍在尝试重建连接
	Reconnecting RefreshTaskStatus = iota
	// ReconnectingTooLong 重试耗尽，地址视为死亡
	ReconnectingTooLong
)

// RefreshTaskState 单个地址的重连任务状态
type RefreshTaskState struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	status   RefreshTaskStatus
	notifier *RefreshTaskNotifier
}

// NewRefreshTaskState 以 Reconnecting 状态创建任务状态
func NewRefreshTaskState(cancel context.CancelFunc) *RefreshTaskState {
	return &RefreshTaskState{
		cancel:   cancel,
		status:   Reconnecting,
		notifier: NewRefreshTaskNotifier(),
	}
}

// Status 当前状态
func (s *RefreshTaskState) Status() RefreshTaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Notifier 仍在 Reconnecting 时返回通知器，否则返回 nil
func (s *RefreshTaskState) Notifier() *RefreshTaskNotifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Reconnecting {
		return s.notifier
	}
	return nil
}

// FlipToTooLong 重试耗尽：先唤醒等待者再翻转状态
func (s *RefreshTaskState) FlipToTooLong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Reconnecting {
		s.notifier.Notify()
		s.status = ReconnectingTooLong
	}
}

// NotifySuccess 重连成功：唤醒等待者
func (s *RefreshTaskState) NotifySuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier.Notify()
}

// Close 丢弃任务：终止后台任务并唤醒等待者
//
// 丢弃路径不允许等待任务汇合，避免与任务收尾互相死锁。
func (s *RefreshTaskState) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Reconnecting {
		s.notifier.Notify()
	}
}

// RefreshConnectionStates 按地址跟踪重连任务
type RefreshConnectionStates struct {
	mu         sync.Mutex
	inProgress map[string]*RefreshTaskState
}

// NewRefreshConnectionStates 创建任务跟踪表
func NewRefreshConnectionStates() *RefreshConnectionStates {
	return &RefreshConnectionStates{inProgress: make(map[string]*RefreshTaskState)}
}

// Get 查询地址的任务状态
func (r *RefreshConnectionStates) Get(addr string) (*RefreshTaskState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.inProgress[addr]
	return state, ok
}

// SetIfAbsent 地址无任务时登记，返回 (生效的状态, 是否新登记)
func (r *RefreshConnectionStates) SetIfAbsent(addr string, state *RefreshTaskState) (*RefreshTaskState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.inProgress[addr]; ok {
		return existing, false
	}
	r.inProgress[addr] = state
	return state, true
}

// Remove 移除地址的任务并关闭它
func (r *RefreshConnectionStates) Remove(addr string) {
	r.mu.Lock()
	state, ok := r.inProgress[addr]
	delete(r.inProgress, addr)
	r.mu.Unlock()
	if ok {
		state.Close()
	}
}

// Clear 清空全部任务（换表重建时），等待者全部唤醒
func (r *RefreshConnectionStates) Clear() {
	r.mu.Lock()
	states := r.inProgress
	r.inProgress = make(map[string]*RefreshTaskState)
	r.mu.Unlock()
	for _, state := range states {
		state.Close()
	}
}
