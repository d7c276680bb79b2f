// internal/services/lock_manager.go
package services

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
)

// LockManager 按键（模拟ID或推理会话ID）记录忙碌标记。变更操作互斥，
// 第二个操作立即失败而不是排队等待。
type LockManager struct {
	locks map[string]*LockInfo
	mutex sync.Mutex
}

// LockInfo 当前持有者
type LockInfo struct {
	Operation string
	Since     time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*LockInfo)}
}

// TryAcquire 标记模拟为忙碌。已被占用时返回 busy 错误；
// 否则返回的 release 必须在 defer 中调用，重复调用无害。
func (lm *LockManager) TryAcquire(simulationID, operation string) (func(), error) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if holder, exists := lm.locks[simulationID]; exists {
		return nil, apperrors.NewBusyError(fmt.Sprintf(
			"simulation %s is busy with %s (since %s)",
			simulationID, holder.Operation, holder.Since.Format(time.RFC3339)))
	}
	info := &LockInfo{Operation: operation, Since: time.Now()}
	lm.locks[simulationID] = info

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mutex.Lock()
			defer lm.mutex.Unlock()
			if lm.locks[simulationID] == info {
				delete(lm.locks, simulationID)
			}
		})
	}, nil
}

// Holder 返回当前持有者
func (lm *LockManager) Holder(simulationID string) (LockInfo, bool) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	info, exists := lm.locks[simulationID]
	if !exists {
		return LockInfo{}, false
	}
	return *info, true
}

// IsBusy 模拟是否正在执行变更操作
func (lm *LockManager) IsBusy(simulationID string) bool {
	_, busy := lm.Holder(simulationID)
	return busy
}
