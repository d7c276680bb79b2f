// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// Container 是一个简单的依赖注入容器
type Container struct {
	services map[string]interface{}
	mutex    sync.RWMutex
}

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{
		services: make(map[string]interface{}),
	}
}

// Register 在容器中注册一个服务实例
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services[name] = service
}

// Get 从容器中获取一个服务实例
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.services[name]
}

// Has 检查容器中是否存在指定名称的服务
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, exists := c.services[name]
	return exists
}

// GetNames 获取所有已注册服务的名称（已排序）
func (c *Container) GetNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 按名称取出服务并转换为 T
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	service := c.Get(name)
	if service == nil {
		return zero, fmt.Errorf("服务未注册: %s", name)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("服务 %s 的类型是 %T，而不是 %T", name, service, zero)
	}
	return typed, nil
}

// MustResolve 与 Resolve 相同，失败时 panic。只用于组合根已注册的服务。
func MustResolve[T any](c *Container, name string) T {
	typed, err := Resolve[T](c, name)
	if err != nil {
		panic(err)
	}
	return typed
}
