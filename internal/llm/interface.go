// internal/llm/interface.go
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// 错误定义
var (
	ErrUnknownRuntime  = errors.New("未知的推理运行时")
	ErrSessionNotFound = errors.New("推理会话不存在")
)

// DriverKind 驱动类型
type DriverKind string

const (
	DriverLocal  DriverKind = "local"
	DriverRemote DriverKind = "remote"
)

// DriverConfig 封闭的驱动配置联合类型：LocalDriver 或 RemoteDriver。
// 调用方使用 type switch 穷举处理。
type DriverConfig interface {
	Kind() DriverKind
	isDriver()
}

// LocalDriver 进程内运行时
type LocalDriver struct {
	Runtime     string `json:"runtime"`
	ModelPath   string `json:"modelPath"`
	ContextSize int    `json:"contextSize,omitempty"`
}

// RemoteDriver 通过推理网关访问的远程后端
type RemoteDriver struct {
	BaseURL string `json:"baseUrl"`
	ModelID string `json:"modelId"`
}

func (LocalDriver) Kind() DriverKind  { return DriverLocal }
func (RemoteDriver) Kind() DriverKind { return DriverRemote }
func (LocalDriver) isDriver()         {}
func (RemoteDriver) isDriver()        {}

// EqualDrivers 两个驱动配置是否完全相同
func EqualDrivers(a, b DriverConfig) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// DriverKey 驱动配置的稳定字符串表示，用作后端缓存的键
func DriverKey(d DriverConfig) string {
	switch v := d.(type) {
	case LocalDriver:
		return fmt.Sprintf("local:%s:%s:%d", v.Runtime, v.ModelPath, v.ContextSize)
	case RemoteDriver:
		return fmt.Sprintf("remote:%s:%s", v.BaseURL, v.ModelID)
	default:
		return ""
	}
}

type driverEnvelope struct {
	Kind   DriverKind      `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// MarshalDriver 序列化驱动配置，用于持久化会话引用
func MarshalDriver(d DriverConfig) ([]byte, error) {
	if d == nil {
		return nil, errors.New("driver config is nil")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(driverEnvelope{Kind: d.Kind(), Config: raw})
}

// UnmarshalDriver 反序列化驱动配置
func UnmarshalDriver(data []byte) (DriverConfig, error) {
	var env driverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case DriverLocal:
		var d LocalDriver
		if err := json.Unmarshal(env.Config, &d); err != nil {
			return nil, err
		}
		return d, nil
	case DriverRemote:
		var d RemoteDriver
		if err := json.Unmarshal(env.Config, &d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", env.Kind)
	}
}

// SamplingOptions 采样参数
type SamplingOptions struct {
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"topP,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

// InferRequest 推理请求。Prompt 为 nil 时直接从当前缓存继续生成。
type InferRequest struct {
	Prompt    *string         `json:"prompt,omitempty"`
	MaxTokens int             `json:"maxTokens"`
	Options   SamplingOptions `json:"options"`
	Grammar   string          `json:"grammar,omitempty"`
}

// DecodeRequest 解码请求：缓存将与 Prompt 完全一致
type DecodeRequest struct {
	Prompt string `json:"prompt"`
}

// Usage 用量统计
type Usage struct {
	PromptTokens int   `json:"promptTokens"`
	OutputTokens int   `json:"outputTokens"`
	DurationMs   int64 `json:"durationMs"`
}

// InferResult 推理结果
type InferResult struct {
	Text  string
	Usage Usage
}

// Backend 持有增量KV缓存的模型后端。
//
// Decode 之后缓存与 prompt 完全一致；Infer 追加 prompt 后生成，生成的内容在
// Commit 之前是临时的，下一次操作会将其回滚。
type Backend interface {
	CreateSession(ctx context.Context) (string, error)
	HasSession(ctx context.Context, sessionID string) (bool, error)
	Decode(ctx context.Context, sessionID, prompt string, onProgress func(float64)) error
	Infer(ctx context.Context, sessionID string, req InferRequest, onToken func(string)) (InferResult, error)
	Commit(ctx context.Context, sessionID string) error
	Abort(ctx context.Context, sessionID string) error
	DestroySession(ctx context.Context, sessionID string) error
	Close() error
}

// Runtime 进程内模型运行时，模型本身不在本仓库实现
type Runtime interface {
	NewContext(ctx context.Context) (RuntimeContext, error)
	Close() error
}

// RuntimeContext 运行时中的一个独立缓存上下文。实现必须在 ctx 取消时就地中断生成。
type RuntimeContext interface {
	Decode(ctx context.Context, prompt string, onProgress func(float64)) error
	Generate(ctx context.Context, req InferRequest, onToken func(string)) (Usage, error)
	Commit() error
	Close() error
}

// RuntimeFactory 运行时工厂
type RuntimeFactory func(cfg LocalDriver) (Runtime, error)

var (
	runtimesMu sync.RWMutex
	runtimes   = make(map[string]RuntimeFactory)
)

// RegisterRuntime 注册运行时工厂，通常在实现包的 init 中调用
func RegisterRuntime(name string, factory RuntimeFactory) {
	runtimesMu.Lock()
	defer runtimesMu.Unlock()
	runtimes[name] = factory
}

// OpenRuntime 按配置创建运行时实例
func OpenRuntime(cfg LocalDriver) (Runtime, error) {
	runtimesMu.RLock()
	factory, exists := runtimes[cfg.Runtime]
	runtimesMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRuntime, cfg.Runtime)
	}
	return factory(cfg)
}

// ListRuntimes 返回所有已注册的运行时名称
func ListRuntimes() []string {
	runtimesMu.RLock()
	defer runtimesMu.RUnlock()
	names := make([]string, 0, len(runtimes))
	for name := range runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
