// internal/api/websocket.go
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/SceneWeaver/internal/llm"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// 网关只服务于后端进程，不做来源校验
		return true
	},
}

const writeTimeout = 10 * time.Second

// FrameConn 定义帧流所需的 WebSocket 连接接口
type FrameConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// frameStream 一次解码或推理的帧流。请求读取之后，后台读协程只用于发现
// 客户端断开，断开时取消生成。
type frameStream struct {
	conn     FrameConn
	mu       sync.Mutex
	terminal bool
	done     chan struct{}
}

func newFrameStream(conn FrameConn) *frameStream {
	return &frameStream{conn: conn, done: make(chan struct{})}
}

// watch 在客户端断开时调用 cancel
func (s *frameStream) watch(cancel context.CancelFunc) {
	go func() {
		defer close(s.done)
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
}

// send 写一帧。终止帧之后的写入被丢弃，保证每个流恰好一个终止帧。
func (s *frameStream) send(frame llm.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return nil
	}
	if frame.Terminal() {
		s.terminal = true
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

// close 关闭连接并等待读协程退出
func (s *frameStream) close(watching bool) {
	_ = s.conn.Close()
	if watching {
		<-s.done
	}
}
