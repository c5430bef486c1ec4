package realtime

import (
	"encoding/json"
	"sync"
)

// 事件类型。
const (
	EventRunStarted    = "run_started"
	EventRunProgress   = "run_progress"
	EventRunFinished   = "run_finished"
	EventEndpointProbe = "endpoint_probed"
	EventEndpointLive  = "endpoint_liveness"
)

// Event 描述 SSE 推送时的消息载荷。
type Event struct {
	Type       string      `json:"type"`
	EndpointID int64       `json:"endpointId,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
}

// Broker 负责向实时订阅者（SSE 客户端）分发事件。nil Broker 的 Publish 是空操作。
type Broker struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

// NewBroker 创建一个新的 Broker 实例。
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan []byte]struct{})}
}

// Subscribe 注册客户端通道并返回同时提供清理函数。
func (b *Broker) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cleanup
}

// Publish 将事件广播给所有订阅者。
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- data:
		default:
			// 订阅者处理过慢时丢弃消息。
		}
	}
}
