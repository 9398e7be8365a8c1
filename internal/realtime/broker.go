package realtime

import (
	"encoding/json"
	"sync"
	"time"
)

// 事件类型。
const (
	EventScanStarted    = "scan_started"
	EventNetworkScanned = "network_scanned"
	EventScanCompleted  = "scan_completed"
	EventMonitorChecked = "monitor_checked"
)

// Event 描述 SSE 推送时的消息载荷。
type Event struct {
	Type    string      `json:"type"`
	Network string      `json:"network,omitempty"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

// Broker 负责向实时订阅者（SSE 客户端）分发事件。nil Broker 的 Publish 为空操作。
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

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish 将事件广播给所有订阅者。
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
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
			// 订阅者处理过慢时丢弃。
		}
	}
}
