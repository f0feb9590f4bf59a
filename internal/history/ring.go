package history

import (
	"sync"

	"tesse/internal/llm"
)

const defaultCapacity = 12

// Ring 按会话维护定容对话历史：容量满时淘汰最旧的消息。
// 带锁，抢占式并发下也安全。
type Ring struct {
	capacity int

	mu    sync.Mutex
	turns map[string][]llm.Message
}

// NewRing 创建历史缓冲，capacity 不合法时取默认 12 条消息。
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring{
		capacity: capacity,
		turns:    map[string][]llm.Message{},
	}
}

// Append 追加一条消息，超出容量时丢弃最旧的。
func (r *Ring) Append(ownerID, role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	arr := append(r.turns[ownerID], llm.Message{Role: role, Content: content})
	if len(arr) > r.capacity {
		arr = arr[len(arr)-r.capacity:]
	}
	r.turns[ownerID] = arr
}

// Recent 返回该会话最近消息的副本，从旧到新。
func (r *Ring) Recent(ownerID string) []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	arr := r.turns[ownerID]
	out := make([]llm.Message, len(arr))
	copy(out, arr)
	return out
}
