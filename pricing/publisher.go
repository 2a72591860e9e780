package pricing

import "sync"

// Publisher 一个轻量事件分发器，把新发布的价格表推给订阅者。
// 慢订阅者直接跳过，不阻塞发布方。
type Publisher struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan PriceTable
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan PriceTable)}
}

// Subscribe 返回订阅通道与取消函数。
func (p *Publisher) Subscribe() (<-chan PriceTable, func()) {
	ch := make(chan PriceTable, 1)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Publisher) Publish(t PriceTable) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// Subscribers 当前订阅数。
func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
