package task

import "sync"

// Notifier is the in-process wake-up bus: task_available pokes idle workers,
// task_completed tells the host a task finished. Publishes never block and
// may be dropped; workers poll as the loss-tolerant fallback.
type Notifier struct {
	mu        sync.Mutex
	available []chan struct{}
	completed []chan string
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// SubscribeAvailable returns a channel that receives a token whenever new
// work may be claimable. The channel is buffered and coalescing.
func (n *Notifier) SubscribeAvailable() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{}, 1)
	n.available = append(n.available, ch)
	return ch
}

// SubscribeCompleted returns a channel receiving ids of completed tasks.
func (n *Notifier) SubscribeCompleted() <-chan string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan string, 64)
	n.completed = append(n.completed, ch)
	return ch
}

func (n *Notifier) NotifyAvailable() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.available {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *Notifier) NotifyCompleted(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.completed {
		select {
		case ch <- taskID:
		default:
		}
	}
}
