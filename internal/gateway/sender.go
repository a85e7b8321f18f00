package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetherhq/tether/internal/registry"
)

// peer is the minimal surface the sender needs from a live connection.
type peer interface {
	enqueue(payload []byte) error
	gone() bool
}

// peerMap routes payloads to live websocket peers by connection id. It
// implements registry.Sender: an unknown or departed peer reports the
// distinguishable "recipient gone" failure so the registry can prune it.
type peerMap struct {
	mu    sync.RWMutex
	peers map[string]peer
}

func newPeerMap() *peerMap {
	return &peerMap{peers: make(map[string]peer)}
}

func (p *peerMap) add(connectionID string, pr peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[connectionID] = pr
}

func (p *peerMap) remove(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, connectionID)
}

func (p *peerMap) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// Send implements registry.Sender.
func (p *peerMap) Send(_ context.Context, connectionID string, payload []byte) error {
	p.mu.RLock()
	pr, ok := p.peers[connectionID]
	p.mu.RUnlock()

	if !ok || pr.gone() {
		return registry.ErrRecipientGone
	}
	if err := pr.enqueue(payload); err != nil {
		return fmt.Errorf("enqueue for %s: %w", connectionID, err)
	}
	return nil
}
