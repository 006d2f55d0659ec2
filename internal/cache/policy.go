package cache

import (
	"container/list"
	"fmt"
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Eviction policy names accepted by Config.EvictionPolicy.
const (
	PolicyFIFO = "fifo"
	PolicyLRU  = "lru"
)

// EvictionPolicy chooses which key to drop when the cache is over capacity.
// Calls are serialized by the cache.
type EvictionPolicy interface {
	Name() string
	Added(key string)
	Accessed(key string)
	Removed(key string)
	Victim() (string, bool)
}

func newPolicy(name string) (EvictionPolicy, error) {
	switch name {
	case PolicyFIFO, "":
		return NewFIFOPolicy(), nil
	case PolicyLRU:
		return NewLRUPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy: %s (supported: fifo, lru)", name)
	}
}

// FIFOPolicy evicts the entry created first. A re-put counts as a new creation.
type FIFOPolicy struct {
	order *list.List
	elems map[string]*list.Element
}

// NewFIFOPolicy creates an empty FIFO policy.
func NewFIFOPolicy() *FIFOPolicy {
	return &FIFOPolicy{order: list.New(), elems: make(map[string]*list.Element)}
}

func (p *FIFOPolicy) Name() string { return PolicyFIFO }

func (p *FIFOPolicy) Added(key string) {
	p.Removed(key)
	p.elems[key] = p.order.PushBack(key)
}

func (p *FIFOPolicy) Accessed(string) {}

func (p *FIFOPolicy) Removed(key string) {
	if e, ok := p.elems[key]; ok {
		p.order.Remove(e)
		delete(p.elems, key)
	}
}

func (p *FIFOPolicy) Victim() (string, bool) {
	front := p.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

// LRUPolicy evicts the least recently read or written entry.
type LRUPolicy struct {
	lru *simplelru.LRU[string, struct{}]
}

// NewLRUPolicy creates an empty LRU policy. Capacity is enforced by the
// cache, so the underlying list is never size bound.
func NewLRUPolicy() *LRUPolicy {
	l, _ := simplelru.NewLRU[string, struct{}](math.MaxInt32, nil)
	return &LRUPolicy{lru: l}
}

func (p *LRUPolicy) Name() string { return PolicyLRU }

func (p *LRUPolicy) Added(key string) { p.lru.Add(key, struct{}{}) }

func (p *LRUPolicy) Accessed(key string) { p.lru.Get(key) }

func (p *LRUPolicy) Removed(key string) { p.lru.Remove(key) }

func (p *LRUPolicy) Victim() (string, bool) {
	key, _, ok := p.lru.GetOldest()
	return key, ok
}
