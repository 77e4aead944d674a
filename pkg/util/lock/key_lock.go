package lock

import (
	"sync"
)

type refLock struct {
	mu  sync.Mutex
	ref int
}

// KeyLock 为每个 key 提供独立的互斥锁，锁对象按引用计数回收。
// 相同 key 的持有者串行执行，不同 key 之间互不阻塞。
type KeyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refLock
}

func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{
		locks: make(map[K]*refLock),
	}
}

// Lock 获取 key 对应的锁。
func (k *KeyLock[K]) Lock(key K) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.ref++
	k.mu.Unlock()

	l.mu.Lock()
}

// TryLock 尝试获取 key 对应的锁，失败时立即返回 false。
func (k *KeyLock[K]) TryLock(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	// 表中的锁都至少有一个持有者，新建的锁一定能拿到。
	if !l.mu.TryLock() {
		return false
	}
	l.ref++
	return true
}

// Unlock 释放 key 对应的锁，未加锁时 panic。
func (k *KeyLock[K]) Unlock(key K) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("unlock of unlocked key")
	}
	l.ref--
	if l.ref == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}

// Len 返回当前被持有或等待中的 key 数量。
func (k *KeyLock[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
