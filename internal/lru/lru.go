package lru

import (
	"container/list"
	"sync"
)

// shard is a byte-bounded LRU list guarded by a single mutex.
type shard struct {
	mu        sync.Mutex
	size      uint64
	maxBytes  uint64
	evictList *list.List
	elems     map[string]*list.Element
	onEvict   OnEvict
}

type entry struct {
	key   string
	value []byte
}

func newShard(maxBytes uint64, onEvict OnEvict) *shard {
	return &shard{
		maxBytes:  maxBytes,
		evictList: list.New(),
		elems:     make(map[string]*list.Element),
		onEvict:   onEvict,
	}
}

func (s *shard) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.elems[key]
	if !ok {
		return nil, false
	}

	s.evictList.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

// add stores value under key and reports whether older entries were evicted to make room.
func (s *shard) add(key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.elems[key]; ok {
		s.removeElement(elem)
	}

	if uint64(len(value)) > s.maxBytes {
		return false
	}

	var evicted bool
	for s.size+uint64(len(value)) > s.maxBytes {
		elem := s.evictList.Back()
		if elem == nil {
			break
		}
		kv := s.removeElement(elem)
		evicted = true
		if s.onEvict != nil {
			s.onEvict(kv.key, kv.value)
		}
	}

	s.elems[key] = s.evictList.PushFront(&entry{key: key, value: value})
	s.size += uint64(len(value))
	return evicted
}

func (s *shard) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.elems[key]
	if !ok {
		return false
	}

	s.removeElement(elem)
	return true
}

func (s *shard) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.elems = make(map[string]*list.Element)
	s.evictList.Init()
	s.size = 0
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elems)
}

// removeElement expects s.mu to be held.
func (s *shard) removeElement(elem *list.Element) *entry {
	s.evictList.Remove(elem)
	kv := elem.Value.(*entry)
	delete(s.elems, kv.key)
	s.size -= uint64(len(kv.value))
	return kv
}
