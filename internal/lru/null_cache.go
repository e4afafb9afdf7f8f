package lru

// NullCache is used when record caching is disabled.
type NullCache struct{}

var _ RecordCache = NullCache{}

func (NullCache) Get(string) ([]byte, bool) { return nil, false }

func (NullCache) Add(string, []byte) bool { return false }

func (NullCache) Remove(string) {}

func (NullCache) Purge() {}

func (NullCache) Len() int { return 0 }
