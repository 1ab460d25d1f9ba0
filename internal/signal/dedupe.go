package signal

import lru "github.com/hashicorp/golang-lru/v2"

// Dedupe remembers the last N message ids so a redelivered message can be
// dropped.
type Dedupe struct {
	seen *lru.Cache[string, struct{}]
}

func NewDedupe(size int) *Dedupe {
	if size <= 0 {
		size = 1024
	}
	// New only fails for a non-positive size.
	seen, _ := lru.New[string, struct{}](size)
	return &Dedupe{seen: seen}
}

// Seen records id and reports whether it had been recorded before.
// Messages without an id are never considered duplicates.
func (d *Dedupe) Seen(id string) bool {
	if id == "" {
		return false
	}
	ok, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return ok
}
