package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// compileCache holds compiled programs keyed by (strategy, model, program
// hash). The hash keeps a stale compilation from surviving a program edit
// or an LLM regeneration.
type compileCache struct {
	mu    sync.RWMutex
	cache map[string]*Program
}

func newCompileCache() *compileCache {
	return &compileCache{cache: make(map[string]*Program)}
}

func cacheKey(strategyID, modelID, programText string) string {
	sum := sha256.Sum256([]byte(programText))
	return strategyID + ":" + modelID + ":" + hex.EncodeToString(sum[:8])
}

// get returns the cached compilation, compiling and caching on miss.
func (cc *compileCache) get(strategyID, modelID, programText string) (*Program, error) {
	key := cacheKey(strategyID, modelID, programText)

	cc.mu.RLock()
	prog, ok := cc.cache[key]
	cc.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := Compile(programText)
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	cc.cache[key] = prog
	cc.mu.Unlock()
	return prog, nil
}

// invalidate drops all cached compilations for a strategy.
func (cc *compileCache) invalidate(strategyID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	prefix := strategyID + ":"
	for key := range cc.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(cc.cache, key)
		}
	}
}
