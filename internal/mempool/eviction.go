package mempool

// Evict removes transactions whose timestamp is older than the policy's
// MaxAge relative to now (microseconds). Returns the number removed.
func (p *Pool) Evict(now int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.policy == nil || p.policy.MaxAge <= 0 {
		return 0
	}
	cutoff := now - p.policy.MaxAge.Microseconds()

	evicted := 0
	for h, e := range p.txs {
		if e.tx.Timestamp < cutoff {
			delete(p.txs, h)
			evicted++
		}
	}
	return evicted
}
