package storage

// KeeperCount returns the number of running lease keepers.
func (s *RedisStore) KeeperCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keepers)
}
