package logstore

// Test-only access to serializer internals.

// CreateWithFormat creates a store stamped with an older disk format.
func CreateWithFormat(path string, cfg StaticConfig, opts Options, format uint32) error {
	return create(path, cfg, opts, format)
}

// EncodeHeader returns a valid static header for format.
func EncodeHeader(format uint32, extentSize int64) []byte {
	return encodeStaticHeader(staticHeader{format: format, extentSize: extentSize})
}

// SetAfterMetablockWrite installs fn to run after each successful
// metablock write, before the extent transaction commits.
func SetAfterMetablockWrite(s *Serializer, fn func(seq, version uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks.afterMetablockWrite = fn
}

// SetBeforeMetablockWrite installs fn to run before each metablock write.
// An error from fn fails the write as if the file had.
func SetBeforeMetablockWrite(s *Serializer, fn func(seq uint64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks.beforeMetablockWrite = fn
}

// QueuedCommits returns how many index writes have entered the commit queue.
func QueuedCommits(s *Serializer) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mbSeq
}

// FileSize returns the current size of the store file.
func FileSize(s *Serializer) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.file.Stat()
	if err != nil {
		return -1
	}

	return info.Size()
}

// CheckInvariants verifies extent manager bookkeeping.
func CheckInvariants(s *Serializer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.em.CheckInvariants()
}

// IsLive reports the liveness bits of the block at offset.
func IsLive(s *Serializer, offset int64) (index, token bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dbm.IsLive(offset)
}

// Abandon stops background work without touching the file. Used after a
// simulated crash closed every handle.
func Abandon(s *Serializer) {
	s.mu.Lock()
	s.state = stateShutDown
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone
}
