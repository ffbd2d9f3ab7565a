package logstore

import (
	"errors"
	"fmt"
	"log/slog"
)

// Shutdown stops the serializer. It waits for running operations and for
// every outstanding token to be released, then closes the store.
//
// Calling Shutdown twice returns [ErrClosed].
func (s *Serializer) Shutdown() error {
	s.mu.Lock()

	if s.state != stateReady {
		st := s.state
		s.mu.Unlock()

		return fmt.Errorf("shutdown while %s: %w", st, ErrClosed)
	}

	s.state = stateShuttingDown
	s.dbm.DisableGC()

	for s.inflight > 0 {
		s.idle.Wait()
	}

	if n := s.tokens.CountLocked(); n > 0 {
		s.log.Debug("shutdown waiting for tokens", slog.Int("tokens", n))
	}

	s.tokens.WaitZeroLocked()
	s.tokens.CloseLocked()
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	if err := s.commitPendingLocked(); err != nil {
		errs = append(errs, err)
	}

	s.dbm.Shutdown()
	s.lba.Close()

	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	if err := s.lock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("releasing lock: %w", err))
	}

	s.state = stateShutDown
	s.log.Info("store closed")

	return errors.Join(errs...)
}

// commitPendingLocked writes a final metablock when the last token releases
// emptied extents, so they are freed by a durable transaction. The active
// extent named by the previous metablock may be among them.
func (s *Serializer) commitPendingLocked() error {
	if !s.dbm.HasPending() || s.failed.Load() {
		return nil
	}

	if err := s.migrateFormat(); err != nil {
		s.failLocked(err)

		return fmt.Errorf("final commit: %w", err)
	}

	txn := s.em.BeginTxn()
	s.dbm.DrainPending(txn)

	if err := s.lba.Sync(); err != nil {
		s.failLocked(err)

		return fmt.Errorf("final commit: %w", err)
	}

	payload := metaPayload{
		extents: s.em.PrepareMixin(),
		data:    s.dbm.PrepareMixin(),
		lba:     s.lba.PrepareMixin(),
	}

	version, err := s.mb.WriteMetablock(payload.encode())
	if err != nil {
		s.failLocked(err)

		return fmt.Errorf("final commit: %w", err)
	}

	s.em.CommitTxn(txn)
	s.stats.MetablockWrites.Add(1)

	s.log.Debug("pending extents committed at shutdown", slog.Uint64("version", version))

	return nil
}
