// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"context"
	"sync"

	"github.com/cznic/acdp/recorder"
	"github.com/cznic/acdp/syncmgr"
)

// ownerToken identifies one chain of nested Units to the syncmgr: a fresh
// token per top-level Unit (or kamikaze write), reused unchanged by every
// Unit nested under it, so syncmgr.Manager.AcquireWriter recognises a
// nested Begin as the same logical writer instead of queuing it behind
// itself. Go has no public goroutine-identity API, so token identity --
// not thread introspection -- is what ties a chain of nested scopes to
// their logical owner.
type ownerToken struct{}

// Unit is a thread-local, nested, monitor-style write scope. It is
// obtained from Database.Begin or from an existing
// Unit's Begin (for nesting) and must be closed exactly once, typically via
// defer u.Close().
type Unit struct {
	db      *Database
	parent  *Unit
	owner   *ownerToken
	release syncmgr.Release
	id      uint64

	mu        sync.Mutex
	recorded  []recorder.Record // every member write's before-image, in append order
	confirmed int               // recorded[:confirmed] is committed-in-this-unit
	closed    bool
	broken    bool
}

// Begin opens a new top-level Unit against db, blocking until the sync
// manager admits a writer. ctx is honoured at the admission boundary only;
// once a Unit is open, its operations are synchronous Go calls with no
// further cancellation point; cancellation is cooperative, through Close
// and Shutdown.
func (db *Database) Begin(ctx context.Context) (*Unit, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	owner := new(ownerToken)
	release, err := acquireWriter(ctx, db.sync, owner)
	if err != nil {
		return nil, err
	}
	return &Unit{db: db, owner: owner, release: release, id: db.nextUnitID()}, nil
}

// Begin opens a nested Unit whose parent is u. The nested Unit shares u's
// owner token, so the sync manager admits it immediately (no re-queuing);
// it must be closed before u itself closes. Its committed writes are handed
// to u as u's own unconfirmed writes, so they survive only if u commits.
func (u *Unit) Begin(ctx context.Context) (*Unit, error) {
	if err := u.checkUsable(); err != nil {
		return nil, err
	}
	release, err := acquireWriter(ctx, u.db.sync, u.owner)
	if err != nil {
		return nil, err
	}
	return &Unit{db: u.db, parent: u, owner: u.owner, release: release, id: u.db.nextUnitID()}, nil
}

func acquireWriter(ctx context.Context, mgr *syncmgr.Manager, owner *ownerToken) (syncmgr.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := mgr.AcquireWriter(owner)
	if err != nil {
		return nil, translateSyncErr(err)
	}
	return release, nil
}

func (u *Unit) checkUsable() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.broken {
		return &BrokenError{}
	}
	if u.closed {
		return &ConcurrencyError{Msg: "unit already closed"}
	}
	return nil
}

// member records one before-image for a write issued while u is the
// active writer: a write executed within u but not within any nested Unit
// of u.
func (u *Unit) member(rec recorder.Record) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.broken || u.closed {
		return &BrokenError{}
	}
	rec.UnitID = u.id
	if _, err := u.db.recorder.Append(rec); err != nil {
		u.broken = true
		return &DurabilityError{Msg: "recorder append failed, unit broken", Cause: err}
	}
	u.recorded = append(u.recorded, rec)
	return nil
}

// Commit promotes every write recorded in u since the last Commit (member
// writes and writes committed-in-u by a now-closed nested Unit) to
// committed-in-u. It may be called any number of times, idempotently (a
// Commit with no intervening writes is a no-op).
func (u *Unit) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.broken {
		return &BrokenError{}
	}
	if u.closed {
		return &ConcurrencyError{Msg: "commit on a closed unit"}
	}
	if u.confirmed == len(u.recorded) {
		return nil
	}
	u.confirmed = len(u.recorded)
	if u.parent == nil && u.db.forceWriteCommit {
		if err := u.db.forceWriteLocked(); err != nil {
			u.broken = true
			u.db.breakLocked(err)
			return &DurabilityError{Msg: "forceWriteCommit failed on commit, unit broken", Cause: err}
		}
		// Every record in the file now belongs to this unit and is
		// confirmed and durable; its pre-images are reclaimable.
		if err := u.db.recorder.TruncateTo(0); err != nil {
			u.broken = true
			u.db.breakLocked(err)
			return &DurabilityError{Msg: "recorder truncate failed on commit, unit broken", Cause: err}
		}
	}
	return nil
}

// Close ends u. Every unconfirmed write -- a member write not yet committed
// in u, or a committed write of a nested Unit of u that itself never
// committed in u -- is rolled back by replaying its before-image in reverse
// temporal order. Writes committed in u are handed
// up to u's parent as its own (still unconfirmed, from the parent's point
// of view) writes; a top-level Unit's committed writes simply remain on
// disk. Close is safe to call more than once; only the first call has any
// effect.
func (u *Unit) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	unconfirmed := append([]recorder.Record(nil), u.recorded[u.confirmed:]...)
	confirmedRecs := append([]recorder.Record(nil), u.recorded[:u.confirmed]...)
	u.mu.Unlock()

	if err := u.db.rollbackRecords(unconfirmed); err != nil {
		u.mu.Lock()
		u.broken = true
		u.mu.Unlock()
		u.db.breakLocked(err)
		u.release()
		return &BrokenError{Cause: err}
	}

	if u.parent != nil && len(confirmedRecs) > 0 {
		u.parent.mu.Lock()
		u.parent.recorded = append(u.parent.recorded, confirmedRecs...)
		u.parent.mu.Unlock()
	}

	// A closing top-level Unit is full quiescence: it still holds the
	// writer monitor, so no other unit exists, and every record left in
	// the recorder file shadows a write that is either confirmed (staying
	// on disk) or was just rolled back. Reclaim the file now; a record
	// surviving here would be replayed as a bogus rollback of committed
	// work on the next Open.
	if u.parent == nil {
		if err := u.db.recorder.TruncateTo(0); err != nil {
			u.mu.Lock()
			u.broken = true
			u.mu.Unlock()
			u.db.breakLocked(err)
			u.release()
			return &BrokenError{Cause: err}
		}
	}

	u.release()
	return nil
}

// Broken reports whether u has transitioned to the broken state: the
// recorder failed to record, a commit was
// interrupted mid-flight, or rollback could not complete. A broken Unit
// refuses further operations.
func (u *Unit) Broken() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.broken
}

// ReadZone is a scope during which all writers are excluded. It is
// obtained from Database.ReadZone or from within an
// open Unit via Unit.ReadZone, and must be closed exactly once.
type ReadZone struct {
	release syncmgr.Release
	once    sync.Once
}

// ReadZone opens a top-level read zone against db.
func (db *Database) ReadZone(ctx context.Context) (*ReadZone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := db.sync.AcquireReadZone(new(ownerToken))
	if err != nil {
		return nil, translateSyncErr(err)
	}
	return &ReadZone{release: release}, nil
}

// ReadZone opens a read zone nested entirely within u, admitted
// immediately since u already holds the writer role for u's owner chain.
func (u *Unit) ReadZone(ctx context.Context) (*ReadZone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := u.checkUsable(); err != nil {
		return nil, err
	}
	release, err := u.db.sync.AcquireReadZone(u.owner)
	if err != nil {
		return nil, translateSyncErr(err)
	}
	return &ReadZone{release: release}, nil
}

// Close releases the read zone. Close is idempotent.
func (z *ReadZone) Close() error {
	z.once.Do(z.release)
	return nil
}

func translateSyncErr(err error) error {
	switch err.(type) {
	case syncmgr.ErrShutdown:
		return &ConcurrencyError{Msg: "database is shutting down"}
	case syncmgr.ErrWriterInReadZone:
		return &ConcurrencyError{Msg: "cannot start a writer while the calling unit holds a read zone"}
	default:
		return err
	}
}
