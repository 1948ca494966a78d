// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncmgr is the single global coordination point between writers,
// units, read zones and service operations: instead of one mutex guarding
// every operation, a four-class admission table.
// A writer may nest inside itself (a unit opening a nested unit), a read
// zone may run inside the unit that opened it, and a handful of
// maintenance operations sit at different exclusion levels between a pure
// read and a full writer.
//
// Go has no notion of "the calling thread" the way the table's nesting
// rule needs; callers supply an owner token (any comparable value, such as
// the *Unit or *Database pointer that represents one logical chain of
// nested acquisitions) and the manager uses token identity in its place.
package syncmgr

import "sync"

// Manager enforces exclusion between writers, units, read zones and
// service operations.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	shutdown bool

	writerOwner interface{} // non-nil while a writer-in-unit or kamikaze write holds the writer role
	writerNest  int

	readZoneOwners map[interface{}]int // owner -> nesting depth of read zones it holds
	readZones      int                 // total concurrently open read zones, across all owners

	l0Count   int
	l23Active bool

	nextTicket, nextServe uint64
}

// New returns a Manager admitting everything until Shutdown is called.
func New() *Manager {
	m := &Manager{readZoneOwners: make(map[interface{}]int)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Release is returned by every Acquire* method. It is idempotent: calling
// it more than once has no effect after the first call.
type Release func()

// AcquireWriter admits a writer-in-unit. owner identifies the calling
// unit's nesting chain: a second call with the same owner (a nested unit
// opened from within its parent) is admitted immediately, incrementing a
// nesting counter instead of re-queuing. A fresh owner queues FIFO behind
// any writer, kamikaze write, or L2/L3 service op already holding or ahead
// in line, and waits for every open read zone to close.
func (m *Manager) AcquireWriter(owner interface{}) (Release, error) {
	m.mu.Lock()

	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShutdown{}
	}
	if m.writerOwner == owner && owner != nil {
		m.writerNest++
		m.mu.Unlock()
		return m.writerRelease(owner), nil
	}
	if m.readZoneOwners[owner] > 0 {
		m.mu.Unlock()
		return nil, ErrWriterInReadZone{}
	}

	ticket := m.nextTicket
	m.nextTicket++
	for {
		if m.shutdown {
			if ticket == m.nextServe {
				m.nextServe++
				m.cond.Broadcast()
			}
			m.mu.Unlock()
			return nil, ErrShutdown{}
		}
		if ticket == m.nextServe && m.writerOwner == nil && m.readZones == 0 && !m.l23Active {
			break
		}
		m.cond.Wait()
	}
	m.writerOwner = owner
	m.writerNest = 1
	m.nextServe++
	m.cond.Broadcast()
	m.mu.Unlock()
	return m.writerRelease(owner), nil
}

func (m *Manager) writerRelease(owner interface{}) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.writerNest--
			if m.writerNest == 0 {
				m.writerOwner = nil
			}
			m.cond.Broadcast()
			m.mu.Unlock()
		})
	}
}

// AcquireKamikaze admits a kamikaze write: a writer-class operation with a
// fresh, never-reentrant owner, since a kamikaze write admits no nesting.
func (m *Manager) AcquireKamikaze() (Release, error) {
	return m.AcquireWriter(new(kamikazeToken))
}

type kamikazeToken struct{}

// AcquireReadZone admits a read zone. If owner already holds the writer
// role (the unit it is nested inside), the read zone is admitted
// immediately with no further exclusion: the read zone's scope is then
// nested entirely within the unit. Otherwise it waits for the writer
// role and any active L2/L3 service op to be free, then runs concurrently
// with any other read zone.
func (m *Manager) AcquireReadZone(owner interface{}) (Release, error) {
	m.mu.Lock()
	if m.writerOwner != nil && m.writerOwner == owner {
		if m.shutdown {
			m.mu.Unlock()
			return nil, ErrShutdown{}
		}
		m.readZoneOwners[owner]++
		m.readZones++
		m.mu.Unlock()
		return m.readZoneRelease(owner), nil
	}
	for {
		if m.shutdown {
			m.mu.Unlock()
			return nil, ErrShutdown{}
		}
		if m.writerOwner == nil && !m.l23Active {
			break
		}
		m.cond.Wait()
	}
	m.readZoneOwners[owner]++
	m.readZones++
	m.mu.Unlock()
	return m.readZoneRelease(owner), nil
}

func (m *Manager) readZoneRelease(owner interface{}) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.readZoneOwners[owner]--
			if m.readZoneOwners[owner] == 0 {
				delete(m.readZoneOwners, owner)
			}
			m.readZones--
			m.cond.Broadcast()
			m.mu.Unlock()
		})
	}
}

// AcquireServiceL0 admits an operation that runs alongside everything
// except an active L2/L3 service op.
func (m *Manager) AcquireServiceL0() (Release, error) {
	m.mu.Lock()
	for {
		if m.shutdown {
			m.mu.Unlock()
			return nil, ErrShutdown{}
		}
		if !m.l23Active {
			break
		}
		m.cond.Wait()
	}
	m.l0Count++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.l0Count--
			m.cond.Broadcast()
			m.mu.Unlock()
		})
	}, nil
}

// AcquireServiceL1 admits a service op that runs within an implicit read
// zone: it excludes writers and is excluded by them, and
// admits alongside any other read zone, which is exactly a read zone's
// admission profile under a fresh owner token.
func (m *Manager) AcquireServiceL1() (Release, error) {
	return m.AcquireReadZone(new(serviceToken))
}

type serviceToken struct{}

// AcquireServiceL2L3 admits a service op that excludes every other class,
// including other L0/L1 operations, and waits for all of them to drain
// first.
func (m *Manager) AcquireServiceL2L3() (Release, error) {
	m.mu.Lock()
	for {
		if m.shutdown {
			m.mu.Unlock()
			return nil, ErrShutdown{}
		}
		if m.writerOwner == nil && m.readZones == 0 && m.l0Count == 0 && !m.l23Active {
			break
		}
		m.cond.Wait()
	}
	m.l23Active = true
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.l23Active = false
			m.cond.Broadcast()
			m.mu.Unlock()
		})
	}, nil
}

// Shutdown puts the manager into the shutdown state: every subsequent
// Acquire* call fails with ErrShutdown, including calls already blocked
// waiting for admission.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// ErrShutdown reports that the manager has been shut down.
type ErrShutdown struct{}

func (ErrShutdown) Error() string { return "syncmgr: database is shutting down" }

// ErrWriterInReadZone reports an attempt to start a writer from a thread
// that currently holds a read zone.
type ErrWriterInReadZone struct{}

func (ErrWriterInReadZone) Error() string {
	return "syncmgr: cannot start a writer while the calling unit holds a read zone"
}
