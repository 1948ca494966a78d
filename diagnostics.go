// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"fmt"
	"log"
	"os"

	"github.com/cznic/acdp/codec"
)

// Logger receives structured lifecycle and slow-path diagnostics: opens,
// recorder recoveries, compactions and broken-database transitions. It is
// deliberately narrow (one
// variadic method) so any existing *log.Logger, or a caller's own adapter,
// satisfies it without a wrapper.
type Logger interface {
	Printf(format string, args ...interface{})
}

// WithLogger installs l as the Database's diagnostics sink. The default,
// when no WithLogger option is given, is a *log.Logger writing to stderr
// with the "acdp: " prefix.
func WithLogger(l Logger) Option { return func(c *dbConfig) { c.logger = l } }

func defaultLogger() Logger {
	return log.New(os.Stderr, "acdp: ", log.LstdFlags)
}

// logf is a no-op-safe wrapper: Database.logger is always non-nil once
// openPrepared has run (applyOptions installs the default), but tests that
// construct a bare Database directly should not panic.
func (db *Database) logf(format string, args ...interface{}) {
	if db == nil || db.logger == nil {
		return
	}
	db.logger.Printf(format, args...)
}

// VerifyReport is the result of Database.Verify, a structural consistency
// sweep: it checks that every row's stored refcount equals the number of
// live inbound references. Gaps are counted from the per-slot gap
// sentinel; the FL free list is not compared against it.
type VerifyReport struct {
	Tables []TableVerifyReport
	Clean  bool
}

// TableVerifyReport is one table's share of a VerifyReport.
type TableVerifyReport struct {
	Table          string
	LiveRows       int
	Gaps           int
	RefcountErrors []RefcountMismatch
}

// RefcountMismatch reports one row whose stored refcount header disagrees
// with the number of live inbound references this Verify pass actually
// counted.
type RefcountMismatch struct {
	Table  string
	Ref    Ref
	Stored int64
	Actual int64
}

// Verify walks every table counting live rows, gaps and actual inbound
// reference counts, and compares the latter against each row's stored
// refcount header. It runs
// within an implicit read zone (AcquireServiceL1), so it observes a
// consistent snapshot with respect to any writer, but is itself read-only
// and does not mutate any table's on-disk or cached state.
func (db *Database) Verify() (*VerifyReport, error) {
	release, err := db.sync.AcquireServiceL1()
	if err != nil {
		return nil, translateSyncErr(err)
	}
	defer release()

	actual := make(map[string]map[int64]int64, len(db.tableOrder))
	for _, name := range db.tableOrder {
		actual[name] = make(map[int64]int64)
	}

	report := &VerifyReport{Clean: true}
	for _, name := range db.tableOrder {
		t := db.tables[name]
		tr := TableVerifyReport{Table: name}
		high := t.fl.High()
		for slot := int64(1); slot <= high; slot++ {
			gap, err := t.fl.IsGap(slot)
			if err != nil {
				return nil, err
			}
			if gap {
				tr.Gaps++
				continue
			}
			tr.LiveRows++
			payload, err := t.fl.Get(slot)
			if err != nil {
				return nil, err
			}
			values, err := t.decodeRow(payload)
			if err != nil {
				return nil, err
			}
			for i, v := range values {
				col := t.columns[i]
				switch col.Kind {
				case codec.KindRef:
					if !v.IsNull() && v.RefVal() != 0 {
						actual[col.RefdTable][v.RefVal()]++
					}
				case codec.KindRefArray:
					if !v.IsNull() {
						for _, r := range v.Refs() {
							if r != 0 {
								actual[col.RefdTable][r]++
							}
						}
					}
				}
			}
		}
		report.Tables = append(report.Tables, tr)
	}

	for i, name := range db.tableOrder {
		t := db.tables[name]
		if t.refCountWidth == 0 {
			continue
		}
		high := t.fl.High()
		for slot := int64(1); slot <= high; slot++ {
			gap, err := t.fl.IsGap(slot)
			if err != nil {
				return nil, err
			}
			if gap {
				continue
			}
			payload, err := t.fl.Get(slot)
			if err != nil {
				return nil, err
			}
			stored := extractRefcount(payload, t.refCountWidth)
			got := actual[name][slot]
			if stored != got {
				report.Clean = false
				report.Tables[i].RefcountErrors = append(report.Tables[i].RefcountErrors, RefcountMismatch{
					Table: name, Ref: Ref(slot), Stored: stored, Actual: got,
				})
			}
		}
	}

	db.logf("verify: %d table(s), clean=%v", len(report.Tables), report.Clean)
	return report, nil
}

func (r *VerifyReport) String() string {
	n := 0
	for _, tr := range r.Tables {
		n += len(tr.RefcountErrors)
	}
	return fmt.Sprintf("VerifyReport{tables=%d, clean=%v, refcountErrors=%d}", len(r.Tables), r.Clean, n)
}
