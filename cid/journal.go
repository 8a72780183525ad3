// Journal is an optional durable audit log of context-id allocations and
// releases, for operators who want allocator history to survive a process
// restart. Built on github.com/tidwall/buntdb, wired here on its
// documented transaction API (db.Update/tx.Set).
package cid

import (
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/aiscoll/errs"
)

// Journal records every Clear/Release against a bitmap bit, keyed by a
// monotonic sequence so a reader can reconstruct allocation history in
// order.
type Journal struct {
	db  *buntdb.DB
	seq int64
}

// OpenJournal opens (or creates) a buntdb-backed journal at path. Pass ":memory:"
// for an ephemeral, process-local journal -- useful for tests and for
// collctl's simulated cluster, which has no meaningful disk location.
func OpenJournal(path string) (*Journal, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArg, "open context-id journal", err)
	}
	// Continue the sequence after any entries already on disk, so a reopened
	// journal appends instead of overwriting from entry 1.
	var n int
	if err := db.View(func(tx *buntdb.Tx) error {
		var lerr error
		n, lerr = tx.Len()
		return lerr
	}); err != nil {
		return nil, errs.Wrap(errs.InvalidArg, "read context-id journal", err)
	}
	return &Journal{db: db, seq: int64(n)}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return errs.Wrap(errs.InvalidArg, "close context-id journal", err)
	}
	return nil
}

// RecordClear appends a "clear" entry for id -- called once the
// AND-reduction has elected id as a new group's context id.
func (j *Journal) RecordClear(id int) error {
	return j.append("clear", id)
}

// RecordRelease appends a "release" entry for id -- called at group
// teardown (group.Group.Close).
func (j *Journal) RecordRelease(id int) error {
	return j.append("release", id)
}

func (j *Journal) append(verb string, id int) error {
	j.seq++
	key := "entry:" + pad(j.seq)
	val := verb + " " + strconv.Itoa(id) + " " + time.Now().UTC().Format(time.RFC3339Nano)
	err := j.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, val, nil)
		return err
	})
	if err != nil {
		return errs.Wrap(errs.InvalidArg, "append to context-id journal", err)
	}
	return nil
}

// Entries returns every journal entry in insertion order, as raw "verb id
// timestamp" strings -- introspection only, not reparsed by the allocator
// itself.
func (j *Journal) Entries() ([]string, error) {
	var out []string
	err := j.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(_, value string) bool {
			out = append(out, value)
			return true
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArg, "read context-id journal", err)
	}
	return out, nil
}

// pad left-pads seq with zeros so buntdb's lexicographic Ascend order
// matches insertion order up to 10^12 entries.
func pad(seq int64) string {
	s := strconv.FormatInt(seq, 10)
	for len(s) < 12 {
		s = "0" + s
	}
	return s
}
