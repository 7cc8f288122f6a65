package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const AssignmentTable = "acme_ca_assignments"

// Assignment routes finalize-time issuance for a domain pattern to a
// specific signer id.
type Assignment struct {
	Id        int    `json:"id"`
	Pattern   string `json:"pattern"`
	CaId      string `json:"ca_id"`
	CreatedAt string `json:"created_at"`
}

func (d *Database) assignmentsInit() {
	d.db.CreateIndex("acme_ca_assignments_id", AssignmentTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("acme_ca_assignments_pattern", AssignmentTable+":*", buntdb.IndexJSON("pattern"))
}

func (d *Database) CreateAssignment(pattern string, caId string) (*Assignment, error) {
	if _, err := d.GetAssignmentByPattern(pattern); err == nil {
		return nil, fmt.Errorf("pattern already assigned: %s", pattern)
	}

	id, err := d.getNextId(AssignmentTable)
	if err != nil {
		return nil, err
	}

	a := &Assignment{
		Id:        id,
		Pattern:   pattern,
		CaId:      caId,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	jf, _ := json.Marshal(a)

	err = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex(AssignmentTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Database) GetAssignmentByPattern(pattern string) (*Assignment, error) {
	a := &Assignment{}
	found := false
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("acme_ca_assignments_pattern", d.getPivot(map[string]string{"pattern": pattern}), func(key, val string) bool {
			if err := json.Unmarshal([]byte(val), a); err == nil {
				found = true
			}
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("assignment not found: %s", pattern)
	}
	return a, nil
}

// ListAssignments returns rows in insertion order; callers rely on that
// order to break wildcard ties.
func (d *Database) ListAssignments() ([]*Assignment, error) {
	assignments := []*Assignment{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("acme_ca_assignments_id", func(key, val string) bool {
			a := &Assignment{}
			if err := json.Unmarshal([]byte(val), a); err == nil {
				assignments = append(assignments, a)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (d *Database) DeleteAssignment(id int) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(d.genIndex(AssignmentTable, id)); err != nil {
			return fmt.Errorf("assignment not found: %d", id)
		}
		return nil
	})
}
