package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const IntermediateTable = "intermediates"

type Intermediate struct {
	Id         string `json:"id"`
	ParentId   string `json:"parent_id"`
	Name       string `json:"name"`
	CommonName string `json:"common_name"`
	NotAfter   string `json:"not_after"`
	CreatedAt  string `json:"created_at"`
}

func (d *Database) intermediatesInit() {
	d.db.CreateIndex("intermediates_id", IntermediateTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("intermediates_parent", IntermediateTable+":*", buntdb.IndexJSON("parent_id"))
}

func (d *Database) CreateIntermediate(id string, parentId string, name string, commonName string, notAfter string) (*Intermediate, error) {
	if _, err := d.GetIntermediate(id); err == nil {
		return nil, fmt.Errorf("intermediate already exists: %s", id)
	}

	c := &Intermediate{
		Id:         id,
		ParentId:   parentId,
		Name:       name,
		CommonName: commonName,
		NotAfter:   notAfter,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	jf, _ := json.Marshal(c)

	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(IntermediateTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Database) ListIntermediates() ([]*Intermediate, error) {
	ics := []*Intermediate{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("intermediates_id", func(key, val string) bool {
			c := &Intermediate{}
			if err := json.Unmarshal([]byte(val), c); err == nil {
				ics = append(ics, c)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ics, nil
}

func (d *Database) ListIntermediatesByParent(parentId string) ([]*Intermediate, error) {
	ics := []*Intermediate{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("intermediates_parent", d.getPivot(map[string]string{"parent_id": parentId}), func(key, val string) bool {
			c := &Intermediate{}
			if err := json.Unmarshal([]byte(val), c); err == nil {
				ics = append(ics, c)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return ics, nil
}

func (d *Database) GetIntermediate(id string) (*Intermediate, error) {
	c := &Intermediate{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genKey(IntermediateTable, id))
		if err != nil {
			return fmt.Errorf("intermediate not found: %s", id)
		}
		return json.Unmarshal([]byte(val), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
