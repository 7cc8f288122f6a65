package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const CaTable = "cas"

type CA struct {
	Id         string `json:"id"`
	Name       string `json:"name"`
	CommonName string `json:"common_name"`
	NotAfter   string `json:"not_after"`
	CreatedAt  string `json:"created_at"`
}

func (d *Database) casInit() {
	d.db.CreateIndex("cas_id", CaTable+":*", buntdb.IndexJSON("id"))
}

func (d *Database) CreateCA(id string, name string, commonName string, notAfter string) (*CA, error) {
	if _, err := d.GetCA(id); err == nil {
		return nil, fmt.Errorf("ca already exists: %s", id)
	}

	c := &CA{
		Id:         id,
		Name:       name,
		CommonName: commonName,
		NotAfter:   notAfter,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	jf, _ := json.Marshal(c)

	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(CaTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Database) ListCAs() ([]*CA, error) {
	cas := []*CA{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("cas_id", func(key, val string) bool {
			c := &CA{}
			if err := json.Unmarshal([]byte(val), c); err == nil {
				cas = append(cas, c)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cas, nil
}

func (d *Database) GetCA(id string) (*CA, error) {
	c := &CA{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genKey(CaTable, id))
		if err != nil {
			return fmt.Errorf("ca not found: %s", id)
		}
		return json.Unmarshal([]byte(val), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
