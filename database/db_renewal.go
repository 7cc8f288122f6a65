package database

import (
	"encoding/json"
	"time"

	"github.com/tidwall/buntdb"
)

const RenewalTable = "renewals"

// Renewal rows are an append-only audit trail used for statistics.
type Renewal struct {
	Id        string `json:"id"`
	RenewedAt string `json:"renewed_at"`
}

func (d *Database) renewalsInit() {
	d.db.CreateIndex("renewals_id", RenewalTable+":*", buntdb.IndexJSON("id"))
}

func (d *Database) CreateRenewal(id string) (*Renewal, error) {
	r := &Renewal{
		Id:        id,
		RenewedAt: time.Now().UTC().Format(time.RFC3339),
	}
	jf, _ := json.Marshal(r)

	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(RenewalTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Database) ListRenewals() ([]*Renewal, error) {
	rens := []*Renewal{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("renewals_id", func(key, val string) bool {
			r := &Renewal{}
			if err := json.Unmarshal([]byte(val), r); err == nil {
				rens = append(rens, r)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rens, nil
}
