package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const RevocationTable = "revocations"

type Revocation struct {
	CertId    int    `json:"cert_id"`
	RevokedAt string `json:"revoked_at"`
}

func (d *Database) revocationsInit() {
	d.db.CreateIndex("revocations_cert", RevocationTable+":*", buntdb.IndexJSON("cert_id"))
}

// CreateRevocation is terminal per leaf: a second call fails.
func (d *Database) CreateRevocation(certId int) (*Revocation, error) {
	r := &Revocation{
		CertId:    certId,
		RevokedAt: time.Now().UTC().Format(time.RFC3339),
	}
	jf, _ := json.Marshal(r)

	err := d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(d.genIndex(RevocationTable, certId)); err == nil {
			return fmt.Errorf("already revoked: %d", certId)
		}
		_, _, err := tx.Set(d.genIndex(RevocationTable, certId), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Database) GetRevocation(certId int) (*Revocation, error) {
	r := &Revocation{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genIndex(RevocationTable, certId))
		if err != nil {
			return fmt.Errorf("revocation not found: %d", certId)
		}
		return json.Unmarshal([]byte(val), r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Database) IsRevoked(certId int) bool {
	_, err := d.GetRevocation(certId)
	return err == nil
}

func (d *Database) ListRevocations() ([]*Revocation, error) {
	revs := []*Revocation{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("revocations_cert", func(key, val string) bool {
			r := &Revocation{}
			if err := json.Unmarshal([]byte(val), r); err == nil {
				revs = append(revs, r)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revs, nil
}
