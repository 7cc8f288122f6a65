package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const CertTable = "certs"

type Cert struct {
	Id        int    `json:"id"`
	Domain    string `json:"domain"`
	NotAfter  string `json:"not_after"`
	CreatedAt string `json:"created_at"`
	Pem       string `json:"pem"`
	IssuerId  string `json:"issuer_id"`
	IsAcme    bool   `json:"is_acme"`
	IsEv      bool   `json:"is_ev"`
	PolicyOid string `json:"policy_oid,omitempty"`
}

func (d *Database) certsInit() {
	d.db.CreateIndex("certs_id", CertTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("certs_issuer", CertTable+":*", buntdb.IndexJSON("issuer_id"))
}

// CreateCert inserts the row and invokes post with the assigned id inside
// the same transaction. A post error rolls the insert back; this is how the
// key file write and the row stay consistent.
func (d *Database) CreateCert(c *Cert, post func(id int) error) (int, error) {
	var id int
	err := d.db.Update(func(tx *buntdb.Tx) error {
		var err error
		id, err = d.nextIdTx(tx, CertTable)
		if err != nil {
			return err
		}
		c.Id = id
		if c.CreatedAt == "" {
			c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		}
		jf, _ := json.Marshal(c)
		if _, _, err = tx.Set(d.genIndex(CertTable, id), string(jf), nil); err != nil {
			return err
		}
		if post != nil {
			return post(id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RenewCert revokes the old leaf, appends the renewal audit row and inserts
// the replacement, all in one transaction. post runs last with the new id.
func (d *Database) RenewCert(oldId int, renewalId string, c *Cert, post func(id int) error) (int, error) {
	var id int
	now := time.Now().UTC().Format(time.RFC3339)
	err := d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(d.genIndex(RevocationTable, oldId)); err == nil {
			return fmt.Errorf("already revoked: %d", oldId)
		}
		rev := &Revocation{CertId: oldId, RevokedAt: now}
		jr, _ := json.Marshal(rev)
		if _, _, err := tx.Set(d.genIndex(RevocationTable, oldId), string(jr), nil); err != nil {
			return err
		}

		ren := &Renewal{Id: renewalId, RenewedAt: now}
		jn, _ := json.Marshal(ren)
		if _, _, err := tx.Set(d.genKey(RenewalTable, renewalId), string(jn), nil); err != nil {
			return err
		}

		var err error
		id, err = d.nextIdTx(tx, CertTable)
		if err != nil {
			return err
		}
		c.Id = id
		c.CreatedAt = now
		jf, _ := json.Marshal(c)
		if _, _, err = tx.Set(d.genIndex(CertTable, id), string(jf), nil); err != nil {
			return err
		}
		if post != nil {
			return post(id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (d *Database) ListCerts() ([]*Cert, error) {
	certs := []*Cert{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("certs_id", func(key, val string) bool {
			c := &Cert{}
			if err := json.Unmarshal([]byte(val), c); err == nil {
				certs = append(certs, c)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return certs, nil
}

func (d *Database) ListCertsByIssuer(issuerId string) ([]*Cert, error) {
	certs := []*Cert{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("certs_issuer", d.getPivot(map[string]string{"issuer_id": issuerId}), func(key, val string) bool {
			c := &Cert{}
			if err := json.Unmarshal([]byte(val), c); err == nil {
				certs = append(certs, c)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return certs, nil
}

func (d *Database) GetCertById(id int) (*Cert, error) {
	c := &Cert{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genIndex(CertTable, id))
		if err != nil {
			return fmt.Errorf("certificate not found: %d", id)
		}
		return json.Unmarshal([]byte(val), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCert removes the row and its revocation record, if any.
func (d *Database) DeleteCert(id int) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(d.genIndex(CertTable, id)); err != nil {
			return fmt.Errorf("certificate not found: %d", id)
		}
		tx.Delete(d.genIndex(RevocationTable, id))
		return nil
	})
}
