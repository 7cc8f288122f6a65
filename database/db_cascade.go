package database

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/buntdb"
)

// CascadeResult lists what a delete removed so the caller can reconcile the
// on-disk key and certificate files after the transaction commits.
type CascadeResult struct {
	Intermediates []string
	CertIds       []int
}

// DeleteCaCascade removes a root, its intermediates, every leaf issued by
// any of them, their revocations, and any CA assignments pointing at the
// deleted ids. Config keys referencing a deleted id are cleared. Everything
// runs in one transaction.
func (d *Database) DeleteCaCascade(id string) (*CascadeResult, error) {
	res := &CascadeResult{}
	err := d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(d.genKey(CaTable, id)); err != nil {
			return fmt.Errorf("ca not found: %s", id)
		}

		issuers := []string{id}
		err := tx.AscendEqual("intermediates_parent", d.getPivot(map[string]string{"parent_id": id}), func(key, val string) bool {
			ic := &Intermediate{}
			if err := json.Unmarshal([]byte(val), ic); err == nil {
				issuers = append(issuers, ic.Id)
				res.Intermediates = append(res.Intermediates, ic.Id)
			}
			return true
		})
		if err != nil {
			return err
		}

		for _, issuer := range issuers {
			ids, err := d.deleteCertsByIssuerTx(tx, issuer)
			if err != nil {
				return err
			}
			res.CertIds = append(res.CertIds, ids...)
			if err := d.deleteAssignmentsByCaTx(tx, issuer); err != nil {
				return err
			}
		}

		for _, inter := range res.Intermediates {
			if _, err := tx.Delete(d.genKey(IntermediateTable, inter)); err != nil {
				return err
			}
		}
		if _, err := tx.Delete(d.genKey(CaTable, id)); err != nil {
			return err
		}

		d.clearConfigIfTx(tx, CfgActiveCaId, id)
		for _, inter := range res.Intermediates {
			d.clearConfigIfTx(tx, CfgActiveAcmeIntermediateId, inter)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteIntermediateCascade removes an intermediate, its leaves and its
// assignments in one transaction.
func (d *Database) DeleteIntermediateCascade(id string) (*CascadeResult, error) {
	res := &CascadeResult{Intermediates: []string{id}}
	err := d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(d.genKey(IntermediateTable, id)); err != nil {
			return fmt.Errorf("intermediate not found: %s", id)
		}

		ids, err := d.deleteCertsByIssuerTx(tx, id)
		if err != nil {
			return err
		}
		res.CertIds = ids

		if err := d.deleteAssignmentsByCaTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Delete(d.genKey(IntermediateTable, id)); err != nil {
			return err
		}
		d.clearConfigIfTx(tx, CfgActiveAcmeIntermediateId, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Database) deleteCertsByIssuerTx(tx *buntdb.Tx, issuerId string) ([]int, error) {
	ids := []int{}
	err := tx.AscendEqual("certs_issuer", d.getPivot(map[string]string{"issuer_id": issuerId}), func(key, val string) bool {
		c := &Cert{}
		if err := json.Unmarshal([]byte(val), c); err == nil {
			ids = append(ids, c.Id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.Delete(d.genIndex(CertTable, id)); err != nil {
			return nil, err
		}
		tx.Delete(d.genIndex(RevocationTable, id))
	}
	return ids, nil
}

func (d *Database) deleteAssignmentsByCaTx(tx *buntdb.Tx, caId string) error {
	ids := []int{}
	err := tx.Ascend("acme_ca_assignments_id", func(key, val string) bool {
		a := &Assignment{}
		if err := json.Unmarshal([]byte(val), a); err == nil && a.CaId == caId {
			ids = append(ids, a.Id)
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.Delete(d.genIndex(AssignmentTable, id)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) clearConfigIfTx(tx *buntdb.Tx, key string, value string) {
	if v, err := tx.Get(d.genKey(ConfigTable, key)); err == nil && v == value {
		tx.Delete(d.genKey(ConfigTable, key))
	}
}
