package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const (
	AuthzTable     = "acme_authzs"
	ChallengeTable = "acme_challenges"
)

type Authz struct {
	Id         string     `json:"id"`
	OrderId    string     `json:"order_id"`
	Identifier Identifier `json:"identifier"`
	Status     string     `json:"status"`
	CreatedAt  string     `json:"created_at"`
}

type Challenge struct {
	Id         string `json:"id"`
	AuthzId    string `json:"authz_id"`
	Type       string `json:"type"`
	Token      string `json:"token"`
	KeyAuth    string `json:"key_auth"`
	Status     string `json:"status"`
	AcceptedAt string `json:"accepted_at,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func (d *Database) authzsInit() {
	d.db.CreateIndex("acme_authzs_id", AuthzTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("acme_authzs_order", AuthzTable+":*", buntdb.IndexJSON("order_id"))
}

func (d *Database) challengesInit() {
	d.db.CreateIndex("acme_challenges_id", ChallengeTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("acme_challenges_authz", ChallengeTable+":*", buntdb.IndexJSON("authz_id"))
	d.db.CreateIndex("acme_challenges_token", ChallengeTable+":*", buntdb.IndexJSON("token"))
}

func (d *Database) CreateAcmeAuthz(a *Authz) error {
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	jf, _ := json.Marshal(a)
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(AuthzTable, a.Id), string(jf), nil)
		return err
	})
}

func (d *Database) GetAcmeAuthz(id string) (*Authz, error) {
	a := &Authz{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genKey(AuthzTable, id))
		if err != nil {
			return fmt.Errorf("authorization not found: %s", id)
		}
		return json.Unmarshal([]byte(val), a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Database) UpdateAcmeAuthz(a *Authz) error {
	jf, _ := json.Marshal(a)
	return d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(d.genKey(AuthzTable, a.Id)); err != nil {
			return fmt.Errorf("authorization not found: %s", a.Id)
		}
		_, _, err := tx.Set(d.genKey(AuthzTable, a.Id), string(jf), nil)
		return err
	})
}

func (d *Database) ListAuthzsByOrder(orderId string) ([]*Authz, error) {
	authzs := []*Authz{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("acme_authzs_order", d.getPivot(map[string]string{"order_id": orderId}), func(key, val string) bool {
			a := &Authz{}
			if err := json.Unmarshal([]byte(val), a); err == nil {
				authzs = append(authzs, a)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return authzs, nil
}

func (d *Database) CreateAcmeChallenge(c *Challenge) error {
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	jf, _ := json.Marshal(c)
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(ChallengeTable, c.Id), string(jf), nil)
		return err
	})
}

func (d *Database) GetAcmeChallenge(id string) (*Challenge, error) {
	c := &Challenge{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genKey(ChallengeTable, id))
		if err != nil {
			return fmt.Errorf("challenge not found: %s", id)
		}
		return json.Unmarshal([]byte(val), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Database) GetAcmeChallengeByToken(token string) (*Challenge, error) {
	c := &Challenge{}
	found := false
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("acme_challenges_token", d.getPivot(map[string]string{"token": token}), func(key, val string) bool {
			if err := json.Unmarshal([]byte(val), c); err == nil {
				found = true
			}
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("challenge token not found: %s", token)
	}
	return c, nil
}

func (d *Database) UpdateAcmeChallenge(c *Challenge) error {
	jf, _ := json.Marshal(c)
	return d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(d.genKey(ChallengeTable, c.Id)); err != nil {
			return fmt.Errorf("challenge not found: %s", c.Id)
		}
		_, _, err := tx.Set(d.genKey(ChallengeTable, c.Id), string(jf), nil)
		return err
	})
}

func (d *Database) ListChallengesByAuthz(authzId string) ([]*Challenge, error) {
	chs := []*Challenge{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("acme_challenges_authz", d.getPivot(map[string]string{"authz_id": authzId}), func(key, val string) bool {
			c := &Challenge{}
			if err := json.Unmarshal([]byte(val), c); err == nil {
				chs = append(chs, c)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return chs, nil
}

func (d *Database) ListAcmeChallenges() ([]*Challenge, error) {
	chs := []*Challenge{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("acme_challenges_id", func(key, val string) bool {
			c := &Challenge{}
			if err := json.Unmarshal([]byte(val), c); err == nil {
				chs = append(chs, c)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chs, nil
}
