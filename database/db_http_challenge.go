package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const HttpChallengeTable = "http_challenges"

// HttpChallenge is the manually managed token table. The well-known handler
// consults it before the ACME challenge table.
type HttpChallenge struct {
	Id        int    `json:"id"`
	Token     string `json:"token"`
	KeyAuth   string `json:"key_auth"`
	CreatedAt string `json:"created_at"`
}

func (d *Database) httpChallengesInit() {
	d.db.CreateIndex("http_challenges_id", HttpChallengeTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("http_challenges_token", HttpChallengeTable+":*", buntdb.IndexJSON("token"))
}

func (d *Database) CreateHttpChallenge(token string, keyAuth string) (*HttpChallenge, error) {
	if _, err := d.GetHttpChallengeByToken(token); err == nil {
		return nil, fmt.Errorf("token already exists: %s", token)
	}

	id, err := d.getNextId(HttpChallengeTable)
	if err != nil {
		return nil, err
	}

	c := &HttpChallenge{
		Id:        id,
		Token:     token,
		KeyAuth:   keyAuth,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	jf, _ := json.Marshal(c)

	err = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex(HttpChallengeTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Database) GetHttpChallengeByToken(token string) (*HttpChallenge, error) {
	c := &HttpChallenge{}
	found := false
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("http_challenges_token", d.getPivot(map[string]string{"token": token}), func(key, val string) bool {
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
		return nil, fmt.Errorf("token not found: %s", token)
	}
	return c, nil
}

func (d *Database) ListHttpChallenges() ([]*HttpChallenge, error) {
	chs := []*HttpChallenge{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("http_challenges_id", func(key, val string) bool {
			c := &HttpChallenge{}
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

func (d *Database) DeleteHttpChallenge(id int) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(d.genIndex(HttpChallengeTable, id)); err != nil {
			return fmt.Errorf("http challenge not found: %d", id)
		}
		return nil
	})
}
