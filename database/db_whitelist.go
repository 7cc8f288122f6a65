package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const WhitelistTable = "acme_whitelist"

// WhitelistEntry patterns are exact domains or "*.suffix" wildcards. A
// matching identifier is auto-validated at authorization creation.
type WhitelistEntry struct {
	Id        int    `json:"id"`
	Pattern   string `json:"pattern"`
	CreatedAt string `json:"created_at"`
}

func (d *Database) whitelistInit() {
	d.db.CreateIndex("acme_whitelist_id", WhitelistTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("acme_whitelist_pattern", WhitelistTable+":*", buntdb.IndexJSON("pattern"))
}

func (d *Database) CreateWhitelistEntry(pattern string) (*WhitelistEntry, error) {
	if _, err := d.GetWhitelistEntryByPattern(pattern); err == nil {
		return nil, fmt.Errorf("already whitelisted: %s", pattern)
	}

	id, err := d.getNextId(WhitelistTable)
	if err != nil {
		return nil, err
	}

	e := &WhitelistEntry{
		Id:        id,
		Pattern:   pattern,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	jf, _ := json.Marshal(e)

	err = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex(WhitelistTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (d *Database) GetWhitelistEntryByPattern(pattern string) (*WhitelistEntry, error) {
	e := &WhitelistEntry{}
	found := false
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("acme_whitelist_pattern", d.getPivot(map[string]string{"pattern": pattern}), func(key, val string) bool {
			if err := json.Unmarshal([]byte(val), e); err == nil {
				found = true
			}
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("whitelist entry not found: %s", pattern)
	}
	return e, nil
}

func (d *Database) ListWhitelist() ([]*WhitelistEntry, error) {
	entries := []*WhitelistEntry{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("acme_whitelist_id", func(key, val string) bool {
			e := &WhitelistEntry{}
			if err := json.Unmarshal([]byte(val), e); err == nil {
				entries = append(entries, e)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) DeleteWhitelistEntry(id int) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(d.genIndex(WhitelistTable, id)); err != nil {
			return fmt.Errorf("whitelist entry not found: %d", id)
		}
		return nil
	})
}
