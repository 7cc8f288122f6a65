package database

import (
	"fmt"
	"strconv"

	"github.com/tidwall/buntdb"
)

const ConfigTable = "config"

// Config keys recognized by the core, with their defaults.
const (
	CfgActiveCaId               = "active_ca_id"
	CfgActiveAcmeIntermediateId = "active_acme_intermediate_id"
	CfgDefaultKeySize           = "default_key_size"
	CfgDefaultValidityYears     = "default_validity_years"
	CfgDefaultValidityDays      = "default_validity_days"
	CfgDefaultHashAlgorithm     = "default_hash_algorithm"
	CfgDefaultCommonNameRoot    = "default_common_name_root"
	CfgDefaultCommonNameInter   = "default_common_name_intermediate"
)

var configDefaults = map[string]string{
	CfgDefaultKeySize:         "2048",
	CfgDefaultValidityYears:   "10",
	CfgDefaultValidityDays:    "365",
	CfgDefaultHashAlgorithm:   "sha256",
	CfgDefaultCommonNameRoot:  "Meine CA",
	CfgDefaultCommonNameInter: "Intermediate CA",
}

func (d *Database) SetConfig(key string, value string) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(ConfigTable, key), value, nil)
		return err
	})
}

// GetConfig returns the stored value, or the documented default when the
// key is one of the defaulted ones and nothing is stored.
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(d.genKey(ConfigTable, key))
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if def, ok := configDefaults[key]; ok {
			return def, nil
		}
		return "", fmt.Errorf("config key not set: %s", key)
	}
	return value, nil
}

func (d *Database) GetConfigInt(key string) (int, error) {
	v, err := d.GetConfig(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config key %s is not a number: %s", key, v)
	}
	return n, nil
}

func (d *Database) DeleteConfig(key string) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		tx.Delete(d.genKey(ConfigTable, key))
		return nil
	})
}

const StatsTable = "stats"

// Rolling request counters for the summary view.
const (
	StatRequests     = "requests_total"
	StatAcmeRequests = "acme_requests_total"
	StatCertsIssued  = "certs_issued_total"
)

func (d *Database) IncStat(name string) {
	d.db.Update(func(tx *buntdb.Tx) error {
		n := 0
		if v, err := tx.Get(d.genKey(StatsTable, name)); err == nil {
			n, _ = strconv.Atoi(v)
		}
		_, _, err := tx.Set(d.genKey(StatsTable, name), strconv.Itoa(n+1), nil)
		return err
	})
}

func (d *Database) GetStat(name string) int {
	n := 0
	d.db.View(func(tx *buntdb.Tx) error {
		if v, err := tx.Get(d.genKey(StatsTable, name)); err == nil {
			n, _ = strconv.Atoi(v)
		}
		return nil
	})
	return n
}
