package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const (
	AccountTable  = "acme_accounts"
	OrderTable    = "acme_orders"
	AcmeCertTable = "acme_certs"
)

const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

type Account struct {
	Id        string `json:"id"`
	Jwk       string `json:"jwk"`
	CreatedAt string `json:"created_at"`
}

type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Order struct {
	Id          string       `json:"id"`
	AccountId   string       `json:"account_id"`
	Identifiers []Identifier `json:"identifiers"`
	Status      string       `json:"status"`
	FinalizeUrl string       `json:"finalize_url"`
	LeafRef     string       `json:"leaf_ref,omitempty"`
	CreatedAt   string       `json:"created_at"`
}

// AcmeCert stores the PEM issued at finalize, keyed by order id.
type AcmeCert struct {
	OrderId   string `json:"order_id"`
	Pem       string `json:"pem"`
	CreatedAt string `json:"created_at"`
}

func (d *Database) accountsInit() {
	d.db.CreateIndex("acme_accounts_id", AccountTable+":*", buntdb.IndexJSON("id"))
}

func (d *Database) ordersInit() {
	d.db.CreateIndex("acme_orders_id", OrderTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("acme_orders_account", OrderTable+":*", buntdb.IndexJSON("account_id"))
}

func (d *Database) acmeCertsInit() {
	d.db.CreateIndex("acme_certs_order", AcmeCertTable+":*", buntdb.IndexJSON("order_id"))
}

func (d *Database) CreateAcmeAccount(id string, jwk string) (*Account, error) {
	a := &Account{
		Id:        id,
		Jwk:       jwk,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	jf, _ := json.Marshal(a)

	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(AccountTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Database) GetAcmeAccount(id string) (*Account, error) {
	a := &Account{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genKey(AccountTable, id))
		if err != nil {
			return fmt.Errorf("account not found: %s", id)
		}
		return json.Unmarshal([]byte(val), a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Database) CreateAcmeOrder(o *Order) error {
	if o.CreatedAt == "" {
		o.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	jf, _ := json.Marshal(o)

	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(OrderTable, o.Id), string(jf), nil)
		return err
	})
}

func (d *Database) GetAcmeOrder(id string) (*Order, error) {
	o := &Order{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genKey(OrderTable, id))
		if err != nil {
			return fmt.Errorf("order not found: %s", id)
		}
		return json.Unmarshal([]byte(val), o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (d *Database) UpdateAcmeOrder(o *Order) error {
	jf, _ := json.Marshal(o)
	return d.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(d.genKey(OrderTable, o.Id)); err != nil {
			return fmt.Errorf("order not found: %s", o.Id)
		}
		_, _, err := tx.Set(d.genKey(OrderTable, o.Id), string(jf), nil)
		return err
	})
}

func (d *Database) ListAcmeOrders() ([]*Order, error) {
	orders := []*Order{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("acme_orders_id", func(key, val string) bool {
			o := &Order{}
			if err := json.Unmarshal([]byte(val), o); err == nil {
				orders = append(orders, o)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) CreateAcmeCert(orderId string, pem string) (*AcmeCert, error) {
	c := &AcmeCert{
		OrderId:   orderId,
		Pem:       pem,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	jf, _ := json.Marshal(c)

	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genKey(AcmeCertTable, orderId), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Database) GetAcmeCertByOrder(orderId string) (*AcmeCert, error) {
	c := &AcmeCert{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genKey(AcmeCertTable, orderId))
		if err != nil {
			return fmt.Errorf("acme certificate not found: %s", orderId)
		}
		return json.Unmarshal([]byte(val), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
