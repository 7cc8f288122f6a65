package core

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

// Issuer creates, revokes and renews leaf certificates under a signer
// resolved through the Authority.
type Issuer struct {
	db        *database.Database
	paths     *Paths
	authority *Authority
}

type LeafOptions struct {
	KeyAlgorithm string
	KeySize      int
	SanDomains   []string
	ValidityDays int
	HashAlgo     string
	Ev           bool
	PolicyOid    string
}

func NewIssuer(db *database.Database, paths *Paths, authority *Authority) *Issuer {
	return &Issuer{db: db, paths: paths, authority: authority}
}

func (i *Issuer) leafAlgorithm(o *LeafOptions) (string, error) {
	if o.KeyAlgorithm == KeyEcP256 || o.KeyAlgorithm == KeyEcP384 {
		return o.KeyAlgorithm, nil
	}
	if o.KeyAlgorithm != "" && !strings.HasPrefix(o.KeyAlgorithm, "rsa-") {
		return "", BadRequest("unknown key algorithm: %s", o.KeyAlgorithm)
	}
	size := o.KeySize
	if size == 0 {
		var err error
		size, err = i.db.GetConfigInt(database.CfgDefaultKeySize)
		if err != nil {
			return "", Internal("%v", err)
		}
	}
	alg, err := KeyAlgorithmForSize(size)
	if err != nil {
		return "", BadRequest("%v", err)
	}
	return alg, nil
}

// IssueLeaf issues a certificate for primaryDomain under issuerId. The key
// file write happens inside the row transaction so a failed write rolls
// the row back.
func (i *Issuer) IssueLeaf(issuerId string, primaryDomain string, o LeafOptions) (int, error) {
	signerKey, signerCert, err := i.authority.LoadSigner(issuerId)
	if err != nil {
		return 0, err
	}

	alg, err := i.leafAlgorithm(&o)
	if err != nil {
		return 0, err
	}

	san := NormalizeDomains(append([]string{primaryDomain}, o.SanDomains...))
	if len(san) == 0 {
		return 0, BadRequest("domain is required")
	}

	if o.ValidityDays == 0 {
		o.ValidityDays, err = i.db.GetConfigInt(database.CfgDefaultValidityDays)
		if err != nil {
			return 0, Internal("%v", err)
		}
	}
	if o.HashAlgo == "" {
		o.HashAlgo, err = i.db.GetConfig(database.CfgDefaultHashAlgorithm)
		if err != nil {
			return 0, Internal("%v", err)
		}
	}
	if o.Ev && o.PolicyOid == "" {
		return 0, BadRequest("EV certificates need a policy OID")
	}

	key, err := GenerateKeypair(alg)
	if err != nil {
		return 0, Internal("keypair generation failed: %v", err)
	}
	cert, err := BuildLeafCertificate(signerCert, signerKey, key.Public(), LeafCertOptions{
		SubjectCN:    san[0],
		SanDns:       san,
		ValidityDays: o.ValidityDays,
		HashAlgo:     o.HashAlgo,
		PolicyOid:    o.PolicyOid,
	})
	if err != nil {
		return 0, BadRequest("%v", err)
	}

	keyPem, err := KeyToPem(key)
	if err != nil {
		return 0, Internal("%v", err)
	}

	row := &database.Cert{
		Domain:    san[0],
		NotAfter:  cert.NotAfter.UTC().Format(time.RFC3339),
		Pem:       string(CertToPem(cert)),
		IssuerId:  issuerId,
		IsAcme:    false,
		IsEv:      o.Ev,
		PolicyOid: o.PolicyOid,
	}
	id, err := i.db.CreateCert(row, func(id int) error {
		return SaveToFile(keyPem, i.paths.LeafKey(id), 0600)
	})
	if err != nil {
		return 0, Internal("%v", err)
	}

	i.db.IncStat(database.StatCertsIssued)
	log.Success("issued certificate #%d for %s (issuer %s)", id, san[0], issuerId)
	return id, nil
}

// RevokeLeaf is terminal: a revoked leaf can be neither revoked nor
// renewed again.
func (i *Issuer) RevokeLeaf(id int) error {
	if _, err := i.db.GetCertById(id); err != nil {
		return NotFound("%v", err)
	}
	if i.db.IsRevoked(id) {
		return Conflict("already-revoked")
	}
	if _, err := i.db.CreateRevocation(id); err != nil {
		return Conflict("already-revoked")
	}
	log.Important("revoked certificate #%d", id)
	return nil
}

// RenewLeaf revokes the old leaf, appends a renewal audit row and issues
// a replacement under the original issuer, all in one transaction.
func (i *Issuer) RenewLeaf(id int) (int, error) {
	old, err := i.db.GetCertById(id)
	if err != nil {
		return 0, NotFound("%v", err)
	}
	if i.db.IsRevoked(id) {
		return 0, Conflict("already-revoked")
	}

	issuerId := old.IssuerId
	if issuerId == "" {
		issuerId, err = i.db.GetConfig(database.CfgActiveCaId)
		if err != nil {
			return 0, Internal("no active CA for renewal")
		}
	}
	signerKey, signerCert, err := i.authority.LoadSigner(issuerId)
	if err != nil {
		return 0, err
	}

	validityDays, err := i.db.GetConfigInt(database.CfgDefaultValidityDays)
	if err != nil {
		return 0, Internal("%v", err)
	}
	hashAlgo, err := i.db.GetConfig(database.CfgDefaultHashAlgorithm)
	if err != nil {
		return 0, Internal("%v", err)
	}

	oldCert, err := ParseCertPem([]byte(old.Pem))
	san := []string{old.Domain}
	if err == nil && len(oldCert.DNSNames) > 0 {
		san = oldCert.DNSNames
	}

	keySize, err := i.db.GetConfigInt(database.CfgDefaultKeySize)
	if err != nil {
		return 0, Internal("%v", err)
	}
	alg, err := KeyAlgorithmForSize(keySize)
	if err != nil {
		return 0, Internal("%v", err)
	}
	key, err := GenerateKeypair(alg)
	if err != nil {
		return 0, Internal("keypair generation failed: %v", err)
	}
	cert, err := BuildLeafCertificate(signerCert, signerKey, key.Public(), LeafCertOptions{
		SubjectCN:    old.Domain,
		SanDns:       san,
		ValidityDays: validityDays,
		HashAlgo:     hashAlgo,
		PolicyOid:    old.PolicyOid,
	})
	if err != nil {
		return 0, Internal("%v", err)
	}
	keyPem, err := KeyToPem(key)
	if err != nil {
		return 0, Internal("%v", err)
	}

	row := &database.Cert{
		Domain:    old.Domain,
		NotAfter:  cert.NotAfter.UTC().Format(time.RFC3339),
		Pem:       string(CertToPem(cert)),
		IssuerId:  issuerId,
		IsAcme:    old.IsAcme,
		IsEv:      old.IsEv,
		PolicyOid: old.PolicyOid,
	}
	newId, err := i.db.RenewCert(id, uuid.NewString(), row, func(newId int) error {
		return SaveToFile(keyPem, i.paths.LeafKey(newId), 0600)
	})
	if err != nil {
		if strings.Contains(err.Error(), "already revoked") {
			return 0, Conflict("already-revoked")
		}
		return 0, Internal("%v", err)
	}

	i.db.IncStat(database.StatCertsIssued)
	log.Success("renewed certificate #%d as #%d", id, newId)
	return newId, nil
}

// DeleteLeaf removes the row, its revocation record and the key file.
func (i *Issuer) DeleteLeaf(id int) error {
	if err := i.db.DeleteCert(id); err != nil {
		return NotFound("%v", err)
	}
	if err := os.Remove(i.paths.LeafKey(id)); err != nil && !os.IsNotExist(err) {
		log.Error("removing %s: %v", i.paths.LeafKey(id), err)
	}
	log.Info("deleted certificate #%d", id)
	return nil
}
