package core

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

// Authority is the registry of roots and intermediates. It owns the
// on-disk key and certificate files beside the store.
type Authority struct {
	db    *database.Database
	paths *Paths
}

type CaOptions struct {
	CommonName    string
	KeySize       int
	ValidityYears int
	HashAlgo      string
}

func NewAuthority(db *database.Database, paths *Paths) *Authority {
	return &Authority{db: db, paths: paths}
}

func (a *Authority) fillCaDefaults(o *CaOptions, cnKey string) error {
	if o.CommonName == "" {
		cn, err := a.db.GetConfig(cnKey)
		if err != nil {
			return Internal("%v", err)
		}
		o.CommonName = cn
	}
	if o.KeySize == 0 {
		ks, err := a.db.GetConfigInt(database.CfgDefaultKeySize)
		if err != nil {
			return Internal("%v", err)
		}
		o.KeySize = ks
	}
	if o.ValidityYears == 0 {
		vy, err := a.db.GetConfigInt(database.CfgDefaultValidityYears)
		if err != nil {
			return Internal("%v", err)
		}
		o.ValidityYears = vy
	}
	if o.HashAlgo == "" {
		h, err := a.db.GetConfig(database.CfgDefaultHashAlgorithm)
		if err != nil {
			return Internal("%v", err)
		}
		o.HashAlgo = h
	}
	return nil
}

func (a *Authority) idExists(id string) bool {
	if _, err := a.db.GetCA(id); err == nil {
		return true
	}
	if _, err := a.db.GetIntermediate(id); err == nil {
		return true
	}
	return false
}

// CreateRoot generates the keypair, self-signs the certificate, writes
// both PEM files and inserts the row. The first root becomes active.
func (a *Authority) CreateRoot(name string, o CaOptions) (string, error) {
	if err := a.fillCaDefaults(&o, database.CfgDefaultCommonNameRoot); err != nil {
		return "", err
	}
	alg, err := KeyAlgorithmForSize(o.KeySize)
	if err != nil {
		return "", BadRequest("%v", err)
	}

	id := UniqueSlug(name, a.idExists)

	key, err := GenerateKeypair(alg)
	if err != nil {
		return "", Internal("keypair generation failed: %v", err)
	}
	cert, err := BuildCaCertificate(nil, nil, key, CaCertOptions{
		CommonName:    o.CommonName,
		ValidityYears: o.ValidityYears,
		HashAlgo:      o.HashAlgo,
		IsRoot:        true,
	})
	if err != nil {
		return "", BadRequest("%v", err)
	}

	if err := a.writeCaFiles(a.paths.CaKey(id), a.paths.CaCert(id), key, cert); err != nil {
		return "", err
	}

	notAfter := cert.NotAfter.UTC().Format(time.RFC3339)
	if _, err := a.db.CreateCA(id, name, o.CommonName, notAfter); err != nil {
		os.Remove(a.paths.CaKey(id))
		os.Remove(a.paths.CaCert(id))
		return "", Internal("%v", err)
	}

	if _, err := a.db.GetConfig(database.CfgActiveCaId); err != nil {
		a.db.SetConfig(database.CfgActiveCaId, id)
		log.Info("root CA '%s' is now active", id)
	}
	log.Success("created root CA '%s' (%s)", id, o.CommonName)
	return id, nil
}

// CreateIntermediate signs a CA-constrained certificate with the parent
// root's key.
func (a *Authority) CreateIntermediate(parentId string, name string, o CaOptions) (string, error) {
	if _, err := a.db.GetCA(parentId); err != nil {
		return "", NotFound("parent-not-found")
	}
	if err := a.fillCaDefaults(&o, database.CfgDefaultCommonNameInter); err != nil {
		return "", err
	}
	alg, err := KeyAlgorithmForSize(o.KeySize)
	if err != nil {
		return "", BadRequest("%v", err)
	}

	parentKey, parentCert, err := a.LoadSigner(parentId)
	if err != nil {
		return "", err
	}

	id := UniqueSlug(name, a.idExists)

	key, err := GenerateKeypair(alg)
	if err != nil {
		return "", Internal("keypair generation failed: %v", err)
	}
	cert, err := BuildCaCertificate(parentCert, parentKey, key, CaCertOptions{
		CommonName:    o.CommonName,
		ValidityYears: o.ValidityYears,
		HashAlgo:      o.HashAlgo,
	})
	if err != nil {
		return "", BadRequest("%v", err)
	}

	if err := a.writeCaFiles(a.paths.IntermediateKey(id), a.paths.IntermediateCert(id), key, cert); err != nil {
		return "", err
	}

	notAfter := cert.NotAfter.UTC().Format(time.RFC3339)
	if _, err := a.db.CreateIntermediate(id, parentId, name, o.CommonName, notAfter); err != nil {
		os.Remove(a.paths.IntermediateKey(id))
		os.Remove(a.paths.IntermediateCert(id))
		return "", Internal("%v", err)
	}
	log.Success("created intermediate CA '%s' under '%s'", id, parentId)
	return id, nil
}

func (a *Authority) writeCaFiles(keyPath string, certPath string, key crypto.Signer, cert *x509.Certificate) error {
	keyPem, err := KeyToPem(key)
	if err != nil {
		return Internal("%v", err)
	}
	if err := SaveToFile(keyPem, keyPath, 0600); err != nil {
		return Internal("writing key file: %v", err)
	}
	if err := SaveToFile(CertToPem(cert), certPath, 0600); err != nil {
		os.Remove(keyPath)
		return Internal("writing certificate file: %v", err)
	}
	return nil
}

// Activate selects the root used as the default ACME issuer.
func (a *Authority) Activate(id string) error {
	if _, err := a.db.GetCA(id); err != nil {
		return NotFound("ca not found: %s", id)
	}
	if _, err := os.Stat(a.paths.CaCert(id)); err != nil {
		return Internal("certificate file missing for: %s", id)
	}
	if err := a.db.SetConfig(database.CfgActiveCaId, id); err != nil {
		return Internal("%v", err)
	}
	log.Info("active CA set to '%s'", id)
	return nil
}

// LoadSigner resolves a root or intermediate id into its private key and
// certificate. ECDSA signer keys are rejected; CA keypairs are RSA.
func (a *Authority) LoadSigner(issuerId string) (crypto.Signer, *x509.Certificate, error) {
	var keyPath, certPath string
	if _, err := a.db.GetCA(issuerId); err == nil {
		keyPath, certPath = a.paths.CaKey(issuerId), a.paths.CaCert(issuerId)
	} else if _, err := a.db.GetIntermediate(issuerId); err == nil {
		keyPath, certPath = a.paths.IntermediateKey(issuerId), a.paths.IntermediateCert(issuerId)
	} else {
		return nil, nil, NotFound("ca-not-found")
	}

	keyPem, err := ReadFromFile(keyPath)
	if err != nil {
		return nil, nil, Internal("reading key file: %v", err)
	}
	key, err := ParseKeyPem(keyPem)
	if err != nil {
		return nil, nil, Internal("%v", err)
	}
	if _, ok := key.(*rsa.PrivateKey); !ok {
		return nil, nil, Internal("ca key is not RSA: %s", issuerId)
	}

	certPem, err := ReadFromFile(certPath)
	if err != nil {
		return nil, nil, Internal("reading certificate file: %v", err)
	}
	cert, err := ParseCertPem(certPem)
	if err != nil {
		return nil, nil, Internal("%v", err)
	}
	return key, cert, nil
}

// CertPemFor returns the stored certificate PEM for a root or
// intermediate id.
func (a *Authority) CertPemFor(id string) ([]byte, error) {
	if _, err := a.db.GetCA(id); err == nil {
		data, err := ReadFromFile(a.paths.CaCert(id))
		if err != nil {
			return nil, NotFound("certificate file missing for: %s", id)
		}
		return data, nil
	}
	if _, err := a.db.GetIntermediate(id); err == nil {
		data, err := ReadFromFile(a.paths.IntermediateCert(id))
		if err != nil {
			return nil, NotFound("certificate file missing for: %s", id)
		}
		return data, nil
	}
	return nil, NotFound("ca not found: %s", id)
}

// DeleteRoot cascades over intermediates and leaves. The store rows are
// authoritative; file unlink errors are logged and swallowed.
func (a *Authority) DeleteRoot(id string) error {
	res, err := a.db.DeleteCaCascade(id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return NotFound("%v", err)
		}
		return Internal("%v", err)
	}
	a.removeFile(a.paths.CaKey(id))
	a.removeFile(a.paths.CaCert(id))
	for _, inter := range res.Intermediates {
		a.removeFile(a.paths.IntermediateKey(inter))
		a.removeFile(a.paths.IntermediateCert(inter))
	}
	for _, certId := range res.CertIds {
		a.removeFile(a.paths.LeafKey(certId))
	}
	log.Important("deleted root CA '%s' (%d intermediates, %d leaves)", id, len(res.Intermediates), len(res.CertIds))
	return nil
}

func (a *Authority) DeleteIntermediate(id string) error {
	res, err := a.db.DeleteIntermediateCascade(id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return NotFound("%v", err)
		}
		return Internal("%v", err)
	}
	a.removeFile(a.paths.IntermediateKey(id))
	a.removeFile(a.paths.IntermediateCert(id))
	for _, certId := range res.CertIds {
		a.removeFile(a.paths.LeafKey(certId))
	}
	log.Important("deleted intermediate CA '%s' (%d leaves)", id, len(res.CertIds))
	return nil
}

func (a *Authority) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("removing %s: %v", path, err)
	}
}

// CaForAcmeDomain picks the signer for an ACME-issued domain: exact
// assignment first, then the longest matching wildcard (insertion order
// breaks ties), then the configured ACME intermediate, then the active
// root.
func (a *Authority) CaForAcmeDomain(domain string) (string, error) {
	d := NormalizeDomain(domain)

	assignments, err := a.db.ListAssignments()
	if err != nil {
		return "", Internal("%v", err)
	}
	for _, as := range assignments {
		if !strings.HasPrefix(as.Pattern, "*.") && NormalizeDomain(as.Pattern) == d {
			return as.CaId, nil
		}
	}
	var best *database.Assignment
	bestLen := -1
	for _, as := range assignments {
		if !strings.HasPrefix(as.Pattern, "*.") {
			continue
		}
		suffix := NormalizeDomain(strings.TrimPrefix(as.Pattern, "*."))
		if d == suffix || strings.HasSuffix(d, "."+suffix) {
			if len(suffix) > bestLen {
				best = as
				bestLen = len(suffix)
			}
		}
	}
	if best != nil {
		return best.CaId, nil
	}

	if id, err := a.db.GetConfig(database.CfgActiveAcmeIntermediateId); err == nil && id != "" {
		return id, nil
	}
	if id, err := a.db.GetConfig(database.CfgActiveCaId); err == nil && id != "" {
		return id, nil
	}
	return "", Internal("no CA configured for ACME issuance")
}
