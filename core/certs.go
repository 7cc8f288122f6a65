package core

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.step.sm/crypto/keyutil"
	"go.step.sm/crypto/pemutil"
	"go.step.sm/crypto/x509util"
	"golang.org/x/net/idna"
)

// Supported keypair algorithms. RSA keys use the standard public exponent.
const (
	KeyRsa2048 = "rsa-2048"
	KeyRsa3072 = "rsa-3072"
	KeyRsa4096 = "rsa-4096"
	KeyEcP256  = "ec-p256"
	KeyEcP384  = "ec-p384"
)

// Recognized signing digests.
const (
	HashSha256 = "sha256"
	HashSha384 = "sha384"
	HashSha512 = "sha512"
)

type CaCertOptions struct {
	CommonName    string
	Organization  string
	ValidityYears int
	HashAlgo      string
	IsRoot        bool
}

type LeafCertOptions struct {
	SubjectCN    string
	SanDns       []string
	ValidityDays int
	HashAlgo     string
	PolicyOid    string
}

// CertInfo is the parsed view of a certificate used by the inspect
// commands and the dashboard.
type CertInfo struct {
	Subject            string   `json:"subject"`
	Issuer             string   `json:"issuer"`
	SerialNumber       string   `json:"serial_number"`
	NotBefore          string   `json:"not_before"`
	NotAfter           string   `json:"not_after"`
	FingerprintSha256  string   `json:"fingerprint_sha256"`
	SanList            []string `json:"san_list"`
	KeyType            string   `json:"key_type"`
	KeyInfo            string   `json:"key_info"`
	SignatureAlgorithm string   `json:"signature_algorithm"`
}

func GenerateKeypair(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case KeyRsa2048:
		return keyutil.GenerateSigner("RSA", "", 2048)
	case KeyRsa3072:
		return keyutil.GenerateSigner("RSA", "", 3072)
	case KeyRsa4096:
		return keyutil.GenerateSigner("RSA", "", 4096)
	case KeyEcP256:
		return keyutil.GenerateSigner("EC", "P-256", 0)
	case KeyEcP384:
		return keyutil.GenerateSigner("EC", "P-384", 0)
	default:
		return nil, fmt.Errorf("unknown key algorithm: %s", algorithm)
	}
}

func KeyAlgorithmForSize(bits int) (string, error) {
	switch bits {
	case 2048:
		return KeyRsa2048, nil
	case 3072:
		return KeyRsa3072, nil
	case 4096:
		return KeyRsa4096, nil
	default:
		return "", fmt.Errorf("unsupported RSA key size: %d", bits)
	}
}

// EpochSerial derives the short decimal serial from the current epoch,
// keeping the last 8 digits.
func EpochSerial() *big.Int {
	return big.NewInt(time.Now().Unix() % 100000000)
}

func signatureAlgorithm(key crypto.Signer, hashAlgo string) (x509.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch hashAlgo {
		case "", HashSha256:
			return x509.SHA256WithRSA, nil
		case HashSha384:
			return x509.SHA384WithRSA, nil
		case HashSha512:
			return x509.SHA512WithRSA, nil
		}
		return 0, fmt.Errorf("unknown hash algorithm: %s", hashAlgo)
	case *ecdsa.PrivateKey:
		// ECDSA signs with the curve-matched digest.
		switch k.Curve {
		case elliptic.P384():
			return x509.ECDSAWithSHA384, nil
		default:
			return x509.ECDSAWithSHA256, nil
		}
	default:
		return 0, fmt.Errorf("unsupported signer key type: %T", key)
	}
}

// BuildCaCertificate builds and signs a CA-constrained certificate. For
// roots the certificate is self-signed; issuerCert and issuerKey are
// ignored.
func BuildCaCertificate(issuerCert *x509.Certificate, issuerKey crypto.Signer, subjectKey crypto.Signer, opts CaCertOptions) (*x509.Certificate, error) {
	if opts.CommonName == "" {
		return nil, fmt.Errorf("common name is required")
	}
	if opts.ValidityYears <= 0 {
		return nil, fmt.Errorf("validity years must be positive")
	}

	notBefore := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: EpochSerial(),
		Subject: pkix.Name{
			CommonName: opts.CommonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(opts.ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if opts.Organization != "" {
		template.Subject.Organization = []string{opts.Organization}
	}

	signKey := issuerKey
	parent := issuerCert
	if opts.IsRoot {
		signKey = subjectKey
		parent = template
	} else if issuerCert == nil || issuerKey == nil {
		return nil, fmt.Errorf("issuer is required for an intermediate")
	}

	sigAlgo, err := signatureAlgorithm(signKey, opts.HashAlgo)
	if err != nil {
		return nil, err
	}
	template.SignatureAlgorithm = sigAlgo

	return x509util.CreateCertificate(template, parent, subjectKey.Public(), signKey)
}

// BuildLeafCertificate builds and signs an end-entity certificate under
// the given issuer. SAN names are normalized and de-duplicated preserving
// the first occurrence.
func BuildLeafCertificate(issuerCert *x509.Certificate, issuerKey crypto.Signer, subjectPub crypto.PublicKey, opts LeafCertOptions) (*x509.Certificate, error) {
	if issuerCert == nil || issuerKey == nil {
		return nil, fmt.Errorf("issuer is required")
	}
	if opts.ValidityDays <= 0 {
		return nil, fmt.Errorf("validity days must be positive")
	}

	san := NormalizeDomains(opts.SanDns)
	if len(san) == 0 {
		return nil, fmt.Errorf("at least one DNS name is required")
	}
	cn := opts.SubjectCN
	if cn == "" {
		cn = san[0]
	}

	notBefore := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: EpochSerial(),
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, opts.ValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              san,
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	if opts.PolicyOid != "" {
		oid, err := parseOid(opts.PolicyOid)
		if err != nil {
			return nil, err
		}
		template.PolicyIdentifiers = []asn1.ObjectIdentifier{oid}
	}

	sigAlgo, err := signatureAlgorithm(issuerKey, opts.HashAlgo)
	if err != nil {
		return nil, err
	}
	template.SignatureAlgorithm = sigAlgo

	return x509util.CreateCertificate(template, issuerCert, subjectPub, issuerKey)
}

// ParseCsr accepts a certificate request in PEM or raw DER form and
// verifies its embedded self-signature.
func ParseCsr(data []byte) (*x509.CertificateRequest, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("cannot parse CSR: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature does not verify: %v", err)
	}
	return csr, nil
}

func InspectCertificate(pemBytes []byte) (*CertInfo, error) {
	cert, err := ParseCertPem(pemBytes)
	if err != nil {
		return nil, err
	}

	fp := sha256.Sum256(cert.Raw)

	info := &CertInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       cert.SerialNumber.String(),
		NotBefore:          cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:           cert.NotAfter.UTC().Format(time.RFC3339),
		FingerprintSha256:  fmt.Sprintf("%x", fp),
		SanList:            cert.DNSNames,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.KeyType = "RSA"
		info.KeyInfo = strconv.Itoa(pub.N.BitLen()) + " bit"
	case *ecdsa.PublicKey:
		info.KeyType = "ECDSA"
		info.KeyInfo = pub.Curve.Params().Name
	default:
		info.KeyType = fmt.Sprintf("%T", pub)
	}
	return info, nil
}

func CertToPem(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func KeyToPem(key crypto.Signer) ([]byte, error) {
	block, err := pemutil.Serialize(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

func ParseKeyPem(data []byte) (crypto.Signer, error) {
	key, err := pemutil.Parse(data)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
	return signer, nil
}

func ParseCertPem(data []byte) (*x509.Certificate, error) {
	return pemutil.ParseCertificate(data)
}

// NormalizeDomain lowercases, trims and IDNA-folds a DNS name.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if ascii, err := idna.ToASCII(d); err == nil && ascii != "" {
		return ascii
	}
	return d
}

// NormalizeDomains normalizes every name and de-duplicates preserving the
// first occurrence.
func NormalizeDomains(domains []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, d := range domains {
		n := NormalizeDomain(d)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func parseOid(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid policy OID: %s", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid policy OID: %s", s)
		}
		oid[i] = n
	}
	return oid, nil
}
