package core

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeypair(t *testing.T) {
	key, err := GenerateKeypair(KeyRsa2048)
	require.NoError(t, err)
	rsaKey, ok := key.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, 2048, rsaKey.N.BitLen())
	assert.Equal(t, 65537, rsaKey.E)

	key, err = GenerateKeypair(KeyEcP256)
	require.NoError(t, err)
	ecKey, ok := key.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, "P-256", ecKey.Curve.Params().Name)

	_, err = GenerateKeypair("rsa-1024")
	assert.Error(t, err)
}

func TestBuildCaCertificateRoot(t *testing.T) {
	key, err := GenerateKeypair(KeyRsa2048)
	require.NoError(t, err)

	cert, err := BuildCaCertificate(nil, nil, key, CaCertOptions{
		CommonName:    "Test Root",
		ValidityYears: 10,
		HashAlgo:      HashSha256,
		IsRoot:        true,
	})
	require.NoError(t, err)

	assert.True(t, cert.IsCA)
	assert.True(t, cert.BasicConstraintsValid)
	assert.Equal(t, "Test Root", cert.Subject.CommonName)
	assert.Equal(t, cert.Subject.String(), cert.Issuer.String())
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCRLSign)
	assert.NoError(t, cert.CheckSignatureFrom(cert))

	// The serial is the short decimal derived from the epoch.
	assert.Less(t, cert.SerialNumber.Int64(), int64(100000000))

	wantNotAfter := time.Now().UTC().AddDate(10, 0, 0)
	assert.WithinDuration(t, wantNotAfter, cert.NotAfter, time.Minute)
}

func TestIntermediateVerifiesAgainstParent(t *testing.T) {
	rootKey, err := GenerateKeypair(KeyRsa2048)
	require.NoError(t, err)
	rootCert, err := BuildCaCertificate(nil, nil, rootKey, CaCertOptions{
		CommonName:    "Root",
		ValidityYears: 10,
		IsRoot:        true,
	})
	require.NoError(t, err)

	interKey, err := GenerateKeypair(KeyRsa2048)
	require.NoError(t, err)
	interCert, err := BuildCaCertificate(rootCert, rootKey, interKey, CaCertOptions{
		CommonName:    "Intermediate",
		ValidityYears: 5,
	})
	require.NoError(t, err)

	assert.True(t, interCert.IsCA)
	assert.NoError(t, interCert.CheckSignatureFrom(rootCert))
}

func TestBuildLeafCertificateRoundTrip(t *testing.T) {
	caKey, err := GenerateKeypair(KeyRsa2048)
	require.NoError(t, err)
	caCert, err := BuildCaCertificate(nil, nil, caKey, CaCertOptions{
		CommonName:    "Root",
		ValidityYears: 10,
		IsRoot:        true,
	})
	require.NoError(t, err)

	leafKey, err := GenerateKeypair(KeyEcP256)
	require.NoError(t, err)
	cert, err := BuildLeafCertificate(caCert, caKey, leafKey.Public(), LeafCertOptions{
		SanDns:       []string{"Web.Example.COM", "web.example.com", "api.example.com"},
		ValidityDays: 30,
		HashAlgo:     HashSha256,
	})
	require.NoError(t, err)

	info, err := InspectCertificate(CertToPem(cert))
	require.NoError(t, err)
	assert.Equal(t, []string{"web.example.com", "api.example.com"}, info.SanList)
	assert.Equal(t, "CN=web.example.com", info.Subject)
	assert.Equal(t, "ECDSA", info.KeyType)

	assert.False(t, cert.IsCA)
	assert.NoError(t, cert.CheckSignatureFrom(caCert))
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), cert.NotAfter, time.Minute)
}

func TestLeafPolicyOid(t *testing.T) {
	caKey, err := GenerateKeypair(KeyRsa2048)
	require.NoError(t, err)
	caCert, err := BuildCaCertificate(nil, nil, caKey, CaCertOptions{CommonName: "Root", ValidityYears: 1, IsRoot: true})
	require.NoError(t, err)
	leafKey, err := GenerateKeypair(KeyRsa2048)
	require.NoError(t, err)

	cert, err := BuildLeafCertificate(caCert, caKey, leafKey.Public(), LeafCertOptions{
		SanDns:       []string{"ev.example.com"},
		ValidityDays: 30,
		PolicyOid:    "2.23.140.1.1",
	})
	require.NoError(t, err)

	require.Len(t, cert.PolicyIdentifiers, 1)
	assert.Equal(t, "2.23.140.1.1", cert.PolicyIdentifiers[0].String())

	_, err = BuildLeafCertificate(caCert, caKey, leafKey.Public(), LeafCertOptions{
		SanDns:       []string{"ev.example.com"},
		ValidityDays: 30,
		PolicyOid:    "not-an-oid",
	})
	assert.Error(t, err)
}

func TestParseCsr(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "csr.example.com"},
		DNSNames: []string{"csr.example.com"},
	}, key)
	require.NoError(t, err)

	csr, err := ParseCsr(der)
	require.NoError(t, err)
	assert.Equal(t, "csr.example.com", csr.Subject.CommonName)

	// A corrupted signature must be rejected.
	der[len(der)-1] ^= 0xff
	_, err = ParseCsr(der)
	assert.Error(t, err)
}

func TestKeyPemRoundTrip(t *testing.T) {
	for _, alg := range []string{KeyRsa2048, KeyEcP256} {
		key, err := GenerateKeypair(alg)
		require.NoError(t, err)
		pemBytes, err := KeyToPem(key)
		require.NoError(t, err)
		parsed, err := ParseKeyPem(pemBytes)
		require.NoError(t, err)
		assert.IsType(t, key, parsed)
	}
}

func TestNormalizeDomains(t *testing.T) {
	out := NormalizeDomains([]string{" A.Example.com ", "a.example.com", "", "b.example.com"})
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, out)
}

func TestChallengeTokensDoNotCollide(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		tok := GenChallengeToken()
		assert.Len(t, tok, 22)
		require.False(t, seen[tok])
		seen[tok] = true
	}
}
