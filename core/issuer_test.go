package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certhaus/certhaus/database"
)

func newTestIssuer(t *testing.T) (*Issuer, *Authority, *database.Database, *Paths) {
	t.Helper()
	a, db, paths := newTestAuthority(t)
	return NewIssuer(db, paths, a), a, db, paths
}

func TestIssueLeaf(t *testing.T) {
	issuer, a, db, paths := newTestIssuer(t)

	rootId, err := a.CreateRoot("Root", CaOptions{ValidityYears: 10, KeySize: 2048})
	require.NoError(t, err)

	id, err := issuer.IssueLeaf(rootId, "Leaf.Example.COM", LeafOptions{
		SanDomains:   []string{"alt.example.com", "leaf.example.com"},
		ValidityDays: 30,
	})
	require.NoError(t, err)

	id2, err := issuer.IssueLeaf(rootId, "second.example.com", LeafOptions{ValidityDays: 30})
	require.NoError(t, err)
	assert.Greater(t, id2, id)

	cert, err := db.GetCertById(id)
	require.NoError(t, err)
	assert.Equal(t, "leaf.example.com", cert.Domain)
	assert.Equal(t, rootId, cert.IssuerId)
	assert.False(t, cert.IsAcme)

	// The leaf verifies against its issuer and carries the de-duplicated
	// SAN set with the primary domain first.
	parsed, err := ParseCertPem([]byte(cert.Pem))
	require.NoError(t, err)
	_, caCert, err := a.LoadSigner(rootId)
	require.NoError(t, err)
	assert.NoError(t, parsed.CheckSignatureFrom(caCert))
	assert.Equal(t, []string{"leaf.example.com", "alt.example.com"}, parsed.DNSNames)
	assert.Equal(t, "leaf.example.com", parsed.Subject.CommonName)

	_, err = os.Stat(paths.LeafKey(id))
	assert.NoError(t, err)

	_, err = issuer.IssueLeaf("missing", "x.example.com", LeafOptions{ValidityDays: 30})
	require.Error(t, err)
	apiErr := err.(*ApiError)
	assert.Equal(t, ErrNotFound, apiErr.Kind)
}

func TestIssueLeafEcdsa(t *testing.T) {
	issuer, a, db, _ := newTestIssuer(t)

	rootId, err := a.CreateRoot("Root", CaOptions{ValidityYears: 10, KeySize: 2048})
	require.NoError(t, err)

	id, err := issuer.IssueLeaf(rootId, "ec.example.com", LeafOptions{
		KeyAlgorithm: KeyEcP256,
		ValidityDays: 30,
	})
	require.NoError(t, err)

	cert, err := db.GetCertById(id)
	require.NoError(t, err)
	info, err := InspectCertificate([]byte(cert.Pem))
	require.NoError(t, err)
	// The certificate's key matches the requested algorithm even though
	// the signer stays RSA.
	assert.Equal(t, "ECDSA", info.KeyType)
}

func TestRevokeLeafIsTerminal(t *testing.T) {
	issuer, a, _, _ := newTestIssuer(t)

	rootId, err := a.CreateRoot("Root", CaOptions{ValidityYears: 10, KeySize: 2048})
	require.NoError(t, err)
	id, err := issuer.IssueLeaf(rootId, "leaf.example.com", LeafOptions{ValidityDays: 30})
	require.NoError(t, err)

	require.NoError(t, issuer.RevokeLeaf(id))

	err = issuer.RevokeLeaf(id)
	require.Error(t, err)
	apiErr := err.(*ApiError)
	assert.Equal(t, ErrConflict, apiErr.Kind)
	assert.Equal(t, "already-revoked", apiErr.Message)

	_, err = issuer.RenewLeaf(id)
	require.Error(t, err)
	apiErr = err.(*ApiError)
	assert.Equal(t, ErrConflict, apiErr.Kind)

	err = issuer.RevokeLeaf(9999)
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, err.(*ApiError).Kind)
}

func TestRenewLeaf(t *testing.T) {
	issuer, a, db, paths := newTestIssuer(t)

	rootId, err := a.CreateRoot("Root", CaOptions{ValidityYears: 10, KeySize: 2048})
	require.NoError(t, err)
	id, err := issuer.IssueLeaf(rootId, "leaf.example.com", LeafOptions{ValidityDays: 30})
	require.NoError(t, err)

	newId, err := issuer.RenewLeaf(id)
	require.NoError(t, err)
	assert.Greater(t, newId, id)

	assert.True(t, db.IsRevoked(id))
	assert.False(t, db.IsRevoked(newId))

	renewed, err := db.GetCertById(newId)
	require.NoError(t, err)
	assert.Equal(t, "leaf.example.com", renewed.Domain)
	assert.Equal(t, rootId, renewed.IssuerId)

	rens, err := db.ListRenewals()
	require.NoError(t, err)
	assert.Len(t, rens, 1)

	_, err = os.Stat(paths.LeafKey(newId))
	assert.NoError(t, err)
}

func TestDeleteLeaf(t *testing.T) {
	issuer, a, db, paths := newTestIssuer(t)

	rootId, err := a.CreateRoot("Root", CaOptions{ValidityYears: 10, KeySize: 2048})
	require.NoError(t, err)
	id, err := issuer.IssueLeaf(rootId, "leaf.example.com", LeafOptions{ValidityDays: 30})
	require.NoError(t, err)

	require.NoError(t, issuer.DeleteLeaf(id))

	_, err = db.GetCertById(id)
	assert.Error(t, err)
	_, err = os.Stat(paths.LeafKey(id))
	assert.True(t, os.IsNotExist(err))

	err = issuer.DeleteLeaf(id)
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, err.(*ApiError).Kind)
}
