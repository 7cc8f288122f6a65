package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDb(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	_, err = db.CreateCA("r0", "Root", "Root CA", "2036-01-01T00:00:00Z")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDatabase(path)
	require.NoError(t, err)
	defer db.Close()

	ca, err := db.GetCA("r0")
	require.NoError(t, err)
	assert.Equal(t, "Root CA", ca.CommonName)
}

func TestCertIdsAreMonotonic(t *testing.T) {
	db := openTestDb(t)

	var last int
	for i := 0; i < 5; i++ {
		id, err := db.CreateCert(&Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestCreateCertRollsBackOnPostError(t *testing.T) {
	db := openTestDb(t)

	id, err := db.CreateCert(&Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
	require.NoError(t, err)

	_, err = db.CreateCert(&Cert{Domain: "b.example.com", IssuerId: "r0"}, func(int) error {
		return assert.AnError
	})
	require.Error(t, err)

	certs, err := db.ListCerts()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, id, certs[0].Id)
}

func TestConfigDefaults(t *testing.T) {
	db := openTestDb(t)

	v, err := db.GetConfig(CfgDefaultKeySize)
	require.NoError(t, err)
	assert.Equal(t, "2048", v)

	n, err := db.GetConfigInt(CfgDefaultValidityDays)
	require.NoError(t, err)
	assert.Equal(t, 365, n)

	cn, err := db.GetConfig(CfgDefaultCommonNameRoot)
	require.NoError(t, err)
	assert.Equal(t, "Meine CA", cn)

	_, err = db.GetConfig(CfgActiveCaId)
	assert.Error(t, err)

	require.NoError(t, db.SetConfig(CfgDefaultKeySize, "4096"))
	v, err = db.GetConfig(CfgDefaultKeySize)
	require.NoError(t, err)
	assert.Equal(t, "4096", v)
}

func TestRevocationIsTerminal(t *testing.T) {
	db := openTestDb(t)

	id, err := db.CreateCert(&Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
	require.NoError(t, err)

	_, err = db.CreateRevocation(id)
	require.NoError(t, err)
	assert.True(t, db.IsRevoked(id))

	_, err = db.CreateRevocation(id)
	assert.Error(t, err)
}

func TestRenewCertIsAtomic(t *testing.T) {
	db := openTestDb(t)

	oldId, err := db.CreateCert(&Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
	require.NoError(t, err)

	newId, err := db.RenewCert(oldId, "ren-1", &Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
	require.NoError(t, err)
	assert.Greater(t, newId, oldId)
	assert.True(t, db.IsRevoked(oldId))
	assert.False(t, db.IsRevoked(newId))

	rens, err := db.ListRenewals()
	require.NoError(t, err)
	require.Len(t, rens, 1)

	// The old leaf is revoked now, so a second renewal must fail and
	// leave no partial rows behind.
	_, err = db.RenewCert(oldId, "ren-2", &Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
	require.Error(t, err)
	rens, err = db.ListRenewals()
	require.NoError(t, err)
	assert.Len(t, rens, 1)
}

func TestWhitelistConflict(t *testing.T) {
	db := openTestDb(t)

	_, err := db.CreateWhitelistEntry("*.example.com")
	require.NoError(t, err)
	_, err = db.CreateWhitelistEntry("*.example.com")
	assert.Error(t, err)
}

func TestDeleteCaCascade(t *testing.T) {
	db := openTestDb(t)

	_, err := db.CreateCA("r0", "Root", "Root CA", "2036-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = db.CreateIntermediate("i0", "r0", "Inter", "Inter CA", "2030-01-01T00:00:00Z")
	require.NoError(t, err)
	rootLeaf, err := db.CreateCert(&Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
	require.NoError(t, err)
	interLeaf, err := db.CreateCert(&Cert{Domain: "b.example.com", IssuerId: "i0"}, nil)
	require.NoError(t, err)
	_, err = db.CreateAssignment("*.example.com", "i0")
	require.NoError(t, err)
	require.NoError(t, db.SetConfig(CfgActiveCaId, "r0"))

	res, err := db.DeleteCaCascade("r0")
	require.NoError(t, err)
	assert.Equal(t, []string{"i0"}, res.Intermediates)
	assert.ElementsMatch(t, []int{rootLeaf, interLeaf}, res.CertIds)

	_, err = db.GetCA("r0")
	assert.Error(t, err)
	_, err = db.GetIntermediate("i0")
	assert.Error(t, err)
	certs, err := db.ListCerts()
	require.NoError(t, err)
	assert.Empty(t, certs)
	assignments, err := db.ListAssignments()
	require.NoError(t, err)
	assert.Empty(t, assignments)
	_, err = db.GetConfig(CfgActiveCaId)
	assert.Error(t, err)
}

func TestDeleteIntermediateCascade(t *testing.T) {
	db := openTestDb(t)

	_, err := db.CreateCA("r0", "Root", "Root CA", "2036-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = db.CreateIntermediate("i0", "r0", "Inter", "Inter CA", "2030-01-01T00:00:00Z")
	require.NoError(t, err)
	keep, err := db.CreateCert(&Cert{Domain: "a.example.com", IssuerId: "r0"}, nil)
	require.NoError(t, err)
	_, err = db.CreateCert(&Cert{Domain: "b.example.com", IssuerId: "i0"}, nil)
	require.NoError(t, err)

	res, err := db.DeleteIntermediateCascade("i0")
	require.NoError(t, err)
	require.Len(t, res.CertIds, 1)

	certs, err := db.ListCerts()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, keep, certs[0].Id)

	_, err = db.GetCA("r0")
	assert.NoError(t, err)
}
