package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-serverbackup/pkg/identity"
)

func TestStagingNameIsReproducible(t *testing.T) {
	fields := []string{"db.example.org", "3306", "backup", "s3cret", "world", "economy"}

	first, err := identity.StagingName("mysql", fields...)
	require.NoError(t, err)
	second, err := identity.StagingName("mysql", fields...)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Regexp(t, `^mysql-[0-9a-f]{64}$`, first)
}

func TestStagingNameChangesWithIdentity(t *testing.T) {
	a, err := identity.StagingName("sftp", "host", "22", "user", "pw", "/srv")
	require.NoError(t, err)
	b, err := identity.StagingName("sftp", "host", "22", "user", "pw", "/srv/other")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashKnownValue(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", identity.Hash("a", "b", "c"))
}

func TestStagingNameRequiresKind(t *testing.T) {
	_, err := identity.StagingName(" ", "x")
	assert.ErrorIs(t, err, identity.ErrEmptyKind)
}
