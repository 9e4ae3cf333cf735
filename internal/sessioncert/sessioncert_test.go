package sessioncert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreate_WritesHeaderThenPEM(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.Nil(t, err)
	defer d.Close()

	name, cerr := d.Create("deadbeef", "-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n")
	require.Nil(t, cerr)
	require.Len(t, name, 64)

	data, rerr := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, rerr)
	require.Equal(t, CgroupUnitHeader("deadbeef")+"-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n", string(data))

	info, serr := os.Stat(filepath.Join(dir, name))
	require.NoError(t, serr)
	require.Equal(t, os.FileMode(0o400), info.Mode().Perm())
}

func TestUnlink_RemovesFile(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.Nil(t, err)
	defer d.Close()

	name, cerr := d.Create("f00d", "pem-bytes")
	require.Nil(t, cerr)

	require.NoError(t, d.Unlink(name))
	_, staterr := os.Stat(filepath.Join(dir, name))
	require.True(t, os.IsNotExist(staterr))
}

func TestCreate_DistinctRandomNames(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.Nil(t, err)
	defer d.Close()

	n1, e1 := d.Create("a", "pem")
	require.Nil(t, e1)
	n2, e2 := d.Create("b", "pem")
	require.Nil(t, e2)

	require.NotEqual(t, n1, n2)
}

func TestCgroupUnitHeader_ExactLiteral(t *testing.T) {
	require.Equal(t,
		"0::/system.slice/system-cockpithttps.slice/cockpit-wsinstance-https@abc123.service\n",
		CgroupUnitHeader("abc123"))
}
