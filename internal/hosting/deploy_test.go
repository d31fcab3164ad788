package hosting_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeployer(t *testing.T) (*hosting.Deployer, *hosting.VFS, *hosting.AliasResolver) {
	t.Helper()
	db := openTestStore(t)
	vfs := hosting.NewVFS(db)
	manager := hosting.NewManager(db, vfs)
	aliases := hosting.NewAliasResolver(db)
	return hosting.NewDeployer(db, vfs, manager, aliases), vfs, aliases
}

func buildZip(t *testing.T, files map[string]string) *zip.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return zr
}

func TestDeployer_DeploySiteWithSource_Basic(t *testing.T) {
	d, vfs, aliases := newTestDeployer(t)

	zr := buildZip(t, map[string]string{
		"index.html": "<html>hi</html>",
		"app.js":     "console.log(1)",
	})

	result, err := d.DeploySiteWithSource(zr, "myapp", &hosting.SourceInfo{Type: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, "myapp", result.SiteID)
	assert.Equal(t, 2, result.FileCount)

	f, ok := vfs.ReadFile("myapp", "index.html")
	require.True(t, ok)
	assert.Equal(t, "<html>hi</html>", string(f.Content))

	// A default app alias must be created when none exists yet.
	appID, err := aliases.ResolveAppID("myapp", "1.2.3.4", "/")
	require.NoError(t, err)
	assert.Equal(t, "myapp", appID)
}

func TestDeployer_DeploySiteWithSource_RejectsPathTraversal(t *testing.T) {
	d, _, _ := newTestDeployer(t)

	zr := buildZip(t, map[string]string{
		"../../etc/passwd": "root:x:0:0",
	})

	_, err := d.DeploySiteWithSource(zr, "evil", &hosting.SourceInfo{Type: "deploy"})
	assert.Error(t, err)
}

func TestDeployer_DeploySiteWithSource_RejectsAbsolutePathEscape(t *testing.T) {
	d, _, _ := newTestDeployer(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("..")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	_, err = d.DeploySiteWithSource(zr, "evil2", &hosting.SourceInfo{Type: "deploy"})
	assert.Error(t, err)
}

func TestDeployer_DeploySiteWithSource_FaztIgnore(t *testing.T) {
	d, vfs, _ := newTestDeployer(t)

	zr := buildZip(t, map[string]string{
		".faztignore": "*.log\nnode_modules/\n",
		"index.html":  "<html></html>",
		"debug.log":   "verbose output",
		"node_modules/pkg/index.js": "module.exports = {}",
	})

	result, err := d.DeploySiteWithSource(zr, "ignoreapp", &hosting.SourceInfo{Type: "deploy"})
	require.NoError(t, err)

	assert.True(t, vfs.Exists("ignoreapp", "index.html"))
	assert.False(t, vfs.Exists("ignoreapp", "debug.log"), ".faztignore should exclude *.log")
	assert.False(t, vfs.Exists("ignoreapp", "node_modules/pkg/index.js"), ".faztignore should exclude node_modules/")
	assert.False(t, vfs.Exists("ignoreapp", ".faztignore"), ".faztignore itself must never be deployed")
	assert.Equal(t, 1, result.FileCount)
}

func TestDeployer_DeploySiteWithSource_CleanRedeploy(t *testing.T) {
	d, vfs, _ := newTestDeployer(t)

	zr1 := buildZip(t, map[string]string{"old.html": "old"})
	_, err := d.DeploySiteWithSource(zr1, "redeploy", &hosting.SourceInfo{Type: "deploy"})
	require.NoError(t, err)
	require.True(t, vfs.Exists("redeploy", "old.html"))

	zr2 := buildZip(t, map[string]string{"new.html": "new"})
	_, err = d.DeploySiteWithSource(zr2, "redeploy", &hosting.SourceInfo{Type: "deploy"})
	require.NoError(t, err)

	assert.False(t, vfs.Exists("redeploy", "old.html"), "redeploy must clear the previous file set")
	assert.True(t, vfs.Exists("redeploy", "new.html"))
}

func TestDeployer_DeploySiteWithSource_RejectsReservedSubdomain(t *testing.T) {
	d, _, _ := newTestDeployer(t)

	zr := buildZip(t, map[string]string{"index.html": "hi"})
	_, err := d.DeploySiteWithSource(zr, "admin", &hosting.SourceInfo{Type: "deploy"})
	assert.Error(t, err)
}
