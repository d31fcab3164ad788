package hosting

import (
	"embed"
	"io/fs"
	"mime"
	"path"
)

//go:embed assets/root assets/notfound
var systemAssets embed.FS

// seedSystemSite writes the embedded bundle for a system site ("root" or
// "404") into the VFS under siteID.
func (m *Manager) seedSystemSite(siteID string) error {
	dir := "assets/root"
	if siteID == SystemNotFoundSite {
		dir = "assets/notfound"
	}

	return fs.WalkDir(systemAssets, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := systemAssets.ReadFile(p)
		if err != nil {
			return err
		}
		rel := p[len(dir)+1:]
		mimeType := mime.TypeByExtension(path.Ext(rel))
		return m.vfs.WriteFile(siteID, rel, content, mimeType)
	})
}
