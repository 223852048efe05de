package relocate

import (
	"os"
	"path/filepath"

	"github.com/cacherr-project/cacherr/internal/errs"
)

// ProbeSymlinkSupport implements spec.md §6's startup probe: "a startup
// probe verifies symlink support." Fatal per §7 if it fails. Probes both
// the fast root (symlink target side) and the first slow root (symlink
// creation side), since cacheTo creates the symlink next to the logical
// path on a slow root.
func ProbeSymlinkSupport(fastRoot string, slowRoot string) error {
	if err := os.MkdirAll(fastRoot, 0o755); err != nil {
		return errs.New(errs.SymlinkUnsupported, err, "creating fast root %s", fastRoot)
	}
	if err := os.MkdirAll(slowRoot, 0o755); err != nil {
		return errs.New(errs.SymlinkUnsupported, err, "creating slow root %s", slowRoot)
	}

	target := filepath.Join(fastRoot, ".cacherr-probe-target")
	if err := os.WriteFile(target, []byte("probe"), 0o644); err != nil {
		return errs.New(errs.SymlinkUnsupported, err, "writing probe target")
	}
	defer os.Remove(target)

	link := filepath.Join(slowRoot, ".cacherr-probe-link")
	os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return errs.New(errs.SymlinkUnsupported, err, "creating probe symlink on %s", slowRoot)
	}
	defer os.Remove(link)

	renamed := filepath.Join(slowRoot, ".cacherr-probe-link-renamed")
	os.Remove(renamed)
	if err := os.Rename(link, renamed); err != nil {
		return errs.New(errs.SymlinkUnsupported, err, "atomic rename of symlink unsupported on %s", slowRoot)
	}
	defer os.Remove(renamed)

	data, err := os.ReadFile(renamed)
	if err != nil || string(data) != "probe" {
		return errs.New(errs.SymlinkUnsupported, err, "symlink did not resolve correctly on %s", slowRoot)
	}
	return nil
}
