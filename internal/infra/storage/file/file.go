// Package file implements the storage repositories on the local filesystem.
// Every document is written to a temp file, synced and renamed into place so a
// crash never leaves a half-written record behind.
package file

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic replaces path with data via temp file + fsync + rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return writeFileAtomic(path, data)
}

// maxPlainName bounds encoded names well under the 255-byte file name limit.
const maxPlainName = 160

// safeName maps an id to a file name component. The mapping is injective and
// never yields a hidden name: ids made only of [A-Za-z0-9_-] are kept as is,
// other ids become "~" + base64url(id), and ids too long for that become
// "=" + hex(sha256(id)). Neither marker is in the plain alphabet.
func safeName(id string) string {
	if id != "" && len(id) <= maxPlainName && isPlain(id) {
		return id
	}
	enc := base64.RawURLEncoding.EncodeToString([]byte(id))
	if len(enc) < maxPlainName {
		return "~" + enc
	}
	sum := sha256.Sum256([]byte(id))
	return "=" + hex.EncodeToString(sum[:])
}

func isPlain(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
