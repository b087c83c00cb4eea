// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed postgres/*.sql sqlite/*.sql
var embeddedFiles embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type File struct {
	Name string
	SQL  string
}

// Checksum is the hex SHA-256 of the file body, recorded when it is applied.
func (f File) Checksum() string {
	sum := sha256.Sum256([]byte(f.SQL))
	return hex.EncodeToString(sum[:])
}

// Ordered returns the dialect's migrations sorted by file name.
func Ordered(dialect Dialect) ([]File, error) {
	switch dialect {
	case Postgres, SQLite:
	default:
		return nil, fmt.Errorf("unknown migration dialect %q", dialect)
	}

	dir := string(dialect)
	entries, err := fs.ReadDir(embeddedFiles, dir)
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		body, err := embeddedFiles.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		files = append(files, File{
			Name: entry.Name(),
			SQL:  string(body),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})

	return files, nil
}
