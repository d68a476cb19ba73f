// Package filesource enumerates candidate input files from a local folder
// or an object storage bucket and fetches objects to local temp files.
package filesource

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang-trust-loader/internal/fileselect"
	apperrors "golang-trust-loader/pkg/errors"
)

// Page is one listing response from object storage.
type Page struct {
	Entries     []fileselect.FileRef
	IsTruncated bool
	NextToken   string
}

// ObjectLister lists one page of objects under a prefix. An empty token
// requests the first page.
type ObjectLister interface {
	ListPage(ctx context.Context, prefix, token string) (Page, error)
}

// ObjectStore is the object storage contract used by file loaders.
type ObjectStore interface {
	ObjectLister
	// Head returns the user metadata of an object.
	Head(ctx context.Context, key string) (map[string]string, error)
	// Fetch downloads an object into a local temp file and returns its path.
	// The caller removes the file with DeleteLocalTemp.
	Fetch(ctx context.Context, key string) (string, error)
}

// WalkObjects visits every entry of every page under prefix. Pages are
// requested strictly one after another: all entries of a page are visited
// before the next page is listed. It returns the number of entries visited.
func WalkObjects(ctx context.Context, lister ObjectLister, prefix string, visit func(fileselect.FileRef) error) (int, error) {
	visited := 0
	token := ""
	for {
		page, err := lister.ListPage(ctx, prefix, token)
		if err != nil {
			return visited, apperrors.FileError(apperrors.CodeFileListing, prefix, err)
		}
		for _, entry := range page.Entries {
			visited++
			if err := visit(entry); err != nil {
				return visited, err
			}
		}
		if !page.IsTruncated || page.NextToken == "" {
			return visited, nil
		}
		if page.NextToken == token {
			return visited, apperrors.FileError(apperrors.CodeFileListing, prefix,
				fmt.Errorf("listing returned the same continuation token twice"))
		}
		token = page.NextToken
	}
}

// Enumerate lists the regular files directly inside dir, sorted by name.
func Enumerate(dir string) ([]fileselect.FileRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.FileError(apperrors.CodeFileListing, dir, err)
	}

	refs := make([]fileselect.FileRef, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		refs = append(refs, fileselect.FileRef{
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

// DeleteLocalTemp removes a file created by Fetch. A missing file is not an error.
func DeleteLocalTemp(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}
	return nil
}

// writeTemp copies r into a new temp file that keeps the key's extension,
// so parsers can still dispatch on it.
func writeTemp(r io.Reader, key string) (string, error) {
	f, err := os.CreateTemp("", "trustloader-*"+filepath.Ext(key))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("copy object %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}
