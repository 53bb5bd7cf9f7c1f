package decompose

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// EmbeddedObject is one candidate child found inside a container package.
type EmbeddedObject struct {
	// Path is the entry path inside the package, the stable anchor for the
	// parent rewrite.
	Path         string
	Filename     string
	DeclaredType string
	Data         []byte
}

// embeddingDirs are the package locations where OOXML formats keep embedded
// objects.
var embeddingDirs = []string{
	"word/embeddings/",
	"xl/embeddings/",
	"ppt/embeddings/",
	"embeddings/",
}

func isEmbeddingPath(name string) bool {
	for _, dir := range embeddingDirs {
		if strings.HasPrefix(name, dir) {
			return true
		}
	}
	return false
}

// EnumerateEmbedded lists the embedded objects of a container package in
// entry order. A non-container or unparseable input yields an error; an
// entry that fails to decompress is dropped, not fatal.
func EnumerateEmbedded(data []byte) ([]EmbeddedObject, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	var objects []EmbeddedObject
	for _, f := range zr.File {
		if !isEmbeddingPath(f.Name) || strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || len(content) == 0 {
			continue
		}
		objects = append(objects, EmbeddedObject{
			Path:         f.Name,
			Filename:     path.Base(f.Name),
			DeclaredType: declaredTypeFor(f.Name),
			Data:         content,
		})
	}
	return objects, nil
}

func declaredTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return mimePDF
	case ".png":
		return mimePNG
	case ".jpg", ".jpeg":
		return mimeJPEG
	case ".gif":
		return mimeGIF
	case ".docx":
		return mimeDOCX
	case ".xlsx":
		return mimeXLSX
	case ".pptx":
		return mimePPTX
	case ".bin":
		return mimeOLE
	case ".exe":
		return "application/x-msdownload"
	}
	return "application/octet-stream"
}

// crossRefTag is the permanent on-page representation of a resolved child.
// The entry path acts as the stable placeholder until every child in the
// pass is resolved; substitution happens in one re-serialization.
func crossRefTag(id uuid.UUID) string {
	return fmt.Sprintf(`<doc-ref id=%q/>`, id)
}

// RewritePackage re-serializes the parent container with every resolved
// embedded object's entry replaced by a cross-reference tag carrying its
// child document id. Unresolved entries (filtered or skipped objects) are
// copied through untouched.
func RewritePackage(data []byte, resolved map[string]uuid.UUID) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open container for rewrite: %w", err)
	}
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, fmt.Errorf("rewrite entry %s: %w", f.Name, err)
		}
		if childID, ok := resolved[f.Name]; ok {
			if _, err := io.WriteString(w, crossRefTag(childID)); err != nil {
				return nil, fmt.Errorf("rewrite entry %s: %w", f.Name, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("rewrite entry %s: %w", f.Name, err)
		}
		if _, err := io.Copy(w, rc); err != nil {
			rc.Close()
			return nil, fmt.Errorf("rewrite entry %s: %w", f.Name, err)
		}
		rc.Close()
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close rewritten container: %w", err)
	}
	return buf.Bytes(), nil
}
