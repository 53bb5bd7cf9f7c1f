package decompose

import (
	"archive/zip"
	"bytes"
	"path"
	"strings"
)

// Content sniffing never trusts a declared extension: embedded objects carry
// whatever name the authoring tool gave them, and legacy envelopes routinely
// lie about both name and type.

const (
	mimePDF  = "application/pdf"
	mimePNG  = "image/png"
	mimeJPEG = "image/jpeg"
	mimeGIF  = "image/gif"
	mimeZIP  = "application/zip"
	mimeOLE  = "application/x-ole-storage"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

var (
	magicPDF  = []byte("%PDF")
	magicPNG  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicGIF  = []byte("GIF8")
	magicZIP  = []byte("PK\x03\x04")
	magicOLE  = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// SniffMIME detects the content type of data by magic numbers. Zip content is
// opened to distinguish OOXML packages from plain archives. Returns "" when
// nothing matches.
func SniffMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicPDF):
		return mimePDF
	case bytes.HasPrefix(data, magicPNG):
		return mimePNG
	case bytes.HasPrefix(data, magicJPEG):
		return mimeJPEG
	case bytes.HasPrefix(data, magicGIF):
		return mimeGIF
	case bytes.HasPrefix(data, magicOLE):
		return mimeOLE
	case bytes.HasPrefix(data, magicZIP):
		return sniffZip(data)
	}
	return ""
}

func sniffZip(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return mimeZIP
	}
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			return mimeDOCX
		case "xl/workbook.xml":
			return mimeXLSX
		case "ppt/presentation.xml":
			return mimePPTX
		}
	}
	return mimeZIP
}

// IsContainer reports whether the MIME type is a package format that may
// embed further documents.
func IsContainer(mime string) bool {
	switch mime {
	case mimeDOCX, mimeXLSX, mimePPTX, mimeZIP:
		return true
	}
	return false
}

// UnwrapEnvelope extracts the payload from a legacy OLE compound-file
// envelope by scanning for a known inner magic number. Authoring tools wrap
// embedded files in these envelopes with metadata around the raw bytes; the
// payload's own magic is the only reliable boundary marker.
func UnwrapEnvelope(data []byte) (payload []byte, mime string, ok bool) {
	if !bytes.HasPrefix(data, magicOLE) {
		return nil, "", false
	}
	if idx := bytes.Index(data, magicPDF); idx >= 0 {
		if end := bytes.LastIndex(data, []byte("%%EOF")); end > idx {
			return data[idx : end+len("%%EOF")], mimePDF, true
		}
	}
	if idx := bytes.Index(data[1:], magicZIP); idx >= 0 {
		inner := data[idx+1:]
		if m := sniffZip(inner); m != mimeZIP {
			return inner, m, true
		}
	}
	if idx := bytes.Index(data, magicPNG); idx >= 0 {
		// PNG carries its own end marker; trailing envelope bytes after IEND
		// are tolerated by decoders but trimmed when the chunk is findable.
		if end := bytes.LastIndex(data, []byte("IEND")); end > idx {
			return data[idx : end+8], mimePNG, true
		}
		return data[idx:], mimePNG, true
	}
	return nil, "", false
}

// ExtensionForMIME returns the canonical file extension for a detected type.
func ExtensionForMIME(mime string) string {
	switch mime {
	case mimePDF:
		return ".pdf"
	case mimePNG:
		return ".png"
	case mimeJPEG:
		return ".jpg"
	case mimeGIF:
		return ".gif"
	case mimeDOCX:
		return ".docx"
	case mimeXLSX:
		return ".xlsx"
	case mimePPTX:
		return ".pptx"
	case mimeZIP:
		return ".zip"
	}
	return ""
}

// CorrectFilename aligns a reported filename with the sniffed type, renaming
// e.g. an unwrapped "oleObject1.bin" to carry a .pdf extension.
func CorrectFilename(filename, mime string) string {
	expected := ExtensionForMIME(mime)
	if expected == "" {
		return filename
	}
	ext := strings.ToLower(path.Ext(filename))
	if ext == expected {
		return filename
	}
	return strings.TrimSuffix(filename, path.Ext(filename)) + expected
}
