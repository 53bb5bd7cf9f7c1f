package decompose

import (
	"archive/zip"
	"bytes"
	"testing"
)

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func wrapInOLE(t *testing.T, payload []byte) []byte {
	t.Helper()
	data := append([]byte{}, magicOLE...)
	data = append(data, []byte("metadata header noise ")...)
	data = append(data, payload...)
	data = append(data, []byte(" trailing envelope bytes")...)
	return data
}

func TestSniffMIME(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.7 content"), mimePDF},
		{"png", append(append([]byte{}, magicPNG...), 0x00), mimePNG},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, mimeJPEG},
		{"gif", []byte("GIF89a...."), mimeGIF},
		{"ole", append(append([]byte{}, magicOLE...), 0x00), mimeOLE},
		{"unknown", []byte("MZ executable"), ""},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SniffMIME(tc.data); got != tc.want {
				t.Fatalf("SniffMIME = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSniffZipDistinguishesOOXML(t *testing.T) {
	docx := buildZip(t, map[string][]byte{"word/document.xml": []byte("<w/>")})
	if got := SniffMIME(docx); got != mimeDOCX {
		t.Fatalf("docx sniff = %q, want %q", got, mimeDOCX)
	}
	xlsx := buildZip(t, map[string][]byte{"xl/workbook.xml": []byte("<x/>")})
	if got := SniffMIME(xlsx); got != mimeXLSX {
		t.Fatalf("xlsx sniff = %q, want %q", got, mimeXLSX)
	}
	plain := buildZip(t, map[string][]byte{"readme.txt": []byte("hi")})
	if got := SniffMIME(plain); got != mimeZIP {
		t.Fatalf("plain zip sniff = %q, want %q", got, mimeZIP)
	}
}

func TestUnwrapEnvelopePDF(t *testing.T) {
	pdf := []byte("%PDF-1.4\nsome body\n%%EOF")
	wrapped := wrapInOLE(t, pdf)

	payload, mime, ok := UnwrapEnvelope(wrapped)
	if !ok {
		t.Fatalf("expected unwrap to succeed")
	}
	if mime != mimePDF {
		t.Fatalf("mime = %q, want %q", mime, mimePDF)
	}
	if !bytes.Equal(payload, pdf) {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

func TestUnwrapEnvelopeUnknownPayload(t *testing.T) {
	wrapped := wrapInOLE(t, []byte("MZ some executable"))
	if _, _, ok := UnwrapEnvelope(wrapped); ok {
		t.Fatalf("expected unknown payload to stay wrapped")
	}
}

func TestUnwrapEnvelopeRejectsNonOLE(t *testing.T) {
	if _, _, ok := UnwrapEnvelope([]byte("%PDF-1.4")); ok {
		t.Fatalf("non-envelope input must not unwrap")
	}
}

func TestCorrectFilename(t *testing.T) {
	cases := []struct {
		filename string
		mime     string
		want     string
	}{
		{"oleObject1.bin", mimePDF, "oleObject1.pdf"},
		{"image7.png", mimePNG, "image7.png"},
		{"Chart.JPEG", mimeJPEG, "Chart.jpg"},
		{"archive", mimeZIP, "archive.zip"},
		{"mystery.dat", "", "mystery.dat"},
	}
	for _, tc := range cases {
		if got := CorrectFilename(tc.filename, tc.mime); got != tc.want {
			t.Fatalf("CorrectFilename(%q, %q) = %q, want %q", tc.filename, tc.mime, got, tc.want)
		}
	}
}

func TestEnumerateEmbeddedFindsEmbeddingDirs(t *testing.T) {
	pkg := buildZip(t, map[string][]byte{
		"word/document.xml":            []byte("<w/>"),
		"word/embeddings/object1.bin":  []byte("%PDF-1.4 x %%EOF"),
		"word/media/image1.png":        []byte("not an embedding"),
		"word/embeddings/spreadsheet/": nil,
	})
	objects, err := EnumerateEmbedded(pkg)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(objects))
	}
	if objects[0].Path != "word/embeddings/object1.bin" {
		t.Fatalf("path = %q", objects[0].Path)
	}
	if objects[0].Filename != "object1.bin" {
		t.Fatalf("filename = %q", objects[0].Filename)
	}
}

func TestEnumerateEmbeddedRejectsNonZip(t *testing.T) {
	if _, err := EnumerateEmbedded([]byte("%PDF-1.4 not a zip")); err == nil {
		t.Fatalf("expected error for non-container input")
	}
}
