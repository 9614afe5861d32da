package fileanalysis

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// withPHYs inserts a pHYs chunk right after IHDR.
func withPHYs(data []byte, ppm uint32) []byte {
	const ihdrEnd = 8 + 8 + 13 + 4
	body := make([]byte, 9)
	binary.BigEndian.PutUint32(body[0:4], ppm)
	binary.BigEndian.PutUint32(body[4:8], ppm)
	body[8] = 1

	var chunk bytes.Buffer
	binary.Write(&chunk, binary.BigEndian, uint32(len(body)))
	chunk.WriteString("pHYs")
	chunk.Write(body)
	binary.Write(&chunk, binary.BigEndian, crc32.ChecksumIEEE(append([]byte("pHYs"), body...)))

	out := append([]byte{}, data[:ihdrEnd]...)
	out = append(out, chunk.Bytes()...)
	return append(out, data[ihdrEnd:]...)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 0.001 }

func TestAnalyzePNGWithDensity(t *testing.T) {
	// 11811 px/m is 300 dpi.
	path := writeFile(t, "art.png", withPHYs(encodePNG(t, 600, 300), 11811))

	a, err := New().Analyze(context.Background(), path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Format != "png" || a.Width != 600 || a.Height != 300 {
		t.Errorf("geometry = %+v", a)
	}
	if a.DPI != 300 {
		t.Errorf("DPI = %d, want 300", a.DPI)
	}
	if !approx(a.PhysicalWidth, 0.0508) || !approx(a.PhysicalHeight, 0.0254) {
		t.Errorf("physical = %v x %v", a.PhysicalWidth, a.PhysicalHeight)
	}
	if a.ColorSpace != "RGB" {
		t.Errorf("ColorSpace = %q", a.ColorSpace)
	}
}

func TestAnalyzePNGDefaultDPI(t *testing.T) {
	path := writeFile(t, "art.png", encodePNG(t, 72, 144))

	a, err := New().Analyze(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if a.DPI != DefaultDPI {
		t.Errorf("DPI = %d, want %d", a.DPI, DefaultDPI)
	}
	if !approx(a.PhysicalWidth, 0.0254) || !approx(a.PhysicalHeight, 0.0508) {
		t.Errorf("physical = %v x %v", a.PhysicalWidth, a.PhysicalHeight)
	}
	if !approx(a.Area, 0.0254*0.0508) {
		t.Errorf("Area = %v", a.Area)
	}
}

func TestAnalyzeJPEGWithJFIF(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 150, 150)), nil); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	// APP0: "JFIF\0", version 1.1, units=1 (dpi), 150x150, no thumbnail.
	app0 := []byte{0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x01, 0x00, 0x96, 0x00, 0x96, 0x00, 0x00}
	data := append([]byte{}, raw[:2]...)
	data = append(data, app0...)
	data = append(data, raw[2:]...)

	a, err := New().Analyze(context.Background(), writeFile(t, "art.jpg", data))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Format != "jpeg" || a.DPI != 150 {
		t.Errorf("got %+v, want jpeg at 150 dpi", a)
	}
	if !approx(a.PhysicalWidth, 0.0254) {
		t.Errorf("PhysicalWidth = %v", a.PhysicalWidth)
	}
	if a.ColorSpace != "Gray" {
		t.Errorf("ColorSpace = %q", a.ColorSpace)
	}
}

// buildPDF writes a one-page PDF whose MediaBox is inherited from the page tree.
func buildPDF(w, h float64) []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 %g %g] >>", w, h),
		"<< /Type /Page /Parent 2 0 R /Resources << >> >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func TestAnalyzePDF(t *testing.T) {
	// 1m x 0.5m in points.
	path := writeFile(t, "art.pdf", buildPDF(2834.6457, 1417.3228))

	a, err := New().Analyze(context.Background(), path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Format != "pdf" || a.Pages != 1 {
		t.Errorf("got %+v", a)
	}
	if !approx(a.PhysicalWidth, 1) || !approx(a.PhysicalHeight, 0.5) || !approx(a.Area, 0.5) {
		t.Errorf("physical = %v x %v area %v", a.PhysicalWidth, a.PhysicalHeight, a.Area)
	}
}

func TestAnalyzeUnsupported(t *testing.T) {
	path := writeFile(t, "notes.txt", []byte("hello, not an image"))
	if _, err := New().Analyze(context.Background(), path); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestAnalyzeMissingFile(t *testing.T) {
	if _, err := New().Analyze(context.Background(), filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Fatal("expected error")
	}
}
