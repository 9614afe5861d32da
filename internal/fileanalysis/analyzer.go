// Package fileanalysis inspects uploaded print files and reports their pixel
// geometry, resolution and physical size.
package fileanalysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"

	"github.com/ledongthuc/pdf"
)

const (
	// DefaultDPI is assumed when an image carries no density information.
	DefaultDPI    = 72
	metersPerInch = 0.0254
	pointsPerInch = 72.0
)

// ErrUnsupportedFormat is returned for files that are neither a raster image
// nor a PDF.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Analysis is the result of inspecting one file. Physical sizes are in meters
// and Area in square meters.
type Analysis struct {
	Format         string  `json:"format"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	DPI            int     `json:"dpi"`
	ColorSpace     string  `json:"color_space"`
	PhysicalWidth  float64 `json:"physical_width"`
	PhysicalHeight float64 `json:"physical_height"`
	Area           float64 `json:"area"`
	Pages          int     `json:"pages,omitempty"`
}

// Analyzer inspects files on the local filesystem.
type Analyzer struct{}

// New returns an Analyzer.
func New() *Analyzer { return &Analyzer{} }

// Analyze sniffs the file type and dispatches to the image or PDF inspector.
func (a *Analyzer) Analyze(ctx context.Context, path string) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Analysis{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return analyzePDF(data)
	}
	return analyzeImage(data)
}

func analyzeImage(data []byte) (Analysis, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return Analysis{}, ErrUnsupportedFormat
		}
		return Analysis{}, fmt.Errorf("decoding image header: %w", err)
	}

	dpi := 0
	switch format {
	case "png":
		dpi = pngDPI(data)
	case "jpeg":
		dpi = jpegDPI(data)
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	a := Analysis{
		Format:     format,
		Width:      cfg.Width,
		Height:     cfg.Height,
		DPI:        dpi,
		ColorSpace: colorSpaceName(cfg),
	}
	a.PhysicalWidth = round4(float64(cfg.Width) / float64(dpi) * metersPerInch)
	a.PhysicalHeight = round4(float64(cfg.Height) / float64(dpi) * metersPerInch)
	a.Area = round4(a.PhysicalWidth * a.PhysicalHeight)
	return a, nil
}

func colorSpaceName(cfg image.Config) string {
	switch cfg.ColorModel {
	case color.CMYKModel:
		return "CMYK"
	case color.GrayModel, color.Gray16Model:
		return "Gray"
	case color.YCbCrModel:
		return "YCbCr"
	case nil:
		return "unknown"
	default:
		return "RGB"
	}
}

// pngDPI reads the pHYs chunk. Only the meter unit carries an absolute density.
func pngDPI(data []byte) int {
	const sigLen = 8
	if len(data) < sigLen {
		return 0
	}
	r := bytes.NewReader(data[sigLen:])
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return 0
		}
		length := binary.BigEndian.Uint32(hdr[:4])
		typ := string(hdr[4:8])
		if typ == "IDAT" || typ == "IEND" {
			return 0
		}
		if typ == "pHYs" && length == 9 {
			var body [9]byte
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return 0
			}
			ppuX := binary.BigEndian.Uint32(body[:4])
			if body[8] != 1 {
				return 0
			}
			return int(math.Round(float64(ppuX) * metersPerInch))
		}
		if _, err := r.Seek(int64(length)+4, io.SeekCurrent); err != nil {
			return 0
		}
	}
}

// jpegDPI reads the density fields of the JFIF APP0 segment.
func jpegDPI(data []byte) int {
	br := bufio.NewReader(bytes.NewReader(data))
	var soi [2]byte
	if _, err := io.ReadFull(br, soi[:]); err != nil || soi != [2]byte{0xFF, 0xD8} {
		return 0
	}
	for {
		var marker [4]byte
		if _, err := io.ReadFull(br, marker[:]); err != nil || marker[0] != 0xFF {
			return 0
		}
		segLen := int(binary.BigEndian.Uint16(marker[2:])) - 2
		if segLen < 0 {
			return 0
		}
		if marker[1] == 0xDA {
			return 0
		}
		seg := make([]byte, segLen)
		if _, err := io.ReadFull(br, seg); err != nil {
			return 0
		}
		if marker[1] != 0xE0 || segLen < 12 || string(seg[:5]) != "JFIF\x00" {
			continue
		}
		units := seg[7]
		x := float64(binary.BigEndian.Uint16(seg[8:10]))
		switch units {
		case 1:
			return int(x)
		case 2:
			return int(math.Round(x * 2.54))
		}
		return 0
	}
}

func analyzePDF(data []byte) (Analysis, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Analysis{}, fmt.Errorf("opening pdf: %w", err)
	}
	pages := r.NumPage()
	if pages == 0 {
		return Analysis{}, fmt.Errorf("pdf has no pages")
	}

	box := mediaBox(r.Page(1).V)
	if len(box) != 4 {
		return Analysis{}, fmt.Errorf("pdf page 1 has no media box")
	}
	wPt := math.Abs(box[2] - box[0])
	hPt := math.Abs(box[3] - box[1])

	a := Analysis{
		Format:     "pdf",
		Width:      int(math.Round(wPt)),
		Height:     int(math.Round(hPt)),
		ColorSpace: "unknown",
		Pages:      pages,
	}
	a.PhysicalWidth = round4(wPt / pointsPerInch * metersPerInch)
	a.PhysicalHeight = round4(hPt / pointsPerInch * metersPerInch)
	a.Area = round4(a.PhysicalWidth * a.PhysicalHeight)
	return a, nil
}

// mediaBox returns the page's MediaBox, following Parent links for inherited
// boxes.
func mediaBox(page pdf.Value) []float64 {
	for v, depth := page, 0; !v.IsNull() && depth < 32; v, depth = v.Key("Parent"), depth+1 {
		mb := v.Key("MediaBox")
		if mb.Kind() != pdf.Array || mb.Len() != 4 {
			continue
		}
		out := make([]float64, 4)
		for i := range out {
			out[i] = mb.Index(i).Float64()
		}
		return out
	}
	return nil
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
