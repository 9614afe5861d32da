package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/printdesk/internal/textutil"
)

const maxSheetSize = 5 << 20 // 5MB

// SheetSource reads the catalog from a spreadsheet published as HTML and the
// business information from a second published page.
type SheetSource struct {
	sheetURL   string
	infoURL    string
	httpClient *http.Client
}

// NewSheetSource creates a SheetSource. infoURL may be empty.
func NewSheetSource(sheetURL, infoURL string) *SheetSource {
	return &SheetSource{
		sheetURL:   sheetURL,
		infoURL:    infoURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads the sheet and the info page concurrently.
func (s *SheetSource) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		body, err := s.get(gCtx, s.sheetURL)
		if err != nil {
			return fmt.Errorf("fetching sheet: %w", err)
		}
		defer body.Close()
		services, err := ParseServiceTable(body)
		if err != nil {
			return fmt.Errorf("parsing sheet: %w", err)
		}
		snap.Services = services
		return nil
	})

	if s.infoURL != "" {
		g.Go(func() error {
			body, err := s.get(gCtx, s.infoURL)
			if err != nil {
				return fmt.Errorf("fetching info page: %w", err)
			}
			defer body.Close()
			text, err := ExtractText(body)
			if err != nil {
				return fmt.Errorf("parsing info page: %w", err)
			}
			snap.AdditionalInfo = text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *SheetSource) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, maxSheetSize), resp.Body}, nil
}

// column identifies a catalog field in the sheet header.
type column int

const (
	colName column = iota
	colCategory
	colType
	colWidths
	colFinishes
	colMinDPI
	colPricing
	colCriteria
)

var headerAliases = map[string]column{
	"nombre": colName, "servicio": colName, "name": colName, "service": colName,
	"categoria": colCategory, "category": colCategory,
	"tipo": colType, "type": colType,
	"anchos": colWidths, "anchos_disponibles": colWidths, "widths": colWidths,
	"acabados": colFinishes, "terminaciones": colFinishes, "finishes": colFinishes,
	"dpi": colMinDPI, "dpi_minimo": colMinDPI, "min_dpi": colMinDPI,
	"precio": colPricing, "precios": colPricing, "price": colPricing, "pricing": colPricing,
	"criterios": colCriteria, "criterios_archivo": colCriteria, "file_criteria": colCriteria,
}

// ParseServiceTable reads the first HTML table whose header names a service
// and a category column. Rows without a name are skipped.
func ParseServiceTable(r io.Reader) ([]ServiceInfo, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	for _, table := range findAll(doc, atom.Table) {
		rows := tableRows(table)
		headerIdx, cols := findHeader(rows)
		if headerIdx < 0 {
			continue
		}

		var services []ServiceInfo
		for _, row := range rows[headerIdx+1:] {
			svc, ok := rowToService(row, cols)
			if ok {
				services = append(services, svc)
			}
		}
		return services, nil
	}
	return nil, fmt.Errorf("no table with name and category columns found")
}

func findHeader(rows [][]string) (int, map[column]int) {
	for i, row := range rows {
		cols := make(map[column]int)
		for j, cell := range row {
			if c, ok := headerAliases[textutil.Key(cell)]; ok {
				if _, seen := cols[c]; !seen {
					cols[c] = j
				}
			}
		}
		_, hasName := cols[colName]
		_, hasCategory := cols[colCategory]
		if hasName && hasCategory {
			return i, cols
		}
	}
	return -1, nil
}

func rowToService(row []string, cols map[column]int) (ServiceInfo, bool) {
	cell := func(c column) string {
		idx, ok := cols[c]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	svc := ServiceInfo{
		Name:                   cell(colName),
		Category:               cell(colCategory),
		Type:                   cell(colType),
		AvailableWidths:        parseWidths(cell(colWidths)),
		AvailableFinishes:      parseList(cell(colFinishes)),
		Pricing:                cell(colPricing),
		FileValidationCriteria: cell(colCriteria),
	}
	if dpi, err := strconv.Atoi(cell(colMinDPI)); err == nil {
		svc.MinDPI = dpi
	}
	if svc.Name == "" || svc.Category == "" {
		return ServiceInfo{}, false
	}
	return svc, true
}

var widthSeparators = regexp.MustCompile(`[;|/\s]+`)

// parseWidths reads "1,5; 3 / 5" as [1.5 3 5]; commas are decimal separators.
func parseWidths(s string) []float64 {
	var out []float64
	for _, tok := range widthSeparators.Split(s, -1) {
		tok = strings.TrimSuffix(strings.ReplaceAll(tok, ",", "."), "m")
		if tok == "" {
			continue
		}
		if f, err := strconv.ParseFloat(tok, 64); err == nil && f > 0 {
			out = append(out, f)
		}
	}
	return out
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' || r == '|' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func tableRows(table *html.Node) [][]string {
	var rows [][]string
	for _, tr := range findAll(table, atom.Tr) {
		var cells []string
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
				cells = append(cells, strings.Join(strings.Fields(nodeText(c)), " "))
			}
		}
		rows = append(rows, cells)
	}
	return rows
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.Table: true,
}

// ExtractText returns the visible text of an HTML page, one line per block
// element, blank lines removed.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style || n.DataAtom == atom.Head {
				return
			}
			if n.DataAtom == atom.Td || n.DataAtom == atom.Th {
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		if l := strings.Join(strings.Fields(line), " "); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n"), nil
}
