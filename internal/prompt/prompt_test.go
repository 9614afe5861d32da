package prompt

import (
	"strings"
	"testing"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/command"
	"github.com/kalambet/printdesk/internal/fileanalysis"
	"github.com/kalambet/printdesk/internal/order"
)

func testServices() map[string][]catalog.ServiceInfo {
	return map[string][]catalog.ServiceInfo{
		"Textil":    {{Name: "Bandera", Category: "Textil", Type: "sublimado", AvailableWidths: []float64{1.5, 3}, AvailableFinishes: []string{"ojales"}}},
		"Papelería": {{Name: "Tarjetas", Category: "Papelería", Pricing: "$10 c/u"}},
	}
}

func TestSystemIncludesCatalogInfoAndDraft(t *testing.T) {
	d := order.Draft{Service: order.ServiceRef{Name: "Bandera", Category: "Textil"}, Quantity: 5}
	got := New(0).System(testServices(), "Horario 9 a 18", d)

	for _, want := range []string{
		`"action":"confirm_order"`,
		"[Catálogo]",
		"- Bandera (sublimado); anchos: 1.5, 3 m; acabados: ojales",
		"- Tarjetas; precio: $10 c/u",
		"[Información del negocio]\nHorario 9 a 18",
		`"name": "Bandera"`,
		"Etapa: AWAITING_MEASURES",
		"Faltan: measures.width, measures.height",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if strings.Index(got, "Papelería:") > strings.Index(got, "Textil:") {
		t.Error("categories not sorted")
	}
}

func TestSystemCatalogBudget(t *testing.T) {
	got := New(10).System(testServices(), "", order.Draft{})
	if strings.Contains(got, "Bandera (sublimado)") {
		t.Error("category over budget was included")
	}
	if strings.Contains(got, "[Catálogo]") && !strings.Contains(got, "Tarjetas") {
		t.Error("empty catalog header emitted")
	}
}

func TestExtractionScopesToMissing(t *testing.T) {
	got := Extraction("son 5 unidades", []string{order.FieldQuantity})
	if !strings.Contains(got, "quantity") || !strings.Contains(got, "son 5 unidades") || !strings.Contains(got, "No uses confirm_order") {
		t.Errorf("Extraction = %q", got)
	}
}

func TestContinuation(t *testing.T) {
	cmds := []command.Command{{Kind: command.SetQuantity, Payload: map[string]any{"quantity": 5.0}}}
	got := Continuation(cmds, []string{order.FieldFilePath})
	if !strings.Contains(got, "set_quantity") || !strings.Contains(got, "filePath") || !strings.Contains(got, "No incluyas comandos") {
		t.Errorf("Continuation = %q", got)
	}
	if strings.Contains(Continuation(cmds, nil), "todavía falta") {
		t.Error("mentions missing fields when none are missing")
	}
}

func TestReevaluation(t *testing.T) {
	got := Reevaluation(order.Draft{Quantity: 2}, []string{order.FieldService})
	if !strings.Contains(got, `"quantity": 2`) || !strings.Contains(got, "Datos faltantes: service") {
		t.Errorf("Reevaluation = %q", got)
	}
}

func TestFileReview(t *testing.T) {
	a := fileanalysis.Analysis{Format: "png", Width: 3000, Height: 2000, DPI: 150, ColorSpace: "RGB", PhysicalWidth: 0.508, PhysicalHeight: 0.3387}
	d := order.Draft{MinDPI: 100, FileValidationCriteria: "CMYK", Measures: order.Measures{Width: 2, Height: 3}}
	got := FileReview(a, d)
	for _, want := range []string{"png", "3000x2000", "150 dpi", "mínima del servicio: 100", "CMYK", "2 x 3 m", "validate_file"} {
		if !strings.Contains(got, want) {
			t.Errorf("FileReview missing %q: %s", want, got)
		}
	}
}
