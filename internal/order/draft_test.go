package order

import (
	"reflect"
	"slices"
	"testing"

	"github.com/kalambet/printdesk/internal/fileanalysis"
)

func completeDraft() Draft {
	return Draft{
		Service:               ServiceRef{Name: "Bandera", Category: "Textil"},
		Measures:              Measures{Width: 2, Height: 3},
		ComputedArea:          6,
		Quantity:              5,
		FilePath:              "/uploads/bandera.png",
		FileAnalysis:          &fileanalysis.Analysis{Format: "png"},
		FileAnalysisResponded: true,
		FileValidation:        Validation{State: ValidationValid},
	}
}

func TestMissingFieldsEmptyDraft(t *testing.T) {
	got := MissingFields(Draft{})
	want := []string{FieldService, FieldQuantity, FieldFilePath, FieldFileAnalysis, FieldFileAnalysisResponded, FieldFileValidation}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MissingFields = %v, want %v", got, want)
	}
}

func TestMissingFieldsMeasuredCategory(t *testing.T) {
	d := Draft{Service: ServiceRef{Name: "Lona", Category: "Gran Formato"}}
	got := MissingFields(d)
	want := []string{FieldWidth, FieldHeight, FieldComputedArea, FieldQuantity, FieldFilePath, FieldFileAnalysis, FieldFileAnalysisResponded, FieldFileValidation}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MissingFields = %v, want %v", got, want)
	}
}

func TestMissingFieldsUnmeasuredCategorySkipsMeasures(t *testing.T) {
	d := completeDraft()
	d.Service.Category = "Papelería"
	d.Measures = Measures{}
	d.ComputedArea = 0
	if !IsComplete(d) {
		t.Errorf("unmeasured draft incomplete: %v", MissingFields(d))
	}
}

func TestEachRequiredFieldIsReported(t *testing.T) {
	cases := []struct {
		field string
		clear func(*Draft)
	}{
		{FieldService, func(d *Draft) { d.Service = ServiceRef{} }},
		{FieldWidth, func(d *Draft) { d.Measures.Width = 0 }},
		{FieldHeight, func(d *Draft) { d.Measures.Height = 0 }},
		{FieldComputedArea, func(d *Draft) { d.ComputedArea = 0 }},
		{FieldQuantity, func(d *Draft) { d.Quantity = 0 }},
		{FieldFilePath, func(d *Draft) { d.FilePath = "" }},
		{FieldFileAnalysis, func(d *Draft) { d.FileAnalysis = nil }},
		{FieldFileAnalysisResponded, func(d *Draft) { d.FileAnalysisResponded = false }},
		{FieldFileValidation, func(d *Draft) { d.FileValidation = Validation{} }},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			d := completeDraft()
			if !IsComplete(d) {
				t.Fatalf("base draft incomplete: %v", MissingFields(d))
			}
			tc.clear(&d)
			if IsComplete(d) {
				t.Error("IsComplete = true after clearing field")
			}
			if !slices.Contains(MissingFields(d), tc.field) {
				t.Errorf("MissingFields = %v, want it to contain %s", MissingFields(d), tc.field)
			}
		})
	}
}

func TestInvalidFileIsNotComplete(t *testing.T) {
	d := completeDraft()
	d.FileValidation = Validation{State: ValidationInvalid, Reason: "resolución baja"}
	if IsComplete(d) {
		t.Error("draft with invalid file is complete")
	}
}

func TestIsMeasuredIgnoresCaseAndAccents(t *testing.T) {
	for _, c := range []string{"TEXTIL", "Rígidos", " gran   formato ", "vinilos"} {
		if !IsMeasured(c) {
			t.Errorf("IsMeasured(%q) = false", c)
		}
	}
	if IsMeasured("Papelería") {
		t.Error("Papelería reported as measured")
	}
}

func TestPhaseOf(t *testing.T) {
	d := Draft{}
	if p := PhaseOf(d); p != AwaitingService {
		t.Errorf("empty: %s", p)
	}
	d.Service = ServiceRef{Name: "Bandera", Category: "Textil"}
	if p := PhaseOf(d); p != AwaitingMeasures {
		t.Errorf("service only: %s", p)
	}
	d.Measures = Measures{Width: 2, Height: 3}
	d.ComputedArea = 6
	if p := PhaseOf(d); p != AwaitingQuantity {
		t.Errorf("measures: %s", p)
	}
	d.Quantity = 5
	if p := PhaseOf(d); p != AwaitingFile {
		t.Errorf("quantity: %s", p)
	}
	d.FilePath = "/x.png"
	d.FileAnalysis = &fileanalysis.Analysis{}
	if p := PhaseOf(d); p != AwaitingFileValidation {
		t.Errorf("file: %s", p)
	}
	if p := PhaseOf(completeDraft()); p != AwaitingConfirmation {
		t.Errorf("complete: %s", p)
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := completeDraft()
	d.Finishes = map[string]bool{"ojales": true}
	d.AvailableWidths = []float64{1.5}

	c := d.Clone()
	c.Finishes["ojales"] = false
	c.AvailableWidths[0] = 9
	c.FileAnalysis.Format = "pdf"

	if !d.Finishes["ojales"] || d.AvailableWidths[0] != 1.5 || d.FileAnalysis.Format != "png" {
		t.Error("Clone shares state with the original")
	}
}

func TestHasFinishAndMaxWidth(t *testing.T) {
	d := Draft{AvailableFinishes: []string{"Ojales", "Dobladillo"}, AvailableWidths: []float64{1.5, 3.2, 2}}
	if name, ok := d.HasFinish("ojales"); !ok || name != "Ojales" {
		t.Errorf("HasFinish = %q, %v", name, ok)
	}
	if _, ok := d.HasFinish("laminado"); ok {
		t.Error("unexpected finish")
	}
	if w := d.MaxWidth(); w != 3.2 {
		t.Errorf("MaxWidth = %v", w)
	}
	if w := (Draft{}).MaxWidth(); w != 0 {
		t.Errorf("MaxWidth on empty = %v", w)
	}
}

func TestLabelsDeduplicates(t *testing.T) {
	got := Labels([]string{FieldQuantity, FieldQuantity, "custom"})
	want := "• la cantidad\n• custom"
	if got != want {
		t.Errorf("Labels = %q, want %q", got, want)
	}
}
