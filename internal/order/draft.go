// Package order holds the in-progress order draft and the completeness rules
// that gate confirmation.
package order

import (
	"maps"
	"slices"

	"github.com/kalambet/printdesk/internal/fileanalysis"
	"github.com/kalambet/printdesk/internal/textutil"
)

// Field names reported by MissingFields, in declaration order.
const (
	FieldService               = "service"
	FieldWidth                 = "measures.width"
	FieldHeight                = "measures.height"
	FieldComputedArea          = "computedArea"
	FieldQuantity              = "quantity"
	FieldFilePath              = "filePath"
	FieldFileAnalysis          = "fileAnalysis"
	FieldFileAnalysisResponded = "fileAnalysisResponded"
	FieldFileValidation        = "fileValidation"
)

// Phase is the conversational phase derived from what the draft still lacks.
type Phase string

const (
	AwaitingService        Phase = "AWAITING_SERVICE"
	AwaitingMeasures       Phase = "AWAITING_MEASURES"
	AwaitingQuantity       Phase = "AWAITING_QUANTITY"
	AwaitingFile           Phase = "AWAITING_FILE"
	AwaitingFileValidation Phase = "AWAITING_FILE_VALIDATION"
	AwaitingConfirmation   Phase = "AWAITING_CONFIRMATION"
)

// measuredCategories are priced by printed area; stored folded.
var measuredCategories = map[string]bool{
	"gran formato": true,
	"textil":       true,
	"vinilos":      true,
	"rigidos":      true,
	"lonas":        true,
}

// ValidationState is the tri-state result of file validation.
type ValidationState int

const (
	ValidationUnset ValidationState = iota
	ValidationValid
	ValidationInvalid
)

func (s ValidationState) String() string {
	switch s {
	case ValidationValid:
		return "valid"
	case ValidationInvalid:
		return "invalid"
	default:
		return "unset"
	}
}

// Validation records the outcome of checking the uploaded file.
type Validation struct {
	State  ValidationState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// ServiceRef identifies the chosen service.
type ServiceRef struct {
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Measures is the print size in meters. Zero means not provided.
type Measures struct {
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// Draft is the order being assembled. Zero values mean "not provided"; no
// field is ever defaulted.
type Draft struct {
	Service                ServiceRef             `json:"service"`
	AvailableWidths        []float64              `json:"available_widths,omitempty"`
	AvailableFinishes      []string               `json:"available_finishes,omitempty"`
	MinDPI                 int                    `json:"min_dpi,omitempty"`
	FileValidationCriteria string                 `json:"file_validation_criteria,omitempty"`
	Measures               Measures               `json:"measures"`
	ComputedArea           float64                `json:"computed_area,omitempty"`
	Finishes               map[string]bool        `json:"finishes,omitempty"`
	Quantity               int                    `json:"quantity,omitempty"`
	FilePath               string                 `json:"file_path,omitempty"`
	FileAnalysis           *fileanalysis.Analysis `json:"file_analysis,omitempty"`
	FileAnalysisResponded  bool                   `json:"file_analysis_responded,omitempty"`
	FileValidation         Validation             `json:"file_validation"`
	Observations           string                 `json:"observations,omitempty"`
}

// IsMeasured reports whether category is priced by area.
func IsMeasured(category string) bool {
	return measuredCategories[textutil.Fold(category)]
}

// MissingFields lists the fields still required before confirmation, in
// declaration order.
func MissingFields(d Draft) []string {
	var missing []string
	if d.Service.Name == "" {
		missing = append(missing, FieldService)
	}
	if IsMeasured(d.Service.Category) {
		if d.Measures.Width <= 0 {
			missing = append(missing, FieldWidth)
		}
		if d.Measures.Height <= 0 {
			missing = append(missing, FieldHeight)
		}
		if d.ComputedArea <= 0 {
			missing = append(missing, FieldComputedArea)
		}
	}
	if d.Quantity <= 0 {
		missing = append(missing, FieldQuantity)
	}
	if d.FilePath == "" {
		missing = append(missing, FieldFilePath)
	}
	if d.FileAnalysis == nil {
		missing = append(missing, FieldFileAnalysis)
	}
	if !d.FileAnalysisResponded {
		missing = append(missing, FieldFileAnalysisResponded)
	}
	if d.FileValidation.State != ValidationValid {
		missing = append(missing, FieldFileValidation)
	}
	return missing
}

// IsComplete reports whether the draft may be confirmed.
func IsComplete(d Draft) bool {
	return len(MissingFields(d)) == 0
}

// PhaseOf derives the conversational phase from the first missing field.
func PhaseOf(d Draft) Phase {
	missing := MissingFields(d)
	if len(missing) == 0 {
		return AwaitingConfirmation
	}
	switch missing[0] {
	case FieldService:
		return AwaitingService
	case FieldWidth, FieldHeight, FieldComputedArea:
		return AwaitingMeasures
	case FieldQuantity:
		return AwaitingQuantity
	case FieldFilePath, FieldFileAnalysis:
		return AwaitingFile
	default:
		return AwaitingFileValidation
	}
}

// SelectedFinishes returns the enabled finishes in sorted order.
func (d Draft) SelectedFinishes() []string {
	var out []string
	for name, on := range d.Finishes {
		if on {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy.
func (d Draft) Clone() Draft {
	c := d
	c.AvailableWidths = slices.Clone(d.AvailableWidths)
	c.AvailableFinishes = slices.Clone(d.AvailableFinishes)
	c.Finishes = maps.Clone(d.Finishes)
	if d.FileAnalysis != nil {
		fa := *d.FileAnalysis
		c.FileAnalysis = &fa
	}
	return c
}

// MaxWidth is the widest available print width, or 0 when unrestricted.
func (d Draft) MaxWidth() float64 {
	if len(d.AvailableWidths) == 0 {
		return 0
	}
	return slices.Max(d.AvailableWidths)
}

// HasFinish reports whether name is offered for the selected service,
// ignoring case and accents.
func (d Draft) HasFinish(name string) (string, bool) {
	want := textutil.Fold(name)
	for _, f := range d.AvailableFinishes {
		if textutil.Fold(f) == want {
			return f, true
		}
	}
	return "", false
}
