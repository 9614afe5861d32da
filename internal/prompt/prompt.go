// Package prompt builds the instructions sent to the completion service.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/command"
	"github.com/kalambet/printdesk/internal/fileanalysis"
	"github.com/kalambet/printdesk/internal/order"
)

const defaultMaxCatalogTokens = 3000

const roleTemplate = `Sos el asistente de ventas por WhatsApp de una imprenta. Atendés en español rioplatense, con mensajes breves y cordiales. Tu trabajo es armar el pedido del cliente paso a paso.

Para registrar datos del pedido incluí en tu respuesta comandos JSON, uno por línea, con este formato exacto:
{"action":"select_service","service":"<nombre exacto del catálogo>"}
{"action":"set_measures","width":<metros>,"height":<metros>}
{"action":"set_quantity","quantity":<entero>}
{"action":"set_finishes","finishes":{"<acabado>":true}}
{"action":"set_observations","text":"<notas del cliente>"}
{"action":"validate_file","valid":<true|false>,"reason":"<motivo>"}
{"action":"list_services","category":"<categoría opcional>"}
{"action":"request_human","reason":"<motivo>"}
{"action":"flag_abuse","reason":"<motivo>"}
{"action":"cancel_order"}
{"action":"confirm_order"}

Reglas:
- Nunca inventes valores: si falta un dato, preguntalo.
- Las medidas van en metros; convertí centímetros si el cliente los usa.
- Solo ofrecé servicios y acabados que figuran en el catálogo.
- Usá confirm_order únicamente cuando el cliente confirmó explícitamente y no falta ningún dato.
- Si el cliente pide hablar con una persona, usá request_human.
- El cliente no ve los comandos; el resto del texto es tu respuesta.`

// Builder assembles prompts within a token budget for the catalog section.
type Builder struct {
	MaxCatalogTokens int
}

// New creates a Builder. If maxCatalogTokens <= 0, the default (3000) is used.
func New(maxCatalogTokens int) *Builder {
	if maxCatalogTokens <= 0 {
		maxCatalogTokens = defaultMaxCatalogTokens
	}
	return &Builder{MaxCatalogTokens: maxCatalogTokens}
}

// System builds the main system prompt: role and command grammar, the
// catalog, the business information and the current draft.
func (b *Builder) System(services map[string][]catalog.ServiceInfo, additionalInfo string, draft order.Draft) string {
	var sb strings.Builder
	sb.WriteString(roleTemplate)

	if cat := b.catalogSection(services); cat != "" {
		sb.WriteString("\n\n[Catálogo]\n")
		sb.WriteString(cat)
	}
	if additionalInfo != "" {
		fmt.Fprintf(&sb, "\n\n[Información del negocio]\n%s", additionalInfo)
	}

	sb.WriteString("\n\n[Pedido actual]\n")
	sb.WriteString(DraftJSON(draft))
	missing := order.MissingFields(draft)
	fmt.Fprintf(&sb, "\nEtapa: %s", order.PhaseOf(draft))
	if len(missing) > 0 {
		fmt.Fprintf(&sb, "\nFaltan: %s", strings.Join(missing, ", "))
	}
	return sb.String()
}

// catalogSection lists categories alphabetically, dropping whole categories
// once the budget is spent.
func (b *Builder) catalogSection(services map[string][]catalog.ServiceInfo) string {
	cats := make([]string, 0, len(services))
	for c := range services {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var sb strings.Builder
	remaining := b.MaxCatalogTokens
	for _, c := range cats {
		entry := formatCategory(c, services[c])
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatCategory(category string, list []catalog.ServiceInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\n", category)
	for _, s := range list {
		fmt.Fprintf(&sb, "- %s", s.Name)
		if s.Type != "" {
			fmt.Fprintf(&sb, " (%s)", s.Type)
		}
		if len(s.AvailableWidths) > 0 {
			fmt.Fprintf(&sb, "; anchos: %s m", joinFloats(s.AvailableWidths))
		}
		if len(s.AvailableFinishes) > 0 {
			fmt.Fprintf(&sb, "; acabados: %s", strings.Join(s.AvailableFinishes, ", "))
		}
		if s.Pricing != "" {
			fmt.Fprintf(&sb, "; precio: %s", s.Pricing)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func joinFloats(fs []float64) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return strings.Join(parts, ", ")
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// DraftJSON renders the draft for inclusion in a prompt.
func DraftJSON(d order.Draft) string {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Extraction asks the model to read only the customer's message and emit
// commands for the missing fields.
func Extraction(userMessage string, missing []string) string {
	return fmt.Sprintf(`Extraé del siguiente mensaje del cliente únicamente los datos que faltan en el pedido: %s.
Respondé solo con los comandos JSON correspondientes, uno por línea, sin texto adicional. No uses confirm_order. Si el mensaje no contiene ninguno de esos datos, respondé {}.

Mensaje del cliente:
%s`, strings.Join(missing, ", "), userMessage)
}

// Continuation asks for a reply acknowledging what was just recorded.
func Continuation(applied []command.Command, missing []string) string {
	var done []string
	for _, c := range applied {
		done = append(done, c.String())
	}
	s := fmt.Sprintf("El cliente acaba de indicar: %s. Ya quedó registrado. Respondé en lenguaje natural confirmando lo registrado", strings.Join(done, "; "))
	if len(missing) > 0 {
		s += fmt.Sprintf(" y pedí lo que todavía falta (%s)", strings.Join(missing, ", "))
	}
	return s + ". No incluyas comandos JSON."
}

// Reevaluation asks the model to request exactly the missing information.
func Reevaluation(d order.Draft, missing []string) string {
	return fmt.Sprintf(`El pedido todavía no se puede confirmar. Estado actual:
%s

Datos faltantes: %s.
Pedile al cliente exactamente esa información, sin asumir valores por defecto. No confirmes el pedido y no incluyas comandos JSON.`, DraftJSON(d), strings.Join(missing, ", "))
}

// FileReview asks the model to judge the uploaded file against the
// service's criteria and emit validate_file.
func FileReview(a fileanalysis.Analysis, d order.Draft) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "El cliente envió un archivo. Análisis: formato %s, %dx%d px, %d dpi, espacio de color %s, tamaño físico %.2f x %.2f m.",
		a.Format, a.Width, a.Height, a.DPI, a.ColorSpace, a.PhysicalWidth, a.PhysicalHeight)
	if d.MinDPI > 0 {
		fmt.Fprintf(&sb, " Resolución mínima del servicio: %d dpi.", d.MinDPI)
	}
	if d.FileValidationCriteria != "" {
		fmt.Fprintf(&sb, " Criterios del servicio: %s.", d.FileValidationCriteria)
	}
	if d.Measures.Width > 0 && d.Measures.Height > 0 {
		fmt.Fprintf(&sb, " Medidas pedidas: %g x %g m.", d.Measures.Width, d.Measures.Height)
	}
	sb.WriteString(` Contale al cliente el resultado del análisis y emití {"action":"validate_file","valid":true|false,"reason":"..."} según corresponda.`)
	return sb.String()
}
