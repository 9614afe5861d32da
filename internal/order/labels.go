package order

import "strings"

var fieldLabels = map[string]string{
	FieldService:               "el servicio que querés imprimir",
	FieldWidth:                 "el ancho (en metros)",
	FieldHeight:                "el alto (en metros)",
	FieldComputedArea:          "las medidas completas para calcular la superficie",
	FieldQuantity:              "la cantidad",
	FieldFilePath:              "el archivo de diseño",
	FieldFileAnalysis:          "el análisis del archivo",
	FieldFileAnalysisResponded: "tu respuesta sobre el análisis del archivo",
	FieldFileValidation:        "la validación del archivo",
}

// Label returns the customer-facing description of a missing field.
func Label(field string) string {
	if l, ok := fieldLabels[field]; ok {
		return l
	}
	return field
}

// Labels joins the descriptions of fields, skipping duplicates, as a
// bulleted list.
func Labels(fields []string) string {
	seen := make(map[string]bool, len(fields))
	var sb strings.Builder
	for _, f := range fields {
		l := Label(f)
		if seen[l] {
			continue
		}
		seen[l] = true
		sb.WriteString("• ")
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
