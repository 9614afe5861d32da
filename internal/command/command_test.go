package command

import (
	"math"
	"testing"
)

func TestExtractInOrder(t *testing.T) {
	text := `¡Perfecto! Anoto tu bandera.
{"action":"select_service","service":"Bandera"}
{"action":"set_measures","width":2,"height":3}
{"action":"set_quantity","quantity":5}
¿Tenés el archivo?`

	cmds := Extract(text)
	if len(cmds) != 3 {
		t.Fatalf("got %d commands, want 3", len(cmds))
	}
	if cmds[0].Kind != SelectService || cmds[0].Str("service") != "Bandera" {
		t.Errorf("cmds[0] = %v", cmds[0])
	}
	if w, _ := cmds[1].Float("width"); w != 2 {
		t.Errorf("width = %v", w)
	}
	if h, _ := cmds[1].Float("height"); h != 3 {
		t.Errorf("height = %v", h)
	}
	if q, ok := cmds[2].Int("quantity"); !ok || q != 5 {
		t.Errorf("quantity = %v, %v", q, ok)
	}
}

func TestExtractUnquotedKeys(t *testing.T) {
	cmds := Extract(`listo {action: "set_quantity", quantity: 10}`)
	if len(cmds) != 1 || cmds[0].Kind != SetQuantity {
		t.Fatalf("got %v", cmds)
	}
	if q, _ := cmds[0].Int("quantity"); q != 10 {
		t.Errorf("quantity = %d", q)
	}
}

func TestExtractSingleQuotesAndTrailingComma(t *testing.T) {
	cmds := Extract(`{'action': 'select_service', 'service': 'Lona Front',}`)
	if len(cmds) != 1 || cmds[0].Str("service") != "Lona Front" {
		t.Fatalf("got %v", cmds)
	}
}

func TestExtractKeepsColonsInsideQuotedValues(t *testing.T) {
	cmds := Extract(`{action:'set_observations', text:'urgente, color: rojo'}`)
	if len(cmds) != 1 || cmds[0].Kind != SetObservations {
		t.Fatalf("got %v", cmds)
	}
	if got := cmds[0].Str("text"); got != "urgente, color: rojo" {
		t.Errorf("text = %q", got)
	}

	cmds = Extract(`{action: "set_observations", text: "sin bordes, }", }`)
	if len(cmds) != 1 || cmds[0].Str("text") != "sin bordes, }" {
		t.Fatalf("got %v", cmds)
	}
}

func TestSanitizeLeavesStringsAlone(t *testing.T) {
	for in, want := range map[string]string{
		`{a: 'x: y', b: 1,}`:        `{"a": "x: y", "b": 1}`,
		`{"a": "k: v, w: z", c: 2}`: `{"a": "k: v, w: z", "c": 2}`,
		`{a: 'it\'s'}`:              `{"a": "it's"}`,
		`{a: 'open`:                 `{"a": 'open`,
	} {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestExtractNestedObject(t *testing.T) {
	cmds := Extract(`Agrego terminaciones {"action":"set_finishes","finishes":{"ojales":true,"dobladillo":false}} listo`)
	if len(cmds) != 1 {
		t.Fatalf("got %d commands", len(cmds))
	}
	m := cmds[0].BoolMap("finishes")
	if !m["ojales"] || m["dobladillo"] || len(m) != 2 {
		t.Errorf("finishes = %v", m)
	}
}

func TestExtractBracesInsideStrings(t *testing.T) {
	cmds := Extract(`{"action":"set_observations","text":"logo en {esquina} superior"}`)
	if len(cmds) != 1 || cmds[0].Str("text") != "logo en {esquina} superior" {
		t.Fatalf("got %v", cmds)
	}
}

func TestExtractDropsMalformedAndActionless(t *testing.T) {
	text := `{"action":"set_quantity","quantity":} texto {"foo":1} {"action":"confirm_order"}`
	cmds := Extract(text)
	if len(cmds) != 1 || cmds[0].Kind != ConfirmOrder {
		t.Fatalf("got %v, want only confirm_order", cmds)
	}
}

func TestExtractUnbalanced(t *testing.T) {
	if cmds := Extract(`hola {"action":"set_quantity"`); len(cmds) != 0 {
		t.Errorf("got %v from unbalanced text", cmds)
	}
	if cmds := Extract(`sin comandos } aquí`); len(cmds) != 0 {
		t.Errorf("got %v", cmds)
	}
}

func TestExtractNormalizesKindAndFlattensData(t *testing.T) {
	cmds := Extract(`{"action":"Set-Measures","data":{"width":"1,5","height":2}}`)
	if len(cmds) != 1 || cmds[0].Kind != SetMeasures {
		t.Fatalf("got %v", cmds)
	}
	if w, ok := cmds[0].Float("width"); !ok || w != 1.5 {
		t.Errorf("width = %v, %v", w, ok)
	}
}

func TestFloatRejectsNonFinite(t *testing.T) {
	for _, v := range []any{"NaN", "nan", "Inf", "+Inf", "-Infinity", "1e400", math.NaN(), math.Inf(1)} {
		c := Command{Payload: map[string]any{"width": v}}
		if f, ok := c.Float("width"); ok {
			t.Errorf("Float(%v) = %v, want rejected", v, f)
		}
		if !c.Has("width") {
			t.Errorf("Has(width) = false for %v", v)
		}
	}
	if _, ok := (Command{Payload: map[string]any{"quantity": 1e30}}).Int("quantity"); ok {
		t.Error("Int accepted 1e30")
	}
}

func TestIntRejectsFractions(t *testing.T) {
	c := Command{Payload: map[string]any{"quantity": 2.5}}
	if _, ok := c.Int("quantity"); ok {
		t.Error("Int accepted 2.5")
	}
}

func TestBoolStrings(t *testing.T) {
	c := Command{Payload: map[string]any{"a": "sí", "b": "no", "c": "quizás"}}
	if v, ok := c.Bool("a"); !v || !ok {
		t.Error("sí not true")
	}
	if v, ok := c.Bool("b"); v || !ok {
		t.Error("no not false")
	}
	if _, ok := c.Bool("c"); ok {
		t.Error("quizás parsed")
	}
}

func TestStrip(t *testing.T) {
	text := "¡Genial!  {\"action\":\"set_quantity\",\"quantity\":5}\n\n\n\nAhora mandame el archivo."
	got := Strip(text)
	want := "¡Genial!\n\nAhora mandame el archivo."
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStripRemovesMalformedCommandsKeepsProse(t *testing.T) {
	text := `Usá el formato {ancho}x{alto}. {"action": "confirm_order",}`
	got := Strip(text)
	want := "Usá el formato {ancho}x{alto}."
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}

	broken := `Listo {"action": set_quantity}`
	if got := Strip(broken); got != "Listo" {
		t.Errorf("Strip(broken) = %q", got)
	}
}

func TestStripRemovesObjectsWithoutAction(t *testing.T) {
	text := `Anoto esto {"width": 2, "height": 3} y seguimos.`
	if got := Strip(text); got != "Anoto esto y seguimos." {
		t.Errorf("Strip = %q", got)
	}
}

func TestStripNoCommands(t *testing.T) {
	if got := Strip("  hola  "); got != "hola" {
		t.Errorf("Strip = %q", got)
	}
}
