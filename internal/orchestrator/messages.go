package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/printdesk/internal/catalog"
)

const (
	apologyMessage       = "Perdón, tuvimos un problema técnico procesando tu mensaje. ¿Podés intentar de nuevo en unos minutos?"
	idleWarningMessage   = "¿Seguís ahí? Si querés continuar con tu pedido, respondé este mensaje."
	idleTimeoutMessage   = "Cerramos la conversación por inactividad. Cuando quieras, escribinos de nuevo y arrancamos otra vez."
	humanMessage         = "Te derivo con una persona del equipo; en breve te contactan por este mismo chat."
	abuseMessage         = "Vamos a pausar esta conversación. Si necesitás algo más adelante, escribinos."
	uploadLimitMessage   = "Recibimos varios archivos que no pudimos validar. Un asesor va a revisar tu pedido y te contacta por este chat."
	unsupportedMessage   = "No pude leer ese archivo. Mandalo en PDF, PNG o JPG, por favor."
	fallbackReplyMessage = "¿Me contás un poco más sobre lo que necesitás imprimir?"
	cancelledMessage     = "Listo, descartamos el pedido. Si querés empezar otro, contame qué necesitás imprimir."
)

func welcomeMessage(name string) string {
	greeting := "¡Hola!"
	if name != "" {
		greeting = fmt.Sprintf("¡Hola, %s!", name)
	}
	return greeting + " Soy el asistente virtual de la imprenta. Te ayudo a armar tu pedido: contame qué querés imprimir, las medidas y la cantidad."
}

func orderConfirmedMessage(saved catalog.SaveResult) string {
	return fmt.Sprintf("Pedido registrado con el número %d. ¡Gracias! Te avisamos cuando esté listo.", saved.RowIndex)
}

func formatServices(services map[string][]catalog.ServiceInfo) string {
	if len(services) == 0 {
		return "Por ahora no tengo servicios cargados en esa categoría."
	}
	cats := make([]string, 0, len(services))
	for c := range services {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var sb strings.Builder
	sb.WriteString("Estos son nuestros servicios:")
	for _, c := range cats {
		fmt.Fprintf(&sb, "\n\n*%s*", c)
		for _, s := range services[c] {
			fmt.Fprintf(&sb, "\n• %s", s.Name)
		}
	}
	return sb.String()
}
