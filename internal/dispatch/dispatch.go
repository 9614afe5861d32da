// Package dispatch applies parsed commands to a session's draft order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/command"
	"github.com/kalambet/printdesk/internal/order"
	"github.com/kalambet/printdesk/internal/session"
	"github.com/kalambet/printdesk/internal/textutil"
	"github.com/kalambet/printdesk/internal/timers"
)

// Policy decides what happens when two commands in one turn write the same
// field with different values.
type Policy string

const (
	LastWriteWins   Policy = "last_write_wins"
	RejectConflicts Policy = "reject_conflicts"
)

// RuleError is a command the customer can fix; its message is shown to them.
type RuleError struct {
	Msg string
}

func (e *RuleError) Error() string { return e.Msg }

func ruleErr(format string, args ...any) error {
	return &RuleError{Msg: fmt.Sprintf(format, args...)}
}

// IsRule reports whether err is a RuleError.
func IsRule(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

// Result describes what one command did.
type Result struct {
	Kind          command.Kind
	OrderUpdated  bool
	Data          any
	Err           error
	NeedsRecovery bool
	Missing       []string
	Finalized     bool
	Cancelled     bool
	Escalation    timers.Reason
}

// Catalog is what the dispatcher needs from the catalog collaborator.
type Catalog interface {
	GetServices(ctx context.Context) map[string][]catalog.ServiceInfo
	SaveOrder(ctx context.Context, rec catalog.OrderRecord) (catalog.SaveResult, error)
}

// Dispatcher applies commands. The caller must hold the session through
// session.Store.Do.
type Dispatcher struct {
	store   *session.Store
	catalog Catalog
	policy  Policy
}

// New creates a Dispatcher. An empty policy means LastWriteWins.
func New(store *session.Store, cat Catalog, policy Policy) *Dispatcher {
	if policy == "" {
		policy = LastWriteWins
	}
	return &Dispatcher{store: store, catalog: cat, policy: policy}
}

// Apply runs one command against sess. Unknown kinds are a no-op.
func (d *Dispatcher) Apply(ctx context.Context, sess *session.Session, cmd command.Command) Result {
	res := Result{Kind: cmd.Kind}
	switch cmd.Kind {
	case command.SelectService:
		res.OrderUpdated, res.Err = d.selectService(ctx, sess, cmd)
	case command.SetMeasures:
		res.OrderUpdated, res.Err = d.setMeasures(ctx, sess, cmd)
	case command.SetQuantity:
		res.OrderUpdated, res.Err = d.setQuantity(ctx, sess, cmd)
	case command.SetFinishes:
		res.OrderUpdated, res.Err = d.setFinishes(ctx, sess, cmd)
	case command.SetObservations:
		text := cmd.Str("text")
		if text == "" {
			text = cmd.Str("observations")
		}
		if text != "" && text != sess.Draft.Observations {
			res.Err = d.store.ApplyPatch(ctx, sess, session.Patch{Observations: &text})
			res.OrderUpdated = res.Err == nil
		}
	case command.ValidateFile:
		res.OrderUpdated, res.Err = d.validateFile(ctx, sess, cmd)
	case command.ListServices:
		res.Data = d.listServices(ctx, cmd.Str("category"))
	case command.ConfirmOrder:
		d.confirm(ctx, sess, &res)
	case command.RequestHuman:
		res.Escalation = timers.ReasonHumanEscalation
		res.Data = cmd.Str("reason")
	case command.FlagAbuse:
		res.Escalation = timers.ReasonAbuse
		res.Data = cmd.Str("reason")
	case command.CancelOrder:
		sess.Draft = order.Draft{}
		sess.FileUploadAttempts = 0
		res.OrderUpdated = true
		res.Cancelled = true
	default:
		slog.Debug("ignoring unknown command", "kind", cmd.Kind, "user_id", sess.UserID)
	}
	return res
}

func (d *Dispatcher) selectService(ctx context.Context, sess *session.Session, cmd command.Command) (bool, error) {
	name := cmd.Str("service")
	if name == "" {
		name = cmd.Str("name")
	}
	if name == "" {
		return false, ruleErr("No me quedó claro qué servicio querés.")
	}
	before := sess.Draft.Service.Name
	if err := d.store.ApplyPatch(ctx, sess, session.Patch{Service: &name}); err != nil {
		if errors.Is(err, session.ErrUnknownService) {
			return false, ruleErr("No encontré el servicio \"%s\" en nuestro catálogo.", name)
		}
		return false, err
	}
	return sess.Draft.Service.Name != before, nil
}

func (d *Dispatcher) setMeasures(ctx context.Context, sess *session.Session, cmd command.Command) (bool, error) {
	var p session.Patch
	if w, ok := cmd.Float("width"); ok {
		if w <= 0 {
			return false, ruleErr("El ancho tiene que ser mayor a cero.")
		}
		p.Width = &w
	} else if cmd.Has("width") {
		return false, ruleErr("No pude leer el ancho. Indicalo en metros, por ejemplo 1,5.")
	}
	if h, ok := cmd.Float("height"); ok {
		if h <= 0 {
			return false, ruleErr("El alto tiene que ser mayor a cero.")
		}
		p.Height = &h
	} else if cmd.Has("height") {
		return false, ruleErr("No pude leer el alto. Indicalo en metros, por ejemplo 2.")
	}
	if p.Width == nil && p.Height == nil {
		return false, ruleErr("No pude leer las medidas. Indicá ancho y alto en metros.")
	}

	w, h := sess.Draft.Measures.Width, sess.Draft.Measures.Height
	if p.Width != nil {
		w = *p.Width
	}
	if p.Height != nil {
		h = *p.Height
	}
	if maxW := sess.Draft.MaxWidth(); maxW > 0 && w > 0 && h > 0 && math.Min(w, h) > maxW {
		return false, ruleErr("La medida %gx%g m supera el ancho máximo de impresión de %g m para %s.", w, h, maxW, sess.Draft.Service.Name)
	}

	if w == sess.Draft.Measures.Width && h == sess.Draft.Measures.Height {
		return false, nil
	}
	return true, d.store.ApplyPatch(ctx, sess, p)
}

func (d *Dispatcher) setQuantity(ctx context.Context, sess *session.Session, cmd command.Command) (bool, error) {
	q, ok := cmd.Int("quantity")
	if !ok || q <= 0 {
		return false, ruleErr("La cantidad tiene que ser un número entero mayor a cero.")
	}
	if q == sess.Draft.Quantity {
		return false, nil
	}
	return true, d.store.ApplyPatch(ctx, sess, session.Patch{Quantity: &q})
}

func (d *Dispatcher) setFinishes(ctx context.Context, sess *session.Session, cmd command.Command) (bool, error) {
	if sess.Draft.Service.Name == "" {
		return false, ruleErr("Primero elegí el servicio y después vemos los acabados.")
	}
	requested := cmd.BoolMap("finishes")
	if len(requested) == 0 {
		return false, nil
	}

	accepted := make(map[string]bool, len(requested))
	var rejected []string
	for name, on := range requested {
		canonical, ok := sess.Draft.HasFinish(name)
		if !ok {
			rejected = append(rejected, name)
			continue
		}
		if sess.Draft.Finishes[canonical] != on {
			accepted[canonical] = on
		}
	}

	updated := false
	if len(accepted) > 0 {
		if err := d.store.ApplyPatch(ctx, sess, session.Patch{Finishes: accepted}); err != nil {
			return false, err
		}
		updated = true
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		offered := "ninguno"
		if len(sess.Draft.AvailableFinishes) > 0 {
			offered = strings.Join(sess.Draft.AvailableFinishes, ", ")
		}
		return updated, ruleErr("%s no tiene el acabado %s. Disponibles: %s.", sess.Draft.Service.Name, strings.Join(rejected, ", "), offered)
	}
	return updated, nil
}

func (d *Dispatcher) validateFile(ctx context.Context, sess *session.Session, cmd command.Command) (bool, error) {
	if sess.Draft.FileAnalysis == nil {
		return false, ruleErr("Todavía no recibí ningún archivo para revisar.")
	}
	valid, ok := cmd.Bool("valid")
	if !ok {
		return false, ruleErr("No pude determinar si el archivo es válido.")
	}
	v := order.Validation{State: order.ValidationInvalid, Reason: cmd.Str("reason")}
	if valid {
		v.State = order.ValidationValid
	}
	responded := true
	if err := d.store.ApplyPatch(ctx, sess, session.Patch{FileValidation: &v, FileAnalysisResponded: &responded}); err != nil {
		return false, err
	}
	return true, nil
}

// listServices returns the catalog, optionally restricted to one category
// (case and accents ignored).
func (d *Dispatcher) listServices(ctx context.Context, category string) map[string][]catalog.ServiceInfo {
	all := d.catalog.GetServices(ctx)
	if category == "" {
		return all
	}
	want := textutil.Fold(category)
	out := make(map[string][]catalog.ServiceInfo)
	for c, list := range all {
		if textutil.Fold(c) == want {
			out[c] = list
		}
	}
	return out
}

// confirm persists the order only when the draft is complete; otherwise the
// result asks for recovery and the session is left as is.
func (d *Dispatcher) confirm(ctx context.Context, sess *session.Session, res *Result) {
	if missing := order.MissingFields(sess.Draft); len(missing) > 0 {
		res.NeedsRecovery = true
		res.Missing = missing
		slog.Info("confirmation requested on incomplete draft", "user_id", sess.UserID, "missing", missing)
		return
	}

	dr := sess.Draft
	rec := catalog.OrderRecord{
		UserID:       sess.UserID,
		DisplayName:  sess.DisplayName,
		Service:      dr.Service.Name,
		Category:     dr.Service.Category,
		Width:        dr.Measures.Width,
		Height:       dr.Measures.Height,
		Area:         dr.ComputedArea,
		Quantity:     dr.Quantity,
		Finishes:     dr.SelectedFinishes(),
		FilePath:     dr.FilePath,
		Observations: dr.Observations,
	}
	saved, err := d.catalog.SaveOrder(ctx, rec)
	if err != nil {
		res.Err = fmt.Errorf("saving order: %w", err)
		return
	}
	res.Finalized = true
	res.Data = saved
}
