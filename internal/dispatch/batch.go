package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kalambet/printdesk/internal/command"
	"github.com/kalambet/printdesk/internal/session"
	"github.com/kalambet/printdesk/internal/textutil"
)

// ApplyAll applies a turn's commands in order. Under RejectConflicts a
// command that rewrites a field already written this turn with a different
// value is skipped with a RuleError. Processing stops after an order is
// finalized.
func (d *Dispatcher) ApplyAll(ctx context.Context, sess *session.Session, cmds []command.Command) []Result {
	written := make(map[string]string)
	results := make([]Result, 0, len(cmds))

	for _, cmd := range cmds {
		writes := fieldWrites(cmd)
		if d.policy == RejectConflicts {
			if field, ok := conflicts(written, writes); ok {
				results = append(results, Result{
					Kind: cmd.Kind,
					Err:  ruleErr("Recibí dos valores distintos para %s; ¿cuál es el correcto?", field),
				})
				continue
			}
		}

		res := d.Apply(ctx, sess, cmd)
		results = append(results, res)
		if res.Err == nil {
			for f, v := range writes {
				written[f] = v
			}
		}
		if res.Finalized {
			break
		}
	}
	return results
}

func conflicts(written, writes map[string]string) (string, bool) {
	for f, v := range writes {
		if prev, ok := written[f]; ok && prev != v {
			return f, true
		}
	}
	return "", false
}

// fieldWrites maps the draft fields a command writes to a comparable value.
func fieldWrites(cmd command.Command) map[string]string {
	w := make(map[string]string)
	num := func(key string) {
		if f, ok := cmd.Float(key); ok {
			w[key] = strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	switch cmd.Kind {
	case command.SelectService:
		w["service"] = textutil.Fold(cmd.Str("service"))
	case command.SetMeasures:
		num("width")
		num("height")
	case command.SetQuantity:
		num("quantity")
	case command.SetFinishes:
		for name, on := range cmd.BoolMap("finishes") {
			w["finish:"+textutil.Fold(name)] = fmt.Sprint(on)
		}
	case command.SetObservations:
		w["observations"] = cmd.Str("text")
	case command.ValidateFile:
		if v, ok := cmd.Bool("valid"); ok {
			w["fileValidation"] = fmt.Sprint(v)
		}
	}
	return w
}
