// Package recovery repairs a confirmation issued against an incomplete order.
//
// Tiers run in order and stop at the first that produces a reply:
//  1. re-extract the missing data from the customer's own message, apply it
//     and ask the model for a plain acknowledgement;
//  2. ask the model to request exactly the missing fields;
//  3. a fixed notice listing the missing fields, with no external call.
//
// Whatever the tier, the model's premature confirmation text is discarded.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/printdesk/internal/command"
	"github.com/kalambet/printdesk/internal/dispatch"
	"github.com/kalambet/printdesk/internal/llm"
	"github.com/kalambet/printdesk/internal/order"
	"github.com/kalambet/printdesk/internal/prompt"
	"github.com/kalambet/printdesk/internal/session"
)

// Tier numbers reported in Outcome.
const (
	TierReextraction = 1
	TierGuided       = 2
	TierNotice       = 3
)

// Completer is the completion service. Implemented by llm.Client.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []llm.Message, extra string) (string, error)
}

// Request carries the turn context recovery needs.
type Request struct {
	UserMessage string
	Missing     []string
	History     []llm.Message
	// System renders the system prompt for the draft as it stands.
	System func(order.Draft) string
}

// Outcome is the reply recovery produced. Responded is always true once
// Recover returns.
type Outcome struct {
	Tier      int
	Reply     string
	Responded bool
	Applied   []command.Command
	Results   []dispatch.Result
}

// Protocol runs the recovery tiers.
type Protocol struct {
	llm        Completer
	dispatcher *dispatch.Dispatcher
}

// New creates a Protocol.
func New(c Completer, d *dispatch.Dispatcher) *Protocol {
	return &Protocol{llm: c, dispatcher: d}
}

// recoverable are the kinds tier 1 may apply from the customer's message.
var recoverable = map[command.Kind]bool{
	command.SelectService:   true,
	command.SetMeasures:     true,
	command.SetQuantity:     true,
	command.SetFinishes:     true,
	command.SetObservations: true,
}

// Recover runs the tiers against sess, which the caller holds.
func (p *Protocol) Recover(ctx context.Context, sess *session.Session, req Request) Outcome {
	if out, ok := p.reextract(ctx, sess, req); ok {
		return out
	}
	missing := order.MissingFields(sess.Draft)
	if len(missing) == 0 {
		missing = req.Missing
	}
	if out, ok := p.guided(ctx, sess, req, missing); ok {
		return out
	}
	return Outcome{Tier: TierNotice, Reply: MissingNotice(missing), Responded: true}
}

func (p *Protocol) reextract(ctx context.Context, sess *session.Session, req Request) (Outcome, bool) {
	cmds := usable(command.Extract(req.UserMessage))
	if len(cmds) == 0 && strings.TrimSpace(req.UserMessage) != "" {
		text, err := p.llm.Complete(ctx, "", []llm.Message{{Role: "user", Content: prompt.Extraction(req.UserMessage, req.Missing)}}, "")
		if err != nil {
			slog.Warn("recovery extraction call failed", "user_id", sess.UserID, "error", err)
			return Outcome{}, false
		}
		cmds = usable(command.Extract(text))
	}
	if len(cmds) == 0 {
		return Outcome{}, false
	}

	var applied []command.Command
	results := p.dispatcher.ApplyAll(ctx, sess, cmds)
	for i, r := range results {
		if r.Err == nil && r.OrderUpdated {
			applied = append(applied, cmds[i])
		}
	}
	if len(applied) == 0 {
		return Outcome{}, false
	}
	slog.Info("recovered commands from user message", "user_id", sess.UserID, "count", len(applied))

	missing := order.MissingFields(sess.Draft)
	out := Outcome{Tier: TierReextraction, Responded: true, Applied: applied, Results: results}

	text, err := p.llm.Complete(ctx, p.system(req, sess.Draft), req.History, prompt.Continuation(applied, missing))
	reply := ""
	if err == nil {
		reply = command.Strip(text)
	} else {
		slog.Warn("recovery continuation call failed", "user_id", sess.UserID, "error", err)
	}
	if reply == "" {
		reply = MissingNotice(missing)
	}
	out.Reply = reply
	return out, true
}

func (p *Protocol) guided(ctx context.Context, sess *session.Session, req Request, missing []string) (Outcome, bool) {
	text, err := p.llm.Complete(ctx, p.system(req, sess.Draft), req.History, prompt.Reevaluation(sess.Draft, missing))
	if err != nil {
		slog.Warn("recovery re-evaluation call failed", "user_id", sess.UserID, "error", err)
		return Outcome{}, false
	}
	reply := command.Strip(text)
	if reply == "" {
		return Outcome{}, false
	}
	return Outcome{Tier: TierGuided, Reply: reply, Responded: true}, true
}

func (p *Protocol) system(req Request, d order.Draft) string {
	if req.System == nil {
		return ""
	}
	return req.System(d)
}

func usable(cmds []command.Command) []command.Command {
	out := cmds[:0:0]
	for _, c := range cmds {
		if recoverable[c.Kind] {
			out = append(out, c)
		}
	}
	return out
}

// MissingNotice is the fixed message listing what the order still needs.
func MissingNotice(missing []string) string {
	if len(missing) == 0 {
		return "Tu pedido ya tiene todos los datos. ¿Confirmás que lo registremos?"
	}
	return fmt.Sprintf("Para confirmar tu pedido todavía necesito:\n%s\n¿Me lo pasás?", order.Labels(missing))
}
