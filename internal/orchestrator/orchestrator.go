// Package orchestrator runs the per-turn conversation cycle: debounce,
// completion, command dispatch, recovery and the timers around them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/command"
	"github.com/kalambet/printdesk/internal/debounce"
	"github.com/kalambet/printdesk/internal/dispatch"
	"github.com/kalambet/printdesk/internal/fileanalysis"
	"github.com/kalambet/printdesk/internal/llm"
	"github.com/kalambet/printdesk/internal/order"
	"github.com/kalambet/printdesk/internal/prompt"
	"github.com/kalambet/printdesk/internal/recovery"
	"github.com/kalambet/printdesk/internal/session"
	"github.com/kalambet/printdesk/internal/timers"
)

// Status classifies a turn's outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
	StatusIgnored Status = "ignored"
)

// Attachment references a file the transport already stored locally.
type Attachment struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Inbound is one message from the transport.
type Inbound struct {
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name,omitempty"`
	Text        string      `json:"text,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// TurnResult is what a turn produced. Reply is empty only when the turn was
// ignored.
type TurnResult struct {
	Status     Status        `json:"status"`
	Reply      string        `json:"reply,omitempty"`
	Tier       int           `json:"tier,omitempty"`
	Finalized  bool          `json:"finalized,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Escalation timers.Reason `json:"escalation,omitempty"`
}

// Catalog is the catalog collaborator.
type Catalog interface {
	dispatch.Catalog
	AdditionalInfo() string
}

// Analyzer inspects uploaded files. Implemented by fileanalysis.Analyzer.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (fileanalysis.Analysis, error)
}

// Sender delivers replies to the customer.
type Sender interface {
	Send(ctx context.Context, userID, text string) error
}

// Deps are the collaborators the Orchestrator drives.
type Deps struct {
	Sessions *session.Store
	Catalog  Catalog
	LLM      recovery.Completer
	Analyzer Analyzer
	Sender   Sender
	Prompts  *prompt.Builder
}

// Options tune timing and limits.
type Options struct {
	Debounce          time.Duration
	IdleWarning       time.Duration
	IdleExpiry        time.Duration
	Tiers             timers.Tiers
	MaxUploadAttempts int
	ConflictPolicy    dispatch.Policy
	TurnTimeout       time.Duration
	// Clock drives the blacklist; nil means wall time.
	Clock timers.Clock
}

// Orchestrator is safe for concurrent use. Work for one user runs on that
// user's lane, one task at a time.
type Orchestrator struct {
	sessions   *session.Store
	catalog    Catalog
	llm        recovery.Completer
	analyzer   Analyzer
	sender     Sender
	prompts    *prompt.Builder
	dispatcher *dispatch.Dispatcher
	recovery   *recovery.Protocol
	queue      *debounce.Queue
	idle       *timers.Idle
	blacklist  *timers.Blacklist
	opts       Options
}

// New wires an Orchestrator.
func New(d Deps, opts Options) *Orchestrator {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 2 * time.Minute
	}
	if opts.MaxUploadAttempts <= 0 {
		opts.MaxUploadAttempts = 3
	}
	if d.Prompts == nil {
		d.Prompts = prompt.New(0)
	}
	bl := timers.NewBlacklist()
	if opts.Clock != nil {
		bl = timers.NewBlacklistWithClock(opts.Clock)
	}
	disp := dispatch.New(d.Sessions, d.Catalog, opts.ConflictPolicy)
	return &Orchestrator{
		sessions:   d.Sessions,
		catalog:    d.Catalog,
		llm:        d.LLM,
		analyzer:   d.Analyzer,
		sender:     d.Sender,
		prompts:    d.Prompts,
		dispatcher: disp,
		recovery:   recovery.New(d.LLM, disp),
		queue:      debounce.New(opts.Debounce),
		idle:       timers.NewIdle(opts.IdleWarning, opts.IdleExpiry),
		blacklist:  bl,
		opts:       opts,
	}
}

// Sessions exposes the session store.
func (o *Orchestrator) Sessions() *session.Store { return o.sessions }

// Blacklist exposes the blacklist.
func (o *Orchestrator) Blacklist() *timers.Blacklist { return o.blacklist }

// HandleInbound routes a transport message. Blacklisted users are dropped
// without touching any state. Text is debounced; attachments go straight to
// the user's lane. Replies are delivered through the Sender.
func (o *Orchestrator) HandleInbound(ctx context.Context, in Inbound) error {
	if in.UserID == "" {
		return errors.New("inbound message without user id")
	}
	if o.blacklist.IsBlacklisted(in.UserID) {
		slog.Debug("dropping message from blacklisted user", "user_id", in.UserID)
		return nil
	}

	text := strings.TrimSpace(in.Text)
	if text == "" && in.Attachment == nil {
		return nil
	}

	// Any inbound message is activity: a pending expiry must not fire
	// between now and the turn.
	o.idle.Cancel(in.UserID)

	if in.Attachment != nil {
		att := *in.Attachment
		o.queue.Submit(in.UserID, func() {
			o.deliver(in.UserID, o.RunAttachment(context.Background(), in.UserID, in.DisplayName, att))
		})
	}
	if text != "" {
		o.queue.Enqueue(in.UserID, text, func(joined string) {
			o.deliver(in.UserID, o.RunTurn(context.Background(), in.UserID, in.DisplayName, joined))
		})
	}
	return nil
}

func (o *Orchestrator) deliver(userID string, res TurnResult) {
	if res.Reply == "" {
		return
	}
	o.send(userID, res.Reply)
}

func (o *Orchestrator) send(userID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.sender.Send(ctx, userID, text); err != nil {
		slog.Warn("failed to deliver reply", "user_id", userID, "error", err)
	}
}

// turnOutcome carries side effects applied after the session lock is released.
type turnOutcome struct {
	result     TurnResult
	escalation timers.Reason
}

// RunTurn processes one logical user turn synchronously. Collaborator
// failures restore the session to its state before the turn and yield a
// single apology.
func (o *Orchestrator) RunTurn(ctx context.Context, userID, displayName, text string) TurnResult {
	return o.run(ctx, userID, displayName, func(ctx context.Context, sess *session.Session) (turnOutcome, error) {
		return o.converse(ctx, sess, text, "")
	})
}

// RunAttachment processes an uploaded file as a turn: the file is analysed,
// recorded on the draft and the model is asked to judge it.
func (o *Orchestrator) RunAttachment(ctx context.Context, userID, displayName string, att Attachment) TurnResult {
	return o.run(ctx, userID, displayName, func(ctx context.Context, sess *session.Session) (turnOutcome, error) {
		return o.attachment(ctx, sess, att)
	})
}

func (o *Orchestrator) run(ctx context.Context, userID, displayName string, fn func(context.Context, *session.Session) (turnOutcome, error)) TurnResult {
	if o.blacklist.IsBlacklisted(userID) {
		return TurnResult{Status: StatusIgnored}
	}

	o.idle.Cancel(userID)

	ctx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()

	var out turnOutcome
	err := o.sessions.Do(ctx, userID, func(sess *session.Session) error {
		snapshot := sess.Clone()
		if displayName != "" {
			sess.DisplayName = displayName
		}
		var err error
		out, err = fn(ctx, sess)
		if err != nil {
			sess.Restore(snapshot)
			return err
		}
		sess.State = string(sess.Phase())
		return nil
	})
	if err != nil {
		slog.Warn("turn failed", "user_id", userID, "error", err)
		return TurnResult{Status: StatusFailure, Reply: apologyMessage}
	}

	switch {
	case out.result.Finalized:
		o.idle.Cancel(userID)
		o.blacklist.Add(userID, o.opts.Tiers.Duration(timers.ReasonOrderCooldown), timers.ReasonOrderCooldown)
	case out.escalation != "":
		o.idle.Cancel(userID)
		o.queue.Discard(userID)
		o.blacklist.Add(userID, o.opts.Tiers.Duration(out.escalation), out.escalation)
		slog.Info("user blacklisted", "user_id", userID, "reason", out.escalation)
	default:
		o.armIdle(userID)
	}
	return out.result
}

// converse runs the completion cycle for text. extra is an additional
// system instruction for this call only.
func (o *Orchestrator) converse(ctx context.Context, sess *session.Session, text, extra string) (turnOutcome, error) {
	o.sessions.Touch(sess)

	var prefix string
	if !sess.InitialMessagesSent {
		prefix = welcomeMessage(sess.DisplayName)
		sess.InitialMessagesSent = true
	}
	sess.HasInteracted = true
	o.sessions.AddMessage(sess, session.RoleUser, text)

	raw, err := o.llm.Complete(ctx, o.systemPrompt(ctx, sess.Draft), history(sess), extra)
	if err != nil {
		return turnOutcome{}, fmt.Errorf("completion: %w", err)
	}

	cmds := command.Extract(raw)
	results := o.dispatcher.ApplyAll(ctx, sess, cmds)

	res := TurnResult{Status: StatusSuccess}
	visible := command.Strip(raw)
	var notes []string
	var out turnOutcome

	for _, r := range results {
		if r.Err != nil {
			if !dispatch.IsRule(r.Err) {
				return turnOutcome{}, r.Err
			}
			notes = append(notes, r.Err.Error())
			res.Status = StatusPartial
		}
		switch {
		case r.NeedsRecovery:
			rec := o.recovery.Recover(ctx, sess, recovery.Request{
				UserMessage: text,
				Missing:     r.Missing,
				History:     history(sess),
				System:      func(d order.Draft) string { return o.systemPrompt(ctx, d) },
			})
			visible = rec.Reply
			res.Tier = rec.Tier
		case r.Finalized:
			res.Finalized = true
			if saved, ok := r.Data.(catalog.SaveResult); ok {
				visible = joinNonEmpty(visible, orderConfirmedMessage(saved))
			}
		case r.Cancelled:
			res.Cancelled = true
		case r.Escalation != "":
			out.escalation = r.Escalation
		case r.Kind == command.ListServices:
			if m, ok := r.Data.(map[string][]catalog.ServiceInfo); ok {
				visible = joinNonEmpty(visible, formatServices(m))
			}
		}
	}

	switch out.escalation {
	case timers.ReasonHumanEscalation:
		visible = joinNonEmpty(visible, humanMessage)
	case timers.ReasonAbuse:
		visible = abuseMessage
		notes = nil
	}

	reply := joinNonEmpty(visible, strings.Join(notes, "\n"))
	if reply == "" && res.Cancelled {
		reply = cancelledMessage
	}
	if reply == "" {
		if missing := order.MissingFields(sess.Draft); len(missing) > 0 {
			reply = recovery.MissingNotice(missing)
		} else {
			reply = fallbackReplyMessage
		}
	}
	o.sessions.AddMessage(sess, session.RoleAssistant, reply)

	if res.Finalized {
		sess.Reset(true)
	} else if out.escalation != "" && out.escalation.ResetsSession() {
		sess.Reset(false)
	}

	res.Reply = joinNonEmpty(prefix, reply)
	res.Escalation = out.escalation
	out.result = res
	return out, nil
}

func (o *Orchestrator) attachment(ctx context.Context, sess *session.Session, att Attachment) (turnOutcome, error) {
	o.sessions.Touch(sess)

	if sess.FileUploadAttempts >= o.opts.MaxUploadAttempts {
		slog.Info("file upload attempts exhausted", "user_id", sess.UserID, "attempts", sess.FileUploadAttempts)
		return turnOutcome{result: TurnResult{Status: StatusPartial, Reply: uploadLimitMessage}}, nil
	}
	sess.FileUploadAttempts++

	analysis, err := o.analyzer.Analyze(ctx, att.Path)
	if errors.Is(err, fileanalysis.ErrUnsupportedFormat) {
		return turnOutcome{result: TurnResult{Status: StatusPartial, Reply: unsupportedMessage}}, nil
	}
	if err != nil {
		return turnOutcome{}, fmt.Errorf("analysing %s: %w", att.Path, err)
	}

	responded := false
	unset := order.Validation{}
	path := att.Path
	if err := o.sessions.ApplyPatch(ctx, sess, session.Patch{
		FilePath:              &path,
		FileAnalysis:          &analysis,
		FileAnalysisResponded: &responded,
		FileValidation:        &unset,
	}); err != nil {
		return turnOutcome{}, err
	}

	name := att.Filename
	if name == "" {
		name = filepath.Base(att.Path)
	}
	return o.converse(ctx, sess, fmt.Sprintf("[Archivo enviado: %s]", name), prompt.FileReview(analysis, sess.Draft))
}

func (o *Orchestrator) systemPrompt(ctx context.Context, d order.Draft) string {
	return o.prompts.System(o.catalog.GetServices(ctx), o.catalog.AdditionalInfo(), d)
}

// armIdle replaces the user's idle timers. The callbacks only hand work to
// the user's lane, where a pair cancelled by newer activity is skipped.
func (o *Orchestrator) armIdle(userID string) {
	o.idle.Arm(userID,
		func(gen uint64) {
			o.queue.Submit(userID, func() {
				if o.idle.Current(userID, gen) && !o.blacklist.IsBlacklisted(userID) {
					o.send(userID, idleWarningMessage)
				}
			})
		},
		func(gen uint64) {
			o.queue.Submit(userID, func() {
				if !o.sessions.DropIf(userID, func() bool { return o.idle.Current(userID, gen) }) {
					return
				}
				o.idle.Cancel(userID)
				o.queue.Discard(userID)
				slog.Info("session expired for inactivity", "user_id", userID)
				if !o.blacklist.IsBlacklisted(userID) {
					o.send(userID, idleTimeoutMessage)
				}
			})
		},
	)
}

// ResetUser clears every piece of state held for the user.
func (o *Orchestrator) ResetUser(userID string) {
	o.idle.Cancel(userID)
	o.queue.Discard(userID)
	o.blacklist.Remove(userID)
	o.sessions.Reset(userID, false)
}

// Unblock lifts the user's blacklist entry, reporting whether one existed.
func (o *Orchestrator) Unblock(userID string) bool {
	return o.blacklist.Remove(userID)
}

// LiveIdleTimers reports how many idle timers are armed for the user.
func (o *Orchestrator) LiveIdleTimers(userID string) int {
	return o.idle.Live(userID)
}

// Close stops timers, drops unflushed messages and waits for in-flight turns.
func (o *Orchestrator) Close() {
	o.idle.Stop()
	o.queue.Close()
	o.queue.Wait()
}

func history(sess *session.Session) []llm.Message {
	out := make([]llm.Message, len(sess.History))
	for i, m := range sess.History {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
