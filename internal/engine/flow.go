package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pageshield/internal/analysis"
	"pageshield/internal/auditlog"
	"pageshield/internal/notify"
	"pageshield/internal/page"
	"pageshield/internal/registry"
)

// handleClick intercepts submit-trigger activation.
func (e *Engine) handleClick(ev *page.Event) bool {
	verdictNeeded, proceed := e.guard(ev)
	if !verdictNeeded {
		return proceed
	}
	if ev.Target == nil || e.registry.Classify(ev.Target) != registry.KindSubmitTrigger {
		return true
	}
	return e.runTextAction(ev, ev.Target)
}

// handleKeyDown intercepts the configured confirm keypress on a bound
// text surface.
func (e *Engine) handleKeyDown(ev *page.Event) bool {
	if ev.Key != e.cfg.ConfirmKey {
		return true
	}
	verdictNeeded, proceed := e.guard(ev)
	if !verdictNeeded {
		return proceed
	}
	if ev.Target == nil {
		return true
	}
	if !e.watcher.Bound(ev.Target) && e.registry.Classify(ev.Target) != registry.KindTextSurface {
		return true
	}
	return e.runTextAction(ev, nil)
}

// runTextAction is the per-action sub-flow for text payloads. trigger is
// the activated submit trigger, nil when the action came from a confirm
// keypress. Returns the bus handler verdict for the original event.
func (e *Engine) runTextAction(ev *page.Event, trigger *page.Node) bool {
	surface := e.firstNonEmptyTextSurface()
	if surface == nil {
		return true
	}
	text := surface.Text()

	// Very short inputs are never analyzed: treat as non-threat and let
	// the action through untouched. The minimum counts characters, not
	// bytes, so multibyte text is measured the way the user sees it.
	if utf8.RuneCountInString(text) < e.cfg.MinTextLength {
		return true
	}

	if !e.tryAcquire(surface.ID()) {
		return false
	}
	defer e.release(surface.ID())

	correlationID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	verdict, err := e.cfg.Analyzer.AnalyzeText(ctx, text, correlationID)
	if err != nil {
		// Fail closed: any analysis failure is a BLOCK.
		kind := analysis.KindOf(err)
		fmt.Fprintf(e.stderr, "[PageShield] text analysis failed (%s): %v\n", kind, err)
		e.blockText(surface, auditlog.Entry{
			Kind:          auditlog.KindFailedAnalysis,
			Status:        auditlog.StatusFailure,
			Message:       kind.Message(),
			DedupKey:      correlationID,
			CorrelationID: correlationID,
			Details:       map[string]interface{}{"failureKind": string(kind)},
		}, kind.Message())
		return false
	}

	if verdict.ShouldBlock() {
		reason := blockReason(verdict)
		e.blockText(surface, auditlog.Entry{
			Kind:          auditlog.KindPromptAnalysis,
			Status:        auditlog.StatusFailure,
			Message:       reason,
			DedupKey:      analysis.HashText(text),
			CorrelationID: correlationID,
			Details: map[string]interface{}{
				"riskLevel": string(verdict.RiskLevel),
				"reasons":   verdict.Reasons,
			},
		}, reason)
		e.cfg.Analyzer.LogAuditEvent(context.Background(), analysis.AuditEvent{
			EventType:     "prompt_blocked",
			Severity:      "high",
			Message:       reason,
			CorrelationID: correlationID,
		})
		return false
	}

	// ALLOW: record, notify, then replay the native submission through
	// the approved path.
	if err := e.cfg.Store.Append(auditlog.Entry{
		Kind:          auditlog.KindPromptAnalysis,
		Status:        auditlog.StatusSuccess,
		Message:       "prompt allowed",
		DedupKey:      correlationID,
		CorrelationID: correlationID,
	}); err != nil {
		fmt.Fprintf(e.stderr, "[PageShield] audit append failed: %v\n", err)
	}
	e.cfg.Notifier.Notify(notify.Notice{
		Severity: notify.SeveritySuccess,
		Title:    "Prompt allowed",
		Message:  "no threats detected",
	})

	// The user may have cleared the field while analysis was in flight;
	// replaying then would submit nothing.
	if surface.Text() == "" {
		fmt.Fprintf(e.stderr, "[PageShield] payload gone before replay, skipping\n")
		return false
	}
	e.replaySubmission(ev, trigger, surface)
	return false
}

// replaySubmission dispatches an approved replay of the native submission:
// the activated trigger if the action came from a click, otherwise the
// page's first submit trigger, otherwise the surface's enclosing form.
func (e *Engine) replaySubmission(orig *page.Event, trigger, surface *page.Node) {
	if trigger != nil {
		e.tree.Dispatch(e.bus.SynthesizeApprovedReplay(orig))
		return
	}
	if triggers := e.registry.SubmitTriggers(); len(triggers) > 0 {
		e.tree.Dispatch(e.bus.ApproveClick(triggers[0]))
		return
	}
	if form := surface.Closest("form"); form != nil {
		e.tree.Dispatch(e.bus.ApproveSubmit(form))
		return
	}
	fmt.Fprintf(e.stderr, "[PageShield] no replay target found for approved action\n")
}

// blockText clears the surface, surfaces a notice naming the reason,
// restores focus so the user can immediately retry, and records the
// failure entry.
func (e *Engine) blockText(surface *page.Node, entry auditlog.Entry, reason string) {
	surface.SetText("")
	e.tree.SetFocus(surface)
	e.cfg.Notifier.Notify(notify.Notice{
		Severity: notify.SeverityError,
		Title:    "Prompt blocked",
		Message:  reason,
	})
	if err := e.cfg.Store.Append(entry); err != nil {
		fmt.Fprintf(e.stderr, "[PageShield] audit append failed: %v\n", err)
	}
}

// handleFileEvent intercepts file attachment via change, drop, or paste.
func (e *Engine) handleFileEvent(ev *page.Event) bool {
	if len(ev.Files) == 0 {
		return true
	}
	verdictNeeded, proceed := e.guard(ev)
	if !verdictNeeded {
		return proceed
	}
	if ev.Target == nil || e.registry.Classify(ev.Target) != registry.KindFileSurface {
		return true
	}

	if !e.tryAcquire(ev.Target.ID()) {
		return false
	}
	defer e.release(ev.Target.ID())

	correlationID := uuid.NewString()

	// Local validation first: oversized files are blocked without ever
	// calling the remote scanner.
	for _, f := range ev.Files {
		if f.Size > e.cfg.MaxFileBytes {
			e.blockFile(ev.Target, auditlog.Entry{
				Kind:          auditlog.KindFileAnalysis,
				Status:        auditlog.StatusFailure,
				Message:       fmt.Sprintf("file too large: %s", f.Name),
				DedupKey:      correlationID,
				CorrelationID: correlationID,
				Details:       map[string]interface{}{"fileName": f.Name, "fileSize": f.Size},
			}, "file too large")
			return false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.scanBudget(len(ev.Files)))
	defer cancel()

	for _, f := range ev.Files {
		verdict, err := e.cfg.Analyzer.AnalyzeFile(ctx, f, correlationID)
		if err != nil {
			kind := analysis.KindOf(err)
			fmt.Fprintf(e.stderr, "[PageShield] file scan failed (%s): %v\n", kind, err)
			e.blockFile(ev.Target, auditlog.Entry{
				Kind:          auditlog.KindFailedAnalysis,
				Status:        auditlog.StatusFailure,
				Message:       kind.Message(),
				DedupKey:      correlationID,
				CorrelationID: correlationID,
				Details:       map[string]interface{}{"failureKind": string(kind), "fileName": f.Name},
			}, kind.Message())
			return false
		}
		if verdict.ShouldBlock() {
			reason := blockReason(verdict)
			dedup := verdict.FileHash
			if dedup == "" {
				dedup = analysis.HashFile(f)
			}
			e.blockFile(ev.Target, auditlog.Entry{
				Kind:          auditlog.KindFileAnalysis,
				Status:        auditlog.StatusFailure,
				Message:       reason,
				DedupKey:      dedup,
				CorrelationID: correlationID,
				Details: map[string]interface{}{
					"fileName":       f.Name,
					"detectionCount": verdict.DetectionCount,
					"totalEngines":   verdict.TotalEngines,
				},
			}, reason)
			e.cfg.Analyzer.LogAuditEvent(context.Background(), analysis.AuditEvent{
				EventType:     "file_blocked",
				Severity:      "high",
				Message:       reason,
				CorrelationID: correlationID,
				Details:       map[string]interface{}{"fileName": f.Name},
			})
			return false
		}
	}

	if err := e.cfg.Store.Append(auditlog.Entry{
		Kind:          auditlog.KindFileAnalysis,
		Status:        auditlog.StatusSuccess,
		Message:       fmt.Sprintf("%d file(s) allowed", len(ev.Files)),
		DedupKey:      correlationID,
		CorrelationID: correlationID,
	}); err != nil {
		fmt.Fprintf(e.stderr, "[PageShield] audit append failed: %v\n", err)
	}
	e.cfg.Notifier.Notify(notify.Notice{
		Severity: notify.SeveritySuccess,
		Title:    "File allowed",
		Message:  "no threats detected",
	})

	// Surface may have been torn down while the scan was in flight.
	if ev.Target.Detached() {
		fmt.Fprintf(e.stderr, "[PageShield] file surface gone before replay, skipping\n")
		return false
	}
	e.tree.Dispatch(e.bus.SynthesizeApprovedReplay(ev))
	return false
}

// blockFile aborts the attach, notifies, and records the failure entry.
func (e *Engine) blockFile(surface *page.Node, entry auditlog.Entry, reason string) {
	surface.SetFiles(nil)
	e.tree.SetFocus(surface)
	e.cfg.Notifier.Notify(notify.Notice{
		Severity: notify.SeverityError,
		Title:    "File blocked",
		Message:  reason,
	})
	if err := e.cfg.Store.Append(entry); err != nil {
		fmt.Fprintf(e.stderr, "[PageShield] audit append failed: %v\n", err)
	}
}

// scanBudget scales the request timeout with the number of files; the
// upload/poll protocol can legitimately take longer than one plain call.
func (e *Engine) scanBudget(files int) time.Duration {
	if files < 1 {
		files = 1
	}
	return e.cfg.RequestTimeout * time.Duration(files)
}

// blockReason renders the short human-readable reason for a blocking
// verdict: the backend's explicit reason when present, otherwise the risk
// summary.
func blockReason(v *analysis.Verdict) string {
	if v.BlockReason != "" {
		return v.BlockReason
	}
	if v.PII != nil && v.PII.Detected {
		if len(v.PII.Types) > 0 {
			return "PII detected: " + strings.Join(v.PII.Types, ", ")
		}
		return "PII detected"
	}
	if len(v.Reasons) > 0 {
		return fmt.Sprintf("risk: %s (%s)", v.RiskLevel, v.Reasons[0])
	}
	return fmt.Sprintf("risk: %s", v.RiskLevel)
}
