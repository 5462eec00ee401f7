// Package report renders investigation reports for people and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Options tune the text format. Machine formats always carry everything.
type Options struct {
	ShowFacts    bool
	ShowTimeline bool
}

// Render writes rep to w in format.
func Render(w io.Writer, rep *model.InvestigationReport, format string, opts Options) error {
	switch strings.ToLower(format) {
	case "", FormatText:
		return renderText(w, rep, opts)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		return nil
	case FormatYAML:
		out, err := yaml.Marshal(rep)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// HumanType turns a hypothesis type like iam_permission into "Iam Permission".
func HumanType(t string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(t, "_", " "))
}

func statusIcon(s model.Status) string {
	switch s {
	case model.StatusCompleted:
		return "✅"
	case model.StatusDegraded:
		return "⚠️ "
	default:
		return "❌"
	}
}

func renderText(w io.Writer, rep *model.InvestigationReport, opts Options) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s Investigation %s: %s\n", statusIcon(rep.Status), rep.RunID, rep.Status)
	fmt.Fprintf(&b, "   mode %s, region %s, took %s\n", rep.Mode, rep.Region,
		rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	if rep.Termination != nil {
		fmt.Fprintf(&b, "   stopped early: %s\n", rep.Termination.Detail)
	}

	rc := rep.RootCause
	b.WriteString("\n🎯 Root cause\n")
	if rc.Primary != nil {
		fmt.Fprintf(&b, "   %s (confidence %.2f)\n", HumanType(rc.Primary.Type), rc.Confidence)
		fmt.Fprintf(&b, "   %s\n", rc.Primary.Description)
		if len(rc.Primary.Evidence) > 0 {
			fmt.Fprintf(&b, "   evidence: %s\n", strings.Join(rc.Primary.Evidence, ", "))
		}
	}
	if rc.Summary != "" {
		fmt.Fprintf(&b, "   %s\n", rc.Summary)
	}
	if len(rc.ContributingFactors) > 0 {
		b.WriteString("\n🧩 Contributing factors\n")
		for _, h := range rc.ContributingFactors {
			fmt.Fprintf(&b, "   - %s (%.2f): %s\n", HumanType(h.Type), h.Confidence, h.Description)
		}
	}

	if len(rep.AffectedResources) > 0 {
		b.WriteString("\n📦 Resources\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		for _, r := range rep.AffectedResources {
			fmt.Fprintf(tw, "   %s\t%s\t%s\n", r.Type, r.Name, r.Origin)
		}
		tw.Flush()
	}

	if len(rep.Tasks) > 0 {
		b.WriteString("\n🔎 Specialists\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		for _, t := range rep.Tasks {
			detail := ""
			if t.Failure != nil {
				detail = fmt.Sprintf("%s: %s", t.Failure.Kind, t.Failure.Message)
			}
			fmt.Fprintf(tw, "   %s\t%s\t%d resource(s)\t%s\t%s\n", t.Specialist, t.State, len(t.Resources),
				t.Duration.Round(time.Millisecond), detail)
		}
		tw.Flush()
	}

	if len(rep.Advice) > 0 {
		b.WriteString("\n🛠  Advice\n")
		for _, a := range rep.Advice {
			prio := ""
			if a.Priority != "" {
				prio = "[" + a.Priority + "] "
			}
			fmt.Fprintf(&b, "   - %s%s\n", prio, a.Title)
			if a.Description != "" {
				fmt.Fprintf(&b, "     %s\n", a.Description)
			}
		}
	}

	if len(rep.Handoffs) > 0 {
		b.WriteString("\n🔀 Hand-offs\n")
		for _, h := range rep.Handoffs {
			fmt.Fprintf(&b, "   %s -> %s", h.From, h.To)
			if h.Reason != "" {
				fmt.Fprintf(&b, " (%s)", h.Reason)
			}
			b.WriteByte('\n')
		}
	}

	if opts.ShowFacts && len(rep.Facts) > 0 {
		b.WriteString("\n📋 Facts\n")
		for _, f := range rep.Facts {
			fmt.Fprintf(&b, "   %-14s %.2f  %s\n", f.ID, f.Confidence, f.Content)
		}
	}

	if opts.ShowTimeline && len(rep.Timeline) > 0 {
		b.WriteString("\n🕒 Timeline\n")
		for _, ev := range rep.Timeline {
			fmt.Fprintf(&b, "   %s  %-12s %s\n", ev.Time.Format("15:04:05.000"), ev.Component, ev.Message)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
