// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/docket-project/docket/lib/governor"
	"github.com/docket-project/docket/lib/risk"
)

// promptStyles holds the lipgloss styles the prompt renders with.
type promptStyles struct {
	header   lipgloss.Style
	riskLow  lipgloss.Style
	riskMed  lipgloss.Style
	riskHigh lipgloss.Style
	faint    lipgloss.Style
	choices  lipgloss.Style
}

func newPromptStyles(renderer *lipgloss.Renderer) promptStyles {
	return promptStyles{
		header:   renderer.NewStyle().Bold(true),
		riskLow:  renderer.NewStyle().Foreground(lipgloss.Color("70")),
		riskMed:  renderer.NewStyle().Foreground(lipgloss.Color("178")),
		riskHigh: renderer.NewStyle().Foreground(lipgloss.Color("196")),
		faint:    renderer.NewStyle().Foreground(lipgloss.Color("245")),
		choices:  renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("75")),
	}
}

// risk selects the style for a risk level.
func (s promptStyles) risk(level risk.Level) lipgloss.Style {
	switch level {
	case risk.High:
		return s.riskHigh
	case risk.Medium:
		return s.riskMed
	}
	return s.riskLow
}

// Prompt is the interactive [governor.Approver]. Ask-tier steps are
// rendered to the terminal with their risk assessment and the operator
// answers approve, deny, or edit on one line.
type Prompt struct {
	in    *bufio.Reader
	out   io.Writer
	style promptStyles

	// color gates the chroma highlight of the command preview; the
	// lipgloss styles degrade on their own.
	color bool
}

// NewPrompt returns an approver bound to the process terminal, or nil
// when stdin is not a terminal. A nil *Prompt must not be handed to
// the governor as a non-nil interface; callers branch on the nil
// before assigning.
func NewPrompt() *Prompt {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	profile := termenv.EnvColorProfile()
	renderer := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(profile))
	return &Prompt{
		in:    bufio.NewReader(os.Stdin),
		out:   os.Stderr,
		style: newPromptStyles(renderer),
		color: profile != termenv.Ascii,
	}
}

// newPromptWithIO builds a colorless prompt over explicit streams.
func newPromptWithIO(in io.Reader, out io.Writer) *Prompt {
	renderer := lipgloss.NewRenderer(out, termenv.WithProfile(termenv.Ascii))
	return &Prompt{
		in:    bufio.NewReader(in),
		out:   out,
		style: newPromptStyles(renderer),
	}
}

// Approve renders the request and reads one decision. An empty answer
// denies; operators must type something to admit a step.
func (p *Prompt) Approve(ctx context.Context, req governor.Request) (governor.Approval, error) {
	fmt.Fprint(p.out, p.render(req))

	for {
		fmt.Fprint(p.out, p.style.choices.Render("approve [y] / deny [n] / edit [e]")+" > ")
		line, err := p.readLine(ctx)
		if err != nil {
			return governor.Approval{}, err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return governor.Approval{Choice: governor.ChoiceApprove}, nil

		case "", "n", "no":
			fmt.Fprint(p.out, "note (optional) > ")
			note, err := p.readLine(ctx)
			if err != nil && ctx.Err() != nil {
				return governor.Approval{}, err
			}
			// A failed note read still denies; the note is just lost.
			return governor.Approval{Choice: governor.ChoiceDeny, Note: strings.TrimSpace(note)}, nil

		case "e", "edit":
			fmt.Fprint(p.out, "replacement command (split on whitespace) > ")
			replacement, err := p.readLine(ctx)
			if err != nil {
				return governor.Approval{}, err
			}
			argv := strings.Fields(replacement)
			if len(argv) == 0 {
				fmt.Fprintln(p.out, "empty command, try again")
				continue
			}
			return governor.Approval{Choice: governor.ChoiceEdit, Argv: argv}, nil

		default:
			fmt.Fprintf(p.out, "unrecognized answer %q\n", strings.TrimSpace(line))
		}
	}
}

// readLine reads one line from the operator, honoring ctx. The read
// itself cannot be interrupted, so a canceled ctx abandons the
// goroutine blocked on stdin; its buffered send completes harmlessly.
func (p *Prompt) readLine(ctx context.Context) (string, error) {
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return "", fmt.Errorf("reading answer: %w", a.err)
		}
		return a.line, nil
	}
}

// render produces the step preview: header, highlighted command line,
// risk and sandbox lines, and the rationale when one was given.
func (p *Prompt) render(req governor.Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\n%s\n", p.style.header.Render("approval required"))
	fmt.Fprintf(&b, "  $ %s\n", p.highlight(commandLine(req.Step.Argv)))

	level := req.Assessment.Level
	fmt.Fprintf(&b, "  risk: %s", p.style.risk(level).Render(level.String()))
	if len(req.Assessment.Reasons) > 0 {
		fmt.Fprintf(&b, " %s", p.style.faint.Render("("+strings.Join(req.Assessment.Reasons, "; ")+")"))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "  sandbox: %s", req.Step.Sandbox)
	if req.Step.WorkingDir != "" {
		fmt.Fprintf(&b, "   dir: %s", req.Step.WorkingDir)
	}
	b.WriteString("\n")

	if req.Step.Rationale != "" {
		fmt.Fprintf(&b, "  rationale: %s\n", req.Step.Rationale)
	}
	if req.Decision.Reason != "" {
		fmt.Fprintf(&b, "  %s\n", p.style.faint.Render(req.Decision.Reason))
	}

	return b.String()
}

// highlight applies shell syntax highlighting to the command preview.
// Highlighting failures and colorless terminals fall back to the plain
// line.
func (p *Prompt) highlight(line string) string {
	if !p.color {
		return line
	}
	var buffer strings.Builder
	if err := quick.Highlight(&buffer, line, "bash", "terminal256", "monokai"); err != nil {
		return line
	}
	return strings.TrimRight(buffer.String(), "\n")
}

// commandLine joins argv for display, quoting arguments that contain
// whitespace or quotes.
func commandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		if strings.ContainsAny(arg, " \t\"'") {
			parts[i] = strconv.Quote(arg)
		} else {
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}
