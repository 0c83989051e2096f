// Package cli provides interactive terminal prompts for the setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	hintColor    = color.New(color.FgHiBlack)
	warnColor    = color.New(color.FgYellow)
)

// Prompter reads answers line by line from In and writes prompts to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

// Section prints a heading that groups the prompts following it.
func (p *Prompter) Section(title string) {
	_, _ = fmt.Fprintln(p.Out)
	_, _ = headingColor.Fprintln(p.Out, title)
}

// Note prints a dimmed informational line.
func (p *Prompter) Note(format string, args ...any) {
	_, _ = hintColor.Fprintf(p.Out, "  "+format+"\n", args...)
}

func (p *Prompter) warn(format string, args ...any) {
	_, _ = warnColor.Fprintf(p.Out, "  "+format+"\n", args...)
}

// Ask reads one line, returning defaultVal on an empty answer.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s %s: ", question, hintColor.Sprintf("[%s]", defaultVal))
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskSecret reads a line without echo when In is a terminal. Anything else
// (pipes, tests) is read as plain text.
func (p *Prompter) AskSecret(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskInt asks for an integer of at least minVal.
func (p *Prompter) AskInt(question string, defaultVal, minVal int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(defaultVal)))
		if err == nil && n >= minVal {
			return n
		}
		p.warn("Please enter a whole number of at least %d.", minVal)
	}
}

// AskDuration asks for a Go duration such as "30s" or "5m".
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(question, defaultVal.String()))
		if err == nil && d > 0 {
			return d
		}
		p.warn(`Please enter a positive duration like "30s" or "5m".`)
	}
}

// AskList reads a comma separated list. Blank entries are dropped and an
// empty answer yields defaults.
func (p *Prompter) AskList(question string, defaults []string) []string {
	ans := p.Ask(question, strings.Join(defaults, ","))
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Choose presents numbered options and returns the chosen one.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		if i == defaultIdx {
			_, _ = fmt.Fprintf(p.Out, "%s %d) %s\n", color.GreenString(">"), i+1, opt)
		} else {
			_, _ = fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt)
		}
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		p.warn("Please enter a number between 1 and %d.", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
