package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/embed-runtime/interp"
)

const (
	promptReady = ">>> "
	promptMore  = "... "

	// maxLines bounds the scrollback kept by the console view.
	maxLines = 500
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// console reads statements and evaluates them incrementally. On a terminal
// it runs a TUI; otherwise it reads lines from in.
type console struct {
	in     io.Reader
	out    io.Writer
	engine string
	tui    bool

	// buf collects engine output while the TUI owns the screen.
	buf *outputBuffer
}

func newConsole(in io.Reader, out io.Writer, engine string) *console {
	c := &console{in: in, out: out, engine: engine}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.tui = true
		c.buf = &outputBuffer{}
	}
	return c
}

// output is where the interpreter should print.
func (c *console) output() io.Writer {
	if c.tui {
		return c.buf
	}
	return c.out
}

func (c *console) run(ctx context.Context, do doFunc) error {
	eval := func(line string) (bool, error) {
		return evalLine(do, line)
	}
	if c.tui {
		p := tea.NewProgram(newConsoleModel(c.engine, c.buf, eval),
			tea.WithContext(ctx),
			tea.WithInput(c.in),
			tea.WithOutput(c.out))
		_, err := p.Run()
		return err
	}
	return c.readLines(ctx, eval)
}

func evalLine(do doFunc, line string) (bool, error) {
	var done bool
	err := do(func(ip *interp.Interpreter) error {
		var err error
		done, err = ip.Eval(line)
		return err
	})
	return done, err
}

func promptFor(done bool, err error) string {
	if !done && err == nil {
		return promptMore
	}
	return promptReady
}

// readLines is the console without a terminal. Errors are printed and the
// loop goes on; a block still open at EOF is run.
func (c *console) readLines(ctx context.Context, eval func(string) (bool, error)) error {
	sc := bufio.NewScanner(c.in)
	prompt := promptReady
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(c.out, prompt)
		if !sc.Scan() {
			break
		}
		done, err := eval(sc.Text())
		if err != nil {
			fmt.Fprintln(c.out, err)
		}
		prompt = promptFor(done, err)
	}
	fmt.Fprintln(c.out)
	if err := sc.Err(); err != nil {
		return err
	}
	if prompt == promptMore {
		if _, err := eval(""); err != nil {
			fmt.Fprintln(c.out, err)
		}
	}
	return nil
}

// outputBuffer is an io.Writer the TUI drains after each statement.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

type consoleModel struct {
	eval    func(string) (bool, error)
	out     *outputBuffer
	input   textinput.Model
	engine  string
	lines   []string
	pending bool
	busy    bool
}

type evalMsg struct {
	err    error
	output string
	done   bool
}

func newConsoleModel(engine string, out *outputBuffer, eval func(string) (bool, error)) consoleModel {
	ti := textinput.New()
	ti.Prompt = promptReady
	ti.PromptStyle = promptStyle
	ti.Width = 72
	ti.Focus()

	m := consoleModel{
		eval:   eval,
		out:    out,
		input:  ti,
		engine: engine,
	}
	m.appendOutput(out.take())
	return m
}

func (m consoleModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			line := m.input.Value()
			m.input.Reset()
			m.busy = true
			m.appendLine(promptStyle.Render(m.input.Prompt) + line)
			return m, m.run(line)
		}

	case evalMsg:
		m.busy = false
		m.appendOutput(msg.output)
		if msg.err != nil {
			m.appendLine(errorStyle.Render(msg.err.Error()))
		}
		m.pending = !msg.done && msg.err == nil
		m.input.Prompt = promptFor(msg.done, msg.err)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m consoleModel) run(line string) tea.Cmd {
	eval, out := m.eval, m.out
	return func() tea.Msg {
		done, err := eval(line)
		return evalMsg{done: done, err: err, output: out.take()}
	}
}

func (m *consoleModel) appendOutput(s string) {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return
	}
	for _, line := range strings.Split(s, "\n") {
		m.appendLine(resultStyle.Render(line))
	}
}

func (m *consoleModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if n := len(m.lines); n > maxLines {
		m.lines = m.lines[n-maxLines:]
	}
}

func (m consoleModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.engine + " console"))
	b.WriteString("\n\n")
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	help := "enter run • ctrl+d quit"
	if m.pending {
		help = "empty line runs the block • ctrl+d quit"
	}
	b.WriteString(helpStyle.Render(help))

	return b.String()
}
