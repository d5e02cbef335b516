package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/wippyai/caprpc/internal/dump"
	"github.com/wippyai/caprpc/wire"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// chromeHeight is the number of rows taken by the title and help lines.
const chromeHeight = 4

type messageTree struct {
	index int
	lines []dump.Line
}

func inspectAction(c *cli.Context) error {
	var trees []messageTree
	err := eachMessage(c, func(i int, msg *wire.Message) error {
		n, err := dump.Walk(msg)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		trees = append(trees, messageTree{index: i, lines: dump.Lines(n)})
		return nil
	})
	if err != nil {
		return err
	}
	if len(trees) == 0 {
		fmt.Fprintln(c.App.Writer, "no messages")
		return nil
	}

	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		for _, t := range trees {
			fmt.Fprintf(c.App.Writer, "# message %d\n", t.index)
			for _, l := range t.lines {
				fmt.Fprintln(c.App.Writer, l.String())
			}
		}
		return nil
	}
	width, height, err := term.GetSize(fd)
	if err != nil {
		width, height = 80, 24
	}
	p := tea.NewProgram(newInspectModel(trees, width, height), tea.WithAltScreen(), tea.WithInputTTY())
	_, err = p.Run()
	return err
}

type inspectModel struct {
	trees     []messageTree
	current   int
	cursor    int
	collapsed map[int]bool
	view      viewport.Model
}

func newInspectModel(trees []messageTree, width, height int) *inspectModel {
	m := &inspectModel{
		trees:     trees,
		collapsed: make(map[int]bool),
		view:      viewport.New(width, max(height-chromeHeight, 1)),
	}
	m.render()
	return m
}

func (m *inspectModel) Init() tea.Cmd {
	return nil
}

// visible returns the indexes of the current message's lines that are
// not hidden under a collapsed node.
func (m *inspectModel) visible() []int {
	lines := m.trees[m.current].lines
	var out []int
	hideBelow := -1
	for i, l := range lines {
		if hideBelow >= 0 {
			if l.Depth > hideBelow {
				continue
			}
			hideBelow = -1
		}
		out = append(out, i)
		if m.collapsed[i] {
			hideBelow = l.Depth
		}
	}
	return out
}

func (m *inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-chromeHeight, 1)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}

		case "down", "j":
			if m.cursor < len(m.visible())-1 {
				m.cursor++
			}

		case "enter", " ":
			line := m.visible()[m.cursor]
			m.collapsed[line] = !m.collapsed[line]

		case "n", "right":
			if m.current < len(m.trees)-1 {
				m.switchTo(m.current + 1)
			}

		case "p", "left":
			if m.current > 0 {
				m.switchTo(m.current - 1)
			}
		}
	}
	m.render()
	return m, nil
}

func (m *inspectModel) switchTo(i int) {
	m.current = i
	m.cursor = 0
	m.collapsed = make(map[int]bool)
	m.view.GotoTop()
}

func (m *inspectModel) render() {
	lines := m.trees[m.current].lines
	var b strings.Builder
	for row, i := range m.visible() {
		l := lines[i]
		marker := "  "
		if m.collapsed[i] {
			marker = "+ "
		}
		text := strings.Repeat("  ", l.Depth) + marker
		if row == m.cursor {
			b.WriteString(selectedStyle.Render(text + l.String()[2*l.Depth:]))
		} else {
			b.WriteString(text)
			if l.Label != "" {
				b.WriteString(labelStyle.Render(l.Label))
				b.WriteString(": ")
			}
			if l.Node != nil && l.Node.Err != "" {
				b.WriteString(errorStyle.Render(l.Value))
			} else {
				b.WriteString(valueStyle.Render(l.Value))
			}
		}
		b.WriteByte('\n')
	}
	m.view.SetContent(b.String())

	if m.cursor < m.view.YOffset {
		m.view.SetYOffset(m.cursor)
	} else if m.cursor >= m.view.YOffset+m.view.Height {
		m.view.SetYOffset(m.cursor - m.view.Height + 1)
	}
}

func (m *inspectModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("capdump"))
	b.WriteString(fmt.Sprintf(" message %d of %d\n\n", m.current+1, len(m.trees)))
	b.WriteString(m.view.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ move • enter fold • n/p message • q quit"))
	return b.String()
}
