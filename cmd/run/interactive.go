package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-bridge/fetch"
	"github.com/wippyai/wasm-bridge/runtime"
)

const (
	dumpBytes  = 128
	rowBytes   = 16
	previewMax = 80
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	addrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	outputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

type inspectorModel struct {
	ctx     context.Context
	rt      *runtime.Runtime
	src     fetch.Source
	out     *bytes.Buffer
	input   textinput.Model
	output  string
	result  runtime.Result
	err     error
	started bool

	addr     uint32
	dump     string
	preview  string
	viewErr  error
	inspects int
}

type startedMsg struct {
	result runtime.Result
	err    error
	output string
}

func newInspectorModel(ctx context.Context, rt *runtime.Runtime, src fetch.Source, out *bytes.Buffer) *inspectorModel {
	ti := textinput.New()
	ti.Placeholder = `0x1000 or "text`
	ti.Prompt = "address: "
	ti.Width = 40
	ti.Focus()
	return &inspectorModel{
		ctx:   ctx,
		rt:    rt,
		src:   src,
		out:   out,
		input: ti,
	}
}

func (m *inspectorModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.start)
}

func (m *inspectorModel) start() tea.Msg {
	res, err := m.rt.Start(m.ctx, m.src)
	if err != nil && !res.Trapped() {
		return startedMsg{err: err, output: m.out.String()}
	}
	return startedMsg{result: res, output: m.out.String()}
}

func (m *inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			if m.started && m.err == nil {
				m.submit(strings.TrimSpace(m.input.Value()))
			}
			return m, nil

		case "ctrl+n", "pgdown":
			if m.inspects > 0 {
				m.inspect(m.addr + dumpBytes)
			}
			return m, nil

		case "ctrl+p", "pgup":
			if m.inspects > 0 {
				if m.addr < dumpBytes {
					m.inspect(0)
				} else {
					m.inspect(m.addr - dumpBytes)
				}
			}
			return m, nil
		}

	case startedMsg:
		m.started = true
		m.result = msg.result
		m.err = msg.err
		m.output = msg.output
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit inspects an address, or copies a quoted string into the guest
// heap and inspects it.
func (m *inspectorModel) submit(value string) {
	if value == "" {
		return
	}
	if strings.HasPrefix(value, `"`) {
		text := strings.TrimSuffix(strings.TrimPrefix(value, `"`), `"`)
		ptr, err := m.rt.NewString(m.ctx, text)
		if err != nil {
			m.viewErr = err
			return
		}
		m.inspect(ptr)
		return
	}

	addr, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		m.viewErr = fmt.Errorf("bad address %q", value)
		return
	}
	m.inspect(uint32(addr))
}

func (m *inspectorModel) inspect(addr uint32) {
	m.addr = addr
	m.inspects++
	m.dump, m.preview, m.viewErr = "", "", nil

	v := m.rt.Memory().Views()
	n := uint64(dumpBytes)
	if size := v.Len(); uint64(addr)+n > size {
		if uint64(addr) >= size {
			m.viewErr = fmt.Errorf("address 0x%x is past the end of memory (%d bytes)", addr, size)
			return
		}
		n = size - uint64(addr)
	}
	data, err := v.Slice(addr, uint32(n))
	if err != nil {
		m.viewErr = err
		return
	}
	m.dump = hexdump(addr, data)

	s, err := m.rt.ReadString(addr)
	if err != nil {
		m.preview = errorStyle.Render(err.Error())
		return
	}
	if utf8.RuneCountInString(s) > previewMax {
		s = string([]rune(s)[:previewMax]) + "…"
	}
	m.preview = strconv.Quote(s)
}

func hexdump(addr uint32, data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += rowBytes {
		row := data[off:min(off+rowBytes, len(data))]
		b.WriteString(addrStyle.Render(fmt.Sprintf("%08x", addr+uint32(off))))
		b.WriteString("  ")
		for i := 0; i < rowBytes; i++ {
			if i < len(row) {
				fmt.Fprintf(&b, "%02x ", row[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteString(" |")
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteString("|\n")
	}
	return b.String()
}

func (m *inspectorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Heap Inspector"))
	b.WriteString(" ")
	b.WriteString(m.src.Name())
	b.WriteString("\n\n")

	if !m.started {
		b.WriteString("Starting guest...")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("esc quit"))
		return b.String()
	}

	mem := m.rt.Memory()
	b.WriteString(labelStyle.Render("result     "))
	if m.result.Trapped() {
		b.WriteString(errorStyle.Render(m.result.String()))
	} else {
		b.WriteString(resultStyle.Render(m.result.String()))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s%s\n", labelStyle.Render("state      "), m.rt.State())
	fmt.Fprintf(&b, "%s%d bytes (max %d)\n", labelStyle.Render("heap       "), mem.Size(), m.rt.Heap().Maximum())
	fmt.Fprintf(&b, "%s%d\n", labelStyle.Render("generation "), mem.Generation())

	if m.output != "" {
		b.WriteString("\n")
		b.WriteString(outputStyle.Render(strings.TrimRight(m.output, "\n")))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	switch {
	case m.viewErr != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.viewErr)))
		b.WriteString("\n\n")
	case m.dump != "":
		b.WriteString(m.dump)
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("string     "))
		b.WriteString(m.preview)
		b.WriteString("\n\n")
	}

	b.WriteString(helpStyle.Render("enter inspect • ctrl+n/ctrl+p page • \"text allocates a string • esc quit"))
	return b.String()
}

func runInteractive(ctx context.Context, rt *runtime.Runtime, src fetch.Source, out *bytes.Buffer) error {
	p := tea.NewProgram(newInspectorModel(ctx, rt, src, out), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
