package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/caprpc/internal/dump"
	"github.com/wippyai/caprpc/wire"
)

// writeStream writes two framed messages and a config file into a
// temporary directory.
func writeStream(t *testing.T) (stream, cfg string) {
	t.Helper()
	dir := t.TempDir()

	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	for i, text := range []string{"first", "second"} {
		msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
		require.NoError(t, err)
		root, err := wire.NewRootStruct(seg, wire.ObjectSize{DataSize: 8, PointerCount: 1})
		require.NoError(t, err)
		root.SetUint64(0, uint64(i))
		require.NoError(t, root.SetText(0, text))
		require.NoError(t, enc.Encode(msg))
		msg.Release()
	}
	stream = filepath.Join(dir, "stream.bin")
	require.NoError(t, os.WriteFile(stream, buf.Bytes(), 0o644))

	cfg = filepath.Join(dir, "capdump.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[decode]\ndepth-limit = 8\n"), 0o644))
	return stream, cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"capdump"}, args...))
	return out.String(), err
}

func TestDumpCommand(t *testing.T) {
	stream, cfg := writeStream(t)
	out, err := run(t, "--config", cfg, "dump", stream)
	require.NoError(t, err)
	require.Contains(t, out, "# message 0\nroot: struct data=1 ptrs=1\n")
	require.Contains(t, out, "ptr[0]: list<byte> len=6 text \"first\"")
	require.Contains(t, out, "# message 1\n")
	require.Contains(t, out, "text \"second\"")
}

func TestDumpCBOR(t *testing.T) {
	stream, cfg := writeStream(t)
	out, err := run(t, "--config", cfg, "dump", "--cbor", stream)
	require.NoError(t, err)

	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	require.NoError(t, err)
	defer msg.Release()
	root, err := wire.NewRootStruct(seg, wire.ObjectSize{DataSize: 8, PointerCount: 1})
	require.NoError(t, err)
	require.NoError(t, root.SetText(0, "first"))
	n, err := dump.Walk(msg)
	require.NoError(t, err)
	want, err := dump.CBOR(n)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix([]byte(out), want))
}

func TestSegmentsCommand(t *testing.T) {
	stream, cfg := writeStream(t)
	out, err := run(t, "--config", cfg, "segments", stream)
	require.NoError(t, err)
	require.Contains(t, out, "message 0: 1 segments, 4 words\n  segment 0: 4 words\n")
	require.Contains(t, out, "message 1: 1 segments, 4 words\n")
}

func TestTruncatedStream(t *testing.T) {
	stream, cfg := writeStream(t)
	data, err := os.ReadFile(stream)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stream, data[:len(data)-3], 0o644))

	out, err := run(t, "--config", cfg, "dump", stream)
	require.Error(t, err)
	require.Contains(t, err.Error(), "message 1")
	require.Contains(t, out, "# message 0\n")
}

func TestInspectWithoutTerminal(t *testing.T) {
	stream, cfg := writeStream(t)
	out, err := run(t, "--config", cfg, "inspect", stream)
	require.NoError(t, err)
	require.Contains(t, out, "# message 1\n")
	require.Contains(t, out, "text \"second\"")
}

func key(s string) tea.KeyMsg {
	switch s {
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestInspectModel(t *testing.T) {
	mk := func(texts ...string) []messageTree {
		var trees []messageTree
		for i, text := range texts {
			root := &dump.Node{
				Kind: dump.KindStruct,
				Data: []uint64{uint64(i)},
				Ptrs: []*dump.Node{{Kind: dump.KindList, Elem: "byte", Len: len(text) + 1, Text: text}},
			}
			trees = append(trees, messageTree{index: i, lines: dump.Lines(root)})
		}
		return trees
	}
	m := newInspectModel(mk("a", "b"), 80, 24)
	require.Equal(t, []int{0, 1, 2}, m.visible())

	m.Update(key("down"))
	m.Update(key("down"))
	m.Update(key("down"))
	require.Equal(t, 2, m.cursor)

	m.Update(key("up"))
	m.Update(key("up"))
	m.Update(key("enter"))
	require.Equal(t, []int{0}, m.visible())
	require.Contains(t, m.View(), "message 1 of 2")

	m.Update(key("n"))
	require.Equal(t, 1, m.current)
	require.Equal(t, 0, m.cursor)
	require.Equal(t, []int{0, 1, 2}, m.visible())
	require.Contains(t, m.View(), "text \"b\"")

	m.Update(key("n"))
	require.Equal(t, 1, m.current)

	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
}

func TestServeRejectsBadModule(t *testing.T) {
	_, cfg := writeStream(t)

	_, err := run(t, "--config", cfg, "serve", filepath.Join(t.TempDir(), "missing.wasm"))
	require.ErrorContains(t, err, "read module")

	bad := filepath.Join(t.TempDir(), "bad.wasm")
	require.NoError(t, os.WriteFile(bad, []byte("not wasm"), 0o644))
	_, err = run(t, "--config", cfg, "serve", "--listen", "127.0.0.1:0", bad)
	require.Error(t, err)
}
