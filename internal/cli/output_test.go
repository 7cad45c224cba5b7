package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func testOutput(t *testing.T) (*Output, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", false, "")
	cmd.SetOut(buf)
	return NewOutput(cmd), buf
}

func TestVisibleLenIgnoresANSI(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"plain", 5},
		{"", 0},
		{"\033[32mgreen\033[0m", 5},
		{"\033[1m\033[31mbold red\033[0m", 8},
	}
	for _, tc := range cases {
		if got := visibleLen(tc.in); got != tc.want {
			t.Errorf("visibleLen(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestTableAlignsColumns(t *testing.T) {
	output, buf := testOutput(t)

	table := NewTable(output, "SYMBOL", "LTP")
	table.AddRow("NSE:SBIN-EQ", "822.50")
	table.AddRow("NFO:NIFTY25AUG24000CE", "145.20")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("rendered %d lines, want header+separator+2 rows", len(lines))
	}
	if !strings.Contains(lines[0], "SYMBOL") || !strings.Contains(lines[0], "LTP") {
		t.Errorf("header missing: %q", lines[0])
	}
	// The LTP column starts at the same offset in both data rows.
	off2 := strings.Index(lines[2], "822.50")
	off3 := strings.Index(lines[3], "145.20")
	if off2 != off3 {
		t.Errorf("columns misaligned: %d vs %d", off2, off3)
	}
}

func TestJSONMode(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", true, "")
	cmd.Flags().Set("json", "true")
	cmd.SetOut(buf)

	output := NewOutput(cmd)
	if !output.IsJSON() {
		t.Fatal("json flag not honored")
	}
	if err := output.JSON(map[string]int{"answer": 42}); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if !strings.Contains(buf.String(), `"answer": 42`) {
		t.Errorf("JSON output = %q", buf.String())
	}
}

func TestFormatVolume(t *testing.T) {
	cases := []struct {
		volume int64
		want   string
	}{
		{500, "500"},
		{2500, "2.50 K"},
		{250000, "2.50 L"},
		{25000000, "2.50 Cr"},
	}
	for _, tc := range cases {
		if got := FormatVolume(tc.volume); got != tc.want {
			t.Errorf("FormatVolume(%d) = %q, want %q", tc.volume, got, tc.want)
		}
	}
}
