package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/warden/internal/domain/policy"
)

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // file descriptors fit in int
}

// confirm asks a yes/no question when stdin is a terminal. Without a
// terminal, or with --yes, the answer is yes.
func (c *cli) confirm(question string) (bool, error) {
	if c.assumeOK || !c.tty {
		return true, nil
	}
	fmt.Fprintf(c.errOut, "%s [y/N]: ", question)
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// printJSON writes v as indented JSON.
func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes a header and rows as aligned columns.
func (c *cli) table(header string, rows [][]string) error {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, header)
	for _, r := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(r, "\t"))
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatContext(ctx policy.Context) string {
	if len(ctx) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ctx))
	for _, k := range ctx.Keys() {
		parts = append(parts, k+"="+ctx[k].String())
	}
	return strings.Join(parts, ",")
}

// parseContext turns key=value arguments into a policy context. Values
// are typed with policy.ParseValue.
func parseContext(args []string) (policy.Context, error) {
	ctx := make(policy.Context, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("context argument %q is not key=value", a)
		}
		ctx[k] = policy.ParseValue(v)
	}
	return ctx, nil
}
