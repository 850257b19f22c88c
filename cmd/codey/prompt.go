package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tcdent/codey/pkg/protocol"
)

// lineReader is shared by the chat loop and the approval prompt so both
// read from the same buffered stdin.
type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader(in io.Reader) *lineReader {
	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineReader{scanner: s}
}

// readLine returns the next line, or false at end of input.
func (l *lineReader) readLine() (string, bool) {
	if !l.scanner.Scan() {
		return "", false
	}
	return l.scanner.Text(), true
}

// promptDecider asks on the terminal whether a tool call may run. End of
// input denies.
type promptDecider struct {
	lines *lineReader
	out   io.Writer
	r     *renderer
}

func (p *promptDecider) Decide(_ context.Context, req protocol.ToolAwaitingApproval) bool {
	if p.r != nil {
		p.r.end()
	}
	params := compact(req.Params)
	if params != "" {
		params = " " + params
	}
	fmt.Fprintf(p.out, "Allow %s%s? [y/N] ", req.Name, params)

	answer, ok := p.lines.readLine()
	if !ok {
		fmt.Fprintln(p.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
