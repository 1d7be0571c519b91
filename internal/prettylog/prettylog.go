// MIT License
//
// # Copyright (c) 2017 Olivier Poitrey
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// Based on https://github.com/rs/zerolog/blob/master/console.go.

// Package prettylog renders the runtime's JSON log lines for a terminal.
package prettylog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35
	colorCyan    = 36

	colorBold     = 1
	colorDarkGray = 90
)

const (
	taskKey  = "task"
	stepKey  = "step"
	errorKey = "err"
)

// Writer is an io.Writer that expects one JSON object per Write and prints
// it as a single human readable line.
type Writer struct {
	mu      sync.Mutex
	out     io.Writer
	noColor bool
}

// NewWriter creates a Writer printing to out. Colors are used when stdout is
// a terminal, unless NO_COLOR is set or TERM is dumb; FORCE_COLOR wins over
// both.
func NewWriter(out io.Writer) *Writer {
	noColor := os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" ||
		(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))
	if os.Getenv("FORCE_COLOR") != "" {
		noColor = false
	}
	return &Writer{out: out, noColor: noColor}
}

var bufPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Write transforms a JSON log line. Input that is not JSON is passed through
// unchanged.
func (w *Writer) Write(p []byte) (int, error) {
	var evt map[string]any
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, werr := w.out.Write(p); werr != nil {
			return 0, werr
		}
		return len(p), nil
	}

	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	w.appendPart(buf, w.timestamp(evt[slog.TimeKey]))
	w.appendPart(buf, w.level(evt[slog.LevelKey]))
	w.appendPart(buf, w.location(evt[taskKey], evt[stepKey]))
	w.appendPart(buf, w.caller(evt[slog.SourceKey]))
	w.appendPart(buf, w.message(evt[slog.LevelKey], evt[slog.MessageKey]))
	w.appendFields(buf, evt)
	buf.WriteByte('\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Writer) appendPart(buf *bytes.Buffer, s string) {
	if s == "" {
		return
	}
	if buf.Len() > 0 {
		buf.WriteByte(' ')
	}
	buf.WriteString(s)
}

// appendFields prints all remaining attributes sorted by key, with the
// error attribute first.
func (w *Writer) appendFields(buf *bytes.Buffer, evt map[string]any) {
	fields := make([]string, 0, len(evt))
	for key := range evt {
		switch key {
		case slog.TimeKey, slog.LevelKey, slog.MessageKey, slog.SourceKey, taskKey, stepKey:
			continue
		}
		fields = append(fields, key)
	}
	slices.SortFunc(fields, func(a, b string) int {
		if a == errorKey {
			return -1
		}
		if b == errorKey {
			return 1
		}
		return strings.Compare(a, b)
	})

	for _, key := range fields {
		var value string
		switch v := evt[key].(type) {
		case string:
			value = v
			if needsQuote(v) {
				value = strconv.Quote(v)
			}
		case json.Number:
			value = v.String()
		default:
			b, err := json.Marshal(v)
			if err != nil {
				value = w.colorize(fmt.Sprintf("[error: %v]", err), colorRed)
			} else {
				value = string(b)
			}
		}
		if key == errorKey {
			value = w.colorize(value, colorBold, colorRed)
		}
		w.appendPart(buf, w.colorize(key+"=", colorCyan)+value)
	}
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == ' ' || s[i] == '\\' || s[i] == '"' {
			return true
		}
	}
	return false
}

func (w *Writer) colorize(s string, codes ...int) string {
	if w.noColor {
		return s
	}
	for _, c := range codes {
		s = fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
	}
	return s
}

const timeFormat = "15:04:05.000"

func (w *Writer) timestamp(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		s = ts.UTC().Format(timeFormat)
	}
	return w.colorize(s, colorDarkGray)
}

var levels = map[slog.Level]struct {
	name  string
	color int
}{
	slog.LevelDebug: {"DBG", colorMagenta},
	slog.LevelInfo:  {"INF", colorGreen},
	slog.LevelWarn:  {"WRN", colorYellow},
	slog.LevelError: {"ERR", colorRed},
}

func (w *Writer) level(v any) string {
	s, ok := v.(string)
	if !ok {
		return "???"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err == nil {
		if l, ok := levels[level]; ok {
			return w.colorize(l.name, l.color)
		}
	}
	if len(s) > 3 {
		s = s[:3]
	}
	return strings.ToUpper(s)
}

// location prints the stepped task and scheduler step, padded so messages
// line up.
func (w *Writer) location(task, step any) string {
	if task == nil && step == nil {
		return ""
	}
	var s string
	if task != nil {
		s = fmt.Sprintf("t%v", task)
	} else {
		s = "-"
	}
	if step != nil {
		s += fmt.Sprintf("/%v", step)
	}
	return fmt.Sprintf("%-8s", s)
}

func (w *Writer) caller(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	file, _ := m["file"].(string)
	line, _ := m["line"].(json.Number)
	if file == "" {
		return ""
	}
	loc := fmt.Sprintf("%s/%s:%s", path.Base(path.Dir(file)), path.Base(file), line)
	return w.colorize(loc, colorDarkGray) + w.colorize(" >", colorCyan)
}

func (w *Writer) message(level, msg any) string {
	s, _ := msg.(string)
	if s == "" {
		return ""
	}
	if l, _ := level.(string); l == slog.LevelDebug.String() {
		return s
	}
	return w.colorize(s, colorBold)
}
