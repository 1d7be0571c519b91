// Package caiolog holds helpers shared by the runtime's log output and the
// tests that inspect it.
package caiolog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"
)

type Source struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

type UnknownField struct {
	Key   string
	Value string // raw JSON
}

// Log is one parsed JSON log line as written by the runtime's slog handler.
type Log struct {
	Index int `json:"-"`

	Time   time.Time  `json:"time"`
	Level  slog.Level `json:"level"`
	Msg    string     `json:"msg"`
	Source *Source    `json:"source"`
	Step   int        `json:"step"`
	Task   *int       `json:"task"`

	Unknown []UnknownField `json:"-"`
}

var knownKeys = map[string]bool{
	"time":   true,
	"level":  true,
	"msg":    true,
	"source": true,
	"step":   true,
	"task":   true,
}

func (l *Log) UnmarshalJSON(b []byte) error {
	type plain Log
	if err := json.Unmarshal(b, (*plain)(l)); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	l.Unknown = l.Unknown[:0]
	for key, value := range fields {
		if knownKeys[key] {
			continue
		}
		l.Unknown = append(l.Unknown, UnknownField{Key: key, Value: string(value)})
	}
	slices.SortFunc(l.Unknown, func(a, b UnknownField) int {
		return strings.Compare(a.Key, b.Key)
	})
	if len(l.Unknown) == 0 {
		l.Unknown = nil
	}
	return nil
}

// Field returns the raw JSON of an extra attribute, or "" if absent.
func (l *Log) Field(key string) string {
	for _, f := range l.Unknown {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// ParseLog parses newline separated JSON logs, skipping lines that are not
// JSON objects.
func ParseLog(logs []byte) []*Log {
	var out []*Log

	for _, line := range bytes.Split(logs, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var log Log
		if err := json.Unmarshal(line, &log); err != nil {
			continue
		}
		log.Index = len(out)
		out = append(out, &log)
	}

	return out
}

// Messages filters logs by message.
func Messages(logs []*Log, msg string) []*Log {
	var out []*Log
	for _, l := range logs {
		if l.Msg == msg {
			out = append(out, l)
		}
	}
	return out
}
