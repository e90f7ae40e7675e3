// Package logfmt is a compact, coloured logrus formatter for terminals.
package logfmt

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

var levelColor = map[logrus.Level]*color.Color{
	logrus.TraceLevel: color.New(color.FgHiBlack),
	logrus.DebugLevel: color.New(color.FgHiBlack),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
}

var keyColor = color.New(color.FgCyan)

// Formatter writes one line per entry:
//
//	15:04:05.000 INFO  [server.go:42] msgpackrpc: serving addr=127.0.0.1:9000
//
// Fields are sorted by key. Colours follow color.NoColor, so output to a
// file or pipe stays plain.
type Formatter struct {
	TimestampFormat string
}

func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	b := e.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	layout := f.TimestampFormat
	if layout == "" {
		layout = "15:04:05.000"
	}
	b.WriteString(e.Time.Format(layout))
	b.WriteByte(' ')

	lc, ok := levelColor[e.Level]
	if !ok {
		lc = color.New(color.Reset)
	}
	lc.Fprintf(b, "%-5.5s", levelName(e.Level))

	if e.HasCaller() {
		fmt.Fprintf(b, " [%s:%d]", filepath.Base(e.Caller.File), e.Caller.Line)
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		keyColor.Fprint(b, k)
		fmt.Fprintf(b, "=%v", e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelName(l logrus.Level) string {
	if l == logrus.WarnLevel {
		return "WARN"
	}
	b, err := l.MarshalText()
	if err != nil {
		return "?"
	}
	return string(bytes.ToUpper(b))
}
