package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LoggingConfig controls the production logger.
type LoggingConfig struct {
	// Level is the minimum level emitted: debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is "json" (one object per line) or "text"
	Format string `json:"format" yaml:"format"`

	// Output is "stdout" or "stderr"
	Output string `json:"output" yaml:"output"`
}

// ProductionLogger is the standard structured logger. JSON output emits one
// object per line with level, msg, time, component and the field map; text
// output is for local development.
type ProductionLogger struct {
	level     int
	format    string
	component string
	out       io.Writer
	mu        *sync.Mutex
}

var levelNames = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// NewProductionLogger creates a logger from config. Unknown levels default
// to info, unknown formats to json.
func NewProductionLogger(cfg LoggingConfig, component string) *ProductionLogger {
	level, ok := levelNames[strings.ToLower(cfg.Level)]
	if !ok {
		level = levelNames["info"]
	}

	format := strings.ToLower(cfg.Format)
	if format != "text" {
		format = "json"
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	return &ProductionLogger{
		level:     level,
		format:    format,
		component: component,
		out:       out,
		mu:        &sync.Mutex{},
	}
}

// WithComponent returns a child logger attributed to a component.
// The writer and level are shared with the parent.
func (l *ProductionLogger) WithComponent(component string) Logger {
	child := *l
	child.component = component
	return &child
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("info", msg, fields)
}
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("warn", msg, fields)
}
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("error", msg, fields)
}
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("debug", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if levelNames[level] < l.level {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+4)
		for k, v := range fields {
			entry[k] = v
		}
		entry["level"] = level
		entry["msg"] = msg
		entry["time"] = now
		if l.component != "" {
			entry["component"] = l.component
		}

		data, err := json.Marshal(entry)
		if err != nil {
			// Fields that cannot be marshalled degrade to the text path
			l.writeText(level, now, msg, fields)
			return
		}

		l.mu.Lock()
		_, _ = l.out.Write(append(data, '\n'))
		l.mu.Unlock()
		return
	}

	l.writeText(level, now, msg, fields)
}

func (l *ProductionLogger) writeText(level, ts, msg string, fields map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", ts, strings.ToUpper(level))
	if l.component != "" {
		fmt.Fprintf(&b, " [%s]", l.component)
	}
	b.WriteString(" " + msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')

	l.mu.Lock()
	_, _ = io.WriteString(l.out, b.String())
	l.mu.Unlock()
}
