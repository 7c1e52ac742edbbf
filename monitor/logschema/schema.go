package logschema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidEvent = errors.New("log event does not match schema")

// Schema 定义每个日志事件所需的关键字段。
// Results 非空时 "result" 字段只能取其中的值。
type Schema struct {
	Event    string
	Required []string
	Results  []string
}

var schemas = map[string]Schema{
	"tick": {
		Event:    "tick",
		Required: []string{"source", "result", "fetched", "added", "skipped", "latencyMs"},
		Results:  []string{"ok", "error", "skipped", "discarded"},
	},
	"merge": {
		Event:    "merge",
		Required: []string{"added", "skipped", "poolSize"},
	},
	"order_accept": {
		Event:    "order_accept",
		Required: []string{"order_id", "result", "value", "committed", "balance"},
		Results:  []string{"accepted", "unknown_order", "already_accepted", "insufficient_balance"},
	},
	"order_reject": {
		Event:    "order_reject",
		Required: []string{"order_id", "result", "committed"},
		Results:  []string{"rejected", "not_accepted"},
	},
}

// Error 列出一条日志的全部问题。
type Error struct {
	Event   string
	Missing []string
	Result  string // 不在允许列表中的 result 值
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing fields: "+strings.Join(e.Missing, ","))
	}
	if e.Result != "" {
		parts = append(parts, fmt.Sprintf("unexpected result %q", e.Result))
	}
	return e.Event + ": " + strings.Join(parts, "; ")
}

func (e *Error) Is(target error) bool { return target == ErrInvalidEvent }

// Known 返回所有事件名
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Lookup 返回事件的 schema
func Lookup(event string) (Schema, bool) {
	s, ok := schemas[event]
	return s, ok
}

// Validate 检查必需字段和 result 取值。未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	e := &Error{Event: event}
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			e.Missing = append(e.Missing, key)
		}
	}
	if r, ok := fields["result"].(string); ok && len(s.Results) > 0 && !contains(s.Results, r) {
		e.Result = r
	}
	if len(e.Missing) == 0 && e.Result == "" {
		return nil
	}
	return e
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
