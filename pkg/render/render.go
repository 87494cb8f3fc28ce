// Package render 实现消息模板渲染。
//
// 模板中的占位符形如 {name}、{name:formatter} 或 {name:formatter:arg}。
// name 从上下文中取值，不存在时渲染为空字符串（或调用方提供的默认值）；
// formatter 不存在时原样输出取到的值。
package render

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var tokenPattern = regexp.MustCompile(`\{(\w+)(?::(\w+)(?::([^}]*))?)?\}`)

// Context 模板上下文
type Context map[string]any

// Formatter 格式化函数，arg 为占位符中第二个冒号之后的内容
type Formatter func(value any, arg string) string

// Option 渲染选项
type Option func(*renderOptions)

type renderOptions struct {
	fallback string
}

// WithDefault 设置未知占位符的替代文本
func WithDefault(fallback string) Option {
	return func(o *renderOptions) {
		o.fallback = fallback
	}
}

// Engine 模板引擎，创建后只读，可并发使用
type Engine struct {
	formatters map[string]Formatter
	location   *time.Location
}

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithLocation 设置时间格式化使用的时区
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithFormatter 注册或覆盖一个格式化函数
func WithFormatter(name string, f Formatter) EngineOption {
	return func(e *Engine) {
		e.formatters[name] = f
	}
}

// New 创建带内置格式化函数的引擎
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		formatters: make(map[string]Formatter),
		location:   time.Local,
	}

	upper := cases.Upper(language.Und)
	lower := cases.Lower(language.Und)

	e.formatters["time"] = e.timeFormatter("15:04:05")
	e.formatters["date"] = e.timeFormatter("2006-01-02")
	e.formatters["datetime"] = e.timeFormatter("2006-01-02 15:04:05")
	e.formatters["upper"] = func(v any, _ string) string { return upper.String(Stringify(v)) }
	e.formatters["uppercase"] = e.formatters["upper"]
	e.formatters["lower"] = func(v any, _ string) string { return lower.String(Stringify(v)) }
	e.formatters["lowercase"] = e.formatters["lower"]
	e.formatters["capitalize"] = capitalize
	e.formatters["truncate"] = truncate
	e.formatters["escape"] = func(v any, _ string) string { return html.EscapeString(Stringify(v)) }
	e.formatters["json"] = toJSON

	for _, opt := range opts {
		opt(e)
	}
	return e
}

var std = New()

// Render 使用默认引擎渲染模板
func Render(tpl string, data Context, opts ...Option) string {
	return std.Render(tpl, data, opts...)
}

// Render 渲染模板，相同的模板与上下文总是得到相同的结果
func (e *Engine) Render(tpl string, data Context, opts ...Option) string {
	o := &renderOptions{}
	for _, opt := range opts {
		opt(o)
	}

	return tokenPattern.ReplaceAllStringFunc(tpl, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		name, formatter, arg := m[1], m[2], m[3]

		value, ok := data[name]
		if !ok || value == nil {
			return o.fallback
		}
		if formatter == "" {
			return Stringify(value)
		}
		f, ok := e.formatters[formatter]
		if !ok {
			return Stringify(value)
		}
		return f(value, arg)
	})
}

// Stringify 把上下文中的值转换为文本
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

var layoutReplacer = strings.NewReplacer(
	"YYYY", "2006",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

func (e *Engine) timeFormatter(layout string) Formatter {
	return func(v any, arg string) string {
		t, ok := toTime(v)
		if !ok {
			return Stringify(v)
		}
		l := layout
		if arg != "" {
			l = layoutReplacer.Replace(arg)
		}
		return t.In(e.location).Format(l)
	}
}

// toTime 支持 time.Time、秒或毫秒时间戳、RFC3339 字符串
func toTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, true
	case int:
		return fromUnix(int64(val)), true
	case int64:
		return fromUnix(val), true
	case float64:
		return fromUnix(int64(val)), true
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, true
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return fromUnix(n), true
		}
	}
	return time.Time{}, false
}

func fromUnix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func capitalize(v any, _ string) string {
	s := Stringify(v)
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func truncate(v any, arg string) string {
	s := Stringify(v)
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func toJSON(v any, _ string) string {
	data, err := json.Marshal(v)
	if err != nil {
		return Stringify(v)
	}
	return string(data)
}
