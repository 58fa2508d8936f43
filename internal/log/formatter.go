package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format supports unified log output format that has %time, %level, %field, %msg, %caller, %func, %n.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", strings.ToUpper(entry.Level.String()), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	if strings.Contains(output, "%caller") || strings.Contains(output, "%func") {
		frame, ok := findCaller()
		output = strings.Replace(output, "%caller", formatCaller(frame, ok), 1)
		output = strings.Replace(output, "%func", formatFunc(frame, ok), 1)
	}
	output = strings.ReplaceAll(output, "%n", "\n")
	return []byte(output), nil
}

// findCaller returns the first stack frame outside logrus and this package.
func findCaller() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "sirupsen/logrus") &&
			!strings.Contains(frame.Function, "/internal/log.") {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// package/文件名:行号
func formatCaller(frame runtime.Frame, ok bool) string {
	if !ok {
		return "unknown"
	}
	file := frame.File
	if idx := strings.LastIndex(file, "/"); idx != -1 && idx+1 < len(file) {
		file = file[idx+1:]
	}
	fn := frame.Function
	if idx := strings.LastIndex(fn, "/"); idx != -1 {
		fn = fn[idx+1:]
	}
	pkg := strings.SplitN(fn, ".", 2)[0]
	return fmt.Sprintf("%s/%s:%d", pkg, file, frame.Line)
}

// 只保留方法或函数名
func formatFunc(frame runtime.Frame, ok bool) string {
	if !ok {
		return "unknown"
	}
	name := frame.Function
	if idx := strings.LastIndex(name, "."); idx != -1 && idx+1 < len(name) {
		return name[idx+1:]
	}
	return name
}

func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		val := entry.Data[key]
		stringVal, ok := val.(string)
		if !ok {
			stringVal = fmt.Sprint(val)
		}
		fields = append(fields, key+"="+stringVal)
	}
	return " " + strings.Join(fields, ",")
}
