package logging

import (
	"context"
	"fmt"
	"github.com/golang/glog"
	"strings"
)

type logContextKey struct{}

// kDebugVerbosity is the glog verbosity at which Debugf statements are emitted.
const kDebugVerbosity = 2

type PrefixLogger struct {
	prefix string // The prefix string that is attached to every log statement.
}

// NewPrefixLogger returns a new instance of the prefix logger.
func NewPrefixLogger(prefix string) *PrefixLogger {
	logger := PrefixLogger{prefix: createPrefixStr(prefix)}
	return &logger
}

// NewPrefixLoggerWithParent returns a new instance of the prefix logger. It uses the prefix of the parent as well
// as the given prefix in every log statement. Makes traceability from logs a whole lot easier.
func NewPrefixLoggerWithParent(prefix string, parentLogger *PrefixLogger) *PrefixLogger {
	actualPrefix := createPrefixStr(prefix)
	if parentLogger != nil {
		actualPrefix = parentLogger.GetPrefix() + " " + actualPrefix
	}
	logger := PrefixLogger{prefix: actualPrefix}
	return &logger
}

// WithLogContext returns a context carrying the given tag. Loggers derived with PrefixLogger.WithContext attach all
// the tags found on the context to their prefix.
func WithLogContext(ctx context.Context, tag string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	tags := tagsFromContext(ctx)
	newTags := make([]string, 0, len(tags)+1)
	newTags = append(newTags, tags...)
	newTags = append(newTags, tag)
	return context.WithValue(ctx, logContextKey{}, newTags)
}

func tagsFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	tags, _ := ctx.Value(logContextKey{}).([]string)
	return tags
}

// WithContext returns a logger whose prefix additionally contains the tags attached to ctx. The receiver is returned
// as is when ctx carries no tags.
func (logger *PrefixLogger) WithContext(ctx context.Context) *PrefixLogger {
	tags := tagsFromContext(ctx)
	if len(tags) == 0 {
		return logger
	}
	return &PrefixLogger{prefix: logger.prefix + " " + createPrefixStr(strings.Join(tags, " "))}
}

func (logger *PrefixLogger) GetPrefix() string {
	return logger.prefix
}

func (logger *PrefixLogger) Infof(format string, args ...interface{}) {
	logStr := fmt.Sprintf(format, args...)
	glog.InfoDepth(1, fmt.Sprintf("%s %s", logger.prefix, logStr))
}

func (logger *PrefixLogger) Errorf(format string, args ...interface{}) {
	logStr := fmt.Sprintf(format, args...)
	glog.ErrorDepth(1, fmt.Sprintf("%s %s", logger.prefix, logStr))
}

func (logger *PrefixLogger) Warningf(format string, args ...interface{}) {
	logStr := fmt.Sprintf(format, args...)
	glog.WarningDepth(1, fmt.Sprintf("%s %s", logger.prefix, logStr))
}

func (logger *PrefixLogger) Fatalf(format string, args ...interface{}) {
	logStr := fmt.Sprintf(format, args...)
	glog.FatalDepth(1, fmt.Sprintf("%s %s", logger.prefix, logStr))
}

// Debugf logs at kDebugVerbosity. It lets the prefix logger stand in for badger's logger.
func (logger *PrefixLogger) Debugf(format string, args ...interface{}) {
	if glog.V(kDebugVerbosity) {
		logStr := fmt.Sprintf(format, args...)
		glog.InfoDepth(1, fmt.Sprintf("%s %s", logger.prefix, logStr))
	}
}

func (logger *PrefixLogger) VInfof(v uint, format string, args ...interface{}) {
	if glog.V(glog.Level(v)) {
		logStr := fmt.Sprintf(format, args...)
		glog.InfoDepth(1, fmt.Sprintf("%s %s", logger.prefix, logStr))
	}
}

func createPrefixStr(prefix string) string {
	return "{" + prefix + "}"
}
