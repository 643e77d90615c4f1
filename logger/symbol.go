package logger

import (
	"go.uber.org/zap"
)

// Component symbols used as structured log fields (FieldSymbol) rather than
// embedded in the message, so logs stay queryable by subsystem.
const (
	SymWorker    = "꩜" // async worker pool
	SymMaterial  = "✿" // graph materialization layer
	SymGraph     = "⊔" // graph SSoT driver
	SymRouter    = "⋈" // inference router
	SymEventBus  = "☍" // event bus
	SymChatCP    = "❀" // chat control plane
)

// WorkerInfow logs an info message tagged with the worker-pool symbol.
func WorkerInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymWorker}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// WorkerDebugw logs a debug message tagged with the worker-pool symbol.
func WorkerDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymWorker}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// WorkerWarnw logs a warning message tagged with the worker-pool symbol.
func WorkerWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymWorker}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// MaterializeInfow logs an info message tagged with the GML symbol.
func MaterializeInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymMaterial}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// GraphInfow logs an info message tagged with the graph driver symbol.
func GraphInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymGraph}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// RouterInfow logs an info message tagged with the router symbol.
func RouterInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymRouter}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// WithSymbol returns a logger with the given symbol as a field.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}
