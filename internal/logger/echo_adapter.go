package logger

import (
	"fmt"
	"io"

	echo_log "github.com/labstack/gommon/log"
)

// EchoLoggerAdapter lets echo write through the central logger instead of
// its own stdout logger.
//
//	e := echo.New()
//	e.Logger = logger.NewEchoLoggerAdapter(log.Module("echo"))
type EchoLoggerAdapter struct {
	logger Logger
	level  echo_log.Lvl
}

// NewEchoLoggerAdapter creates a new echo logger adapter
func NewEchoLoggerAdapter(logger Logger) *EchoLoggerAdapter {
	if logger == nil {
		logger = Global().Module("echo")
	}
	return &EchoLoggerAdapter{logger: logger, level: echo_log.INFO}
}

// Output, prefix and header are owned by the central logger.
func (a *EchoLoggerAdapter) Output() io.Writer     { return io.Discard }
func (a *EchoLoggerAdapter) SetOutput(_ io.Writer) {}
func (a *EchoLoggerAdapter) Prefix() string        { return "" }
func (a *EchoLoggerAdapter) SetPrefix(_ string)    {}
func (a *EchoLoggerAdapter) SetHeader(_ string)    {}

func (a *EchoLoggerAdapter) Level() echo_log.Lvl     { return a.level }
func (a *EchoLoggerAdapter) SetLevel(v echo_log.Lvl) { a.level = v }

func (a *EchoLoggerAdapter) emit(level LogLevel, msg string) {
	a.logger.Log(level, msg)
}

func (a *EchoLoggerAdapter) emitJSON(level LogLevel, j echo_log.JSON) {
	a.logger.Log(level, "echo", Any("data", j))
}

func (a *EchoLoggerAdapter) Print(i ...any)                   { a.emit(LogLevelInfo, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Printf(format string, args ...any) { a.emit(LogLevelInfo, fmt.Sprintf(format, args...)) }
func (a *EchoLoggerAdapter) Printj(j echo_log.JSON)            { a.emitJSON(LogLevelInfo, j) }

func (a *EchoLoggerAdapter) Debug(i ...any)                   { a.emit(LogLevelDebug, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Debugf(format string, args ...any) { a.emit(LogLevelDebug, fmt.Sprintf(format, args...)) }
func (a *EchoLoggerAdapter) Debugj(j echo_log.JSON)            { a.emitJSON(LogLevelDebug, j) }

func (a *EchoLoggerAdapter) Info(i ...any)                   { a.emit(LogLevelInfo, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Infof(format string, args ...any) { a.emit(LogLevelInfo, fmt.Sprintf(format, args...)) }
func (a *EchoLoggerAdapter) Infoj(j echo_log.JSON)            { a.emitJSON(LogLevelInfo, j) }

func (a *EchoLoggerAdapter) Warn(i ...any)                   { a.emit(LogLevelWarn, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Warnf(format string, args ...any) { a.emit(LogLevelWarn, fmt.Sprintf(format, args...)) }
func (a *EchoLoggerAdapter) Warnj(j echo_log.JSON)            { a.emitJSON(LogLevelWarn, j) }

func (a *EchoLoggerAdapter) Error(i ...any)                   { a.emit(LogLevelError, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Errorf(format string, args ...any) { a.emit(LogLevelError, fmt.Sprintf(format, args...)) }
func (a *EchoLoggerAdapter) Errorj(j echo_log.JSON)            { a.emitJSON(LogLevelError, j) }

// Fatal variants log and panic; echo's Recover middleware and the serve
// command turn the panic into a shutdown instead of os.Exit.
func (a *EchoLoggerAdapter) Fatal(i ...any) { a.Panic(i...) }
func (a *EchoLoggerAdapter) Fatalf(format string, args ...any) {
	a.Panicf(format, args...)
}
func (a *EchoLoggerAdapter) Fatalj(j echo_log.JSON) { a.Panicj(j) }

func (a *EchoLoggerAdapter) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	a.emit(LogLevelError, msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.emit(LogLevelError, msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicj(j echo_log.JSON) {
	a.emitJSON(LogLevelError, j)
	panic(fmt.Sprintf("%v", j))
}
