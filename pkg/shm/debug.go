/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

type logger struct {
	name  string
	sugar *zap.SugaredLogger
}

var (
	logLevel       = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	internalLogger = newLogger("", nil)

	// exitFunc terminates the process on fatal errors. Tests replace it.
	exitFunc = os.Exit
)

const logLevelEnv = "FMQ_SHM_LOG_LEVEL"

func init() {
	if v := os.Getenv(logLevelEnv); v != "" {
		_ = SetLogLevel(v)
	}
}

// SetLogLevel changes the internal logger's level. The default level is warn,
// the process env FMQ_SHM_LOG_LEVEL also sets it.
func SetLogLevel(l string) error {
	lvl, err := zapcore.ParseLevel(l)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", l, err)
	}
	logLevel.SetLevel(lvl)
	return nil
}

func newLogger(name string, core zapcore.Core) *logger {
	if core == nil {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.999999")
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), logLevel)
	}
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if name != "" {
		l = l.Named(name)
	}
	return &logger{name: name, sugar: l.Sugar()}
}

func (l *logger) named(name string) *logger {
	return &logger{name: name, sugar: l.sugar.Named(name)}
}

func (l *logger) errorf(format string, a ...interface{}) {
	l.sugar.Errorf(format, a...)
}

func (l *logger) warnf(format string, a ...interface{}) {
	l.sugar.Warnf(format, a...)
}

func (l *logger) infof(format string, a ...interface{}) {
	l.sugar.Infof(format, a...)
}

func (l *logger) debugf(format string, a ...interface{}) {
	l.sugar.Debugf(format, a...)
}

// fatalf logs at error level regardless of the configured level and terminates with status 1.
func (l *logger) fatalf(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	if ce := l.sugar.Desugar().Check(zapcore.ErrorLevel, msg); ce != nil {
		ce.Write()
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	_ = l.sugar.Sync()
	exitFunc(1)
}

// DebugQueueDetail prints the header of the acknowledgement queue object `name`.
func DebugQueueDetail(name string) {
	mem, err := os.ReadFile(internalshm.ObjectPath(name))
	if err != nil {
		fmt.Println(err)
		return
	}
	h, err := readQueueHeader(mem)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("name:%s cap:%d slot:%d head:%d tail:%d size:%d closed:%d\n",
		name, h.capacity, h.slotSize, h.head, h.tail, h.tail-h.head, h.closed)
}

// Printf lets the logger serve as the worker pool logger.
func (l *logger) Printf(format string, a ...interface{}) {
	l.sugar.Warnf(format, a...)
}
