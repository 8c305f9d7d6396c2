// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package xlog implements a standardized leveled logger with callback
// functionality, gated per package by the INSTANTSOUP_TRACE environment
// variable.
package xlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelVerbose
	LevelInfo
	LevelWarn
	LevelFatal
	numLevels
)

// A Handler is called with the log level and message text.
type Handler func(level Level, msg string)

type Logger struct {
	logger   *log.Logger
	handlers [numLevels][]Handler
	mut      sync.Mutex
}

// Default logs to standard output with a time prefix.
var Default = New()

func New() *Logger {
	if os.Getenv("INSTANTSOUP_LOG_DISCARD") != "" {
		return &Logger{logger: log.New(io.Discard, "", 0)}
	}
	return &Logger{logger: log.New(os.Stdout, "", log.Ltime)}
}

func (l *Logger) AddHandler(level Level, h Handler) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.handlers[level] = append(l.handlers[level], h)
}

func (l *Logger) callHandlers(level Level, s string) {
	for _, h := range l.handlers[level] {
		h(level, strings.TrimSpace(s))
	}
}

func (l *Logger) Debugln(vals ...interface{}) { l.logln(LevelDebug, "DEBUG", vals...) }
func (l *Logger) Debugf(format string, vals ...interface{}) {
	l.logf(LevelDebug, "DEBUG", format, vals...)
}

func (l *Logger) Verboseln(vals ...interface{}) { l.logln(LevelVerbose, "VERBOSE", vals...) }
func (l *Logger) Verbosef(format string, vals ...interface{}) {
	l.logf(LevelVerbose, "VERBOSE", format, vals...)
}

func (l *Logger) Infoln(vals ...interface{}) { l.logln(LevelInfo, "INFO", vals...) }
func (l *Logger) Infof(format string, vals ...interface{}) {
	l.logf(LevelInfo, "INFO", format, vals...)
}

func (l *Logger) Warnln(vals ...interface{}) { l.logln(LevelWarn, "WARNING", vals...) }
func (l *Logger) Warnf(format string, vals ...interface{}) {
	l.logf(LevelWarn, "WARNING", format, vals...)
}

func (l *Logger) Fatalln(vals ...interface{}) {
	l.logln(LevelFatal, "FATAL", vals...)
	os.Exit(1)
}

func (l *Logger) logln(level Level, prefix string, vals ...interface{}) {
	l.mut.Lock()
	defer l.mut.Unlock()
	s := fmt.Sprintln(vals...)
	l.logger.Output(3, prefix+": "+s)
	l.callHandlers(level, s)
}

func (l *Logger) logf(level Level, prefix, format string, vals ...interface{}) {
	l.mut.Lock()
	defer l.mut.Unlock()
	s := fmt.Sprintf(format, vals...)
	l.logger.Output(3, prefix+": "+s)
	l.callHandlers(level, s)
}

// Debug reports whether debug logging is enabled for the named component,
// via INSTANTSOUP_TRACE=comp1,comp2 or INSTANTSOUP_TRACE=all.
func Debug(component string) bool {
	trace := os.Getenv("INSTANTSOUP_TRACE")
	if trace == "all" {
		return true
	}
	for _, c := range strings.Split(trace, ",") {
		if c == component {
			return true
		}
	}
	return false
}
