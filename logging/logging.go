/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package logging provides a logrus-backed implementation of common.Logger.
Log lines are emitted as structured JSON records with a "trace" field
containing the caller's function name and source line number.

*/
package logging

import (
	"io"
	"os"

	"github.com/Psiphon-Labs/sshtransport/common"
	"github.com/Psiphon-Labs/sshtransport/common/errors"
	"github.com/Psiphon-Labs/sshtransport/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds trace context logging functionality to the underlying
// logging package. ContextLogger implements common.Logger.
type ContextLogger struct {
	log *logrus.Logger
}

// NewContextLogger creates a ContextLogger writing JSON log records at the
// given level ("debug", "info", "warning", or "error") to writer. A nil
// writer selects os.Stderr.
func NewContextLogger(level string, writer io.Writer) (*ContextLogger, error) {

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if writer == nil {
		writer = os.Stderr
	}

	log := logrus.New()
	log.SetLevel(logLevel)
	log.SetOutput(writer)
	log.SetFormatter(&logrus.JSONFormatter{})

	return &ContextLogger{log: log}, nil
}

// NewDiscardLogger creates a ContextLogger that discards all log records.
// Used as the default when no logger is configured.
func NewDiscardLogger() *ContextLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &ContextLogger{log: log}
}

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() common.LogTrace {
	return logger.log.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function name
// and source file line number. Use this function when the log has fields.
// Note that any existing "trace" field will be renamed to "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.log.WithFields(logrus.Fields(fields))
}

// LogMetric directly logs the supplied metric event and fields at the Info
// level.
func (logger *ContextLogger) LogMetric(metric string, fields common.LogFields) {
	_, ok := fields["metric"]
	if ok {
		fields["fields.metric"] = fields["metric"]
	}
	fields["metric"] = metric
	logger.log.WithFields(logrus.Fields(fields)).Info(metric)
}
