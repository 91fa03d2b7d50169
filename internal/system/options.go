package system

import (
	"github.com/scttfrdmn/classcache/pkg/classfile"
	"github.com/scttfrdmn/classcache/pkg/memmon"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// Option configures a CacheSystem.
type Option func(*options)

type options struct {
	logger  *utils.StructuredLogger
	sampler memmon.Sampler
	format  classfile.Format
}

// WithLogger sets the logger. By default one is built from the
// configuration's log level and format.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHeapSampler replaces the runtime heap sampler used by the pressure
// monitor.
func WithHeapSampler(sampler memmon.Sampler) Option {
	return func(o *options) {
		o.sampler = sampler
	}
}

// WithFormat sets the bytecode format inputs and outputs are checked
// against. The default is classfile.DefaultFormat.
func WithFormat(format classfile.Format) Option {
	return func(o *options) {
		o.format = format
	}
}
