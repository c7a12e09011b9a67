package callmgr

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// FaultSink receives errors raised inside application callback code or deep
// inside asynchronous machinery. Faults are isolated per call: one
// misbehaving callback cannot corrupt another call's state, and faults are
// never unwound through state-machine internals.
type FaultSink func(callID CallID, err error)

// RuntimeOptions configures the shared process-wide resources.
type RuntimeOptions struct {
	// Logger is the structured logger shared by every Manager. Nil means the
	// logrus standard logger.
	Logger *logrus.Logger

	// Registry receives the prometheus collectors. Nil means a private
	// registry, exposed via Runtime.Registry().
	Registry *prometheus.Registry

	// FaultSink receives out-of-band faults. Nil means faults are logged.
	FaultSink FaultSink
}

// Runtime holds the resources shared by every call: logger, metrics, and the
// fault channel. It replaces any hidden global state; construct one, Init it,
// and pass it by reference into NewManager.
type Runtime struct {
	log       *logrus.Logger
	registry  *prometheus.Registry
	metrics   *metrics
	faultSink FaultSink

	mu          sync.Mutex
	initialized bool
}

// NewRuntime creates a Runtime from options. Init must be called before the
// Runtime is handed to a Manager.
func NewRuntime(opts RuntimeOptions) *Runtime {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	rt := &Runtime{
		log:      log,
		registry: registry,
	}
	if opts.FaultSink != nil {
		rt.faultSink = opts.FaultSink
	} else {
		rt.faultSink = func(callID CallID, err error) {
			log.WithFields(logrus.Fields{
				"function": "faultSink",
				"call_id":  callID,
				"error":    err,
			}).Error("Unhandled fault from application callback")
		}
	}
	return rt
}

// Init performs the one-time setup of shared resources. Calling Init twice
// is a no-op.
func (rt *Runtime) Init() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.initialized {
		return nil
	}
	rt.metrics = newMetrics(rt.registry)
	rt.initialized = true
	rt.log.WithField("function", "Runtime.Init").Debug("Call runtime initialized")
	return nil
}

// Shutdown releases shared resources. Managers must be stopped first.
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.initialized {
		return
	}
	rt.initialized = false
	rt.log.WithField("function", "Runtime.Shutdown").Debug("Call runtime shut down")
}

// Registry exposes the prometheus registry for scraping.
func (rt *Runtime) Registry() *prometheus.Registry { return rt.registry }

// Logger exposes the shared structured logger.
func (rt *Runtime) Logger() *logrus.Logger { return rt.log }

func (rt *Runtime) ready() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.initialized
}

func (rt *Runtime) fault(callID CallID, err error) {
	rt.faultSink(callID, err)
}
