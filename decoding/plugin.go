package decoding

import (
	"sort"
	"sync"

	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/wal"
)

// OutputType is the kind of data a plugin writes.
type OutputType int

const (
	OutputText OutputType = iota
	OutputBinary
)

func (t OutputType) String() string {
	if t == OutputBinary {
		return "binary"
	}
	return "text"
}

// OutputOptions are filled in by a plugin during startup.
type OutputOptions struct {
	OutputType OutputType
}

// Plugin turns committed transactions into output. The three methods are
// mandatory; the optional callbacks are separate interfaces.
type Plugin interface {
	BeginTxn(ctx *PluginContext, txn *reorder.Txn) error
	ApplyChange(ctx *PluginContext, txn *reorder.Txn, change *reorder.Change) error
	CommitTxn(ctx *PluginContext, txn *reorder.Txn, commitLSN wal.LSN) error
}

// Starter is implemented by plugins with a startup callback. isInit is set
// when the session is creating a new slot.
type Starter interface {
	Startup(ctx *PluginContext, opts *OutputOptions, isInit bool) error
}

// Shutdowner is implemented by plugins with a shutdown callback.
type Shutdowner interface {
	Shutdown(ctx *PluginContext) error
}

// MessageHandler is implemented by plugins that want logical messages. txn
// is nil for non-transactional messages.
type MessageHandler interface {
	Message(ctx *PluginContext, txn *reorder.Txn, msg *reorder.Message) error
}

// OriginFilter is implemented by plugins that skip changes by origin.
// Returning true filters the origin out.
type OriginFilter interface {
	FilterByOrigin(ctx *PluginContext, origin wal.OriginID) bool
}

// PluginFactory creates a plugin instance for one session.
type PluginFactory func() Plugin

var (
	pluginFactories = make(map[string]PluginFactory)
	pluginMu        sync.RWMutex
)

// RegisterPlugin registers an output plugin under name.
func RegisterPlugin(name string, factory PluginFactory) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	pluginFactories[name] = factory
}

// Plugins lists registered plugin names.
func Plugins() []string {
	pluginMu.RLock()
	defer pluginMu.RUnlock()

	names := make([]string, 0, len(pluginFactories))
	for name := range pluginFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadPlugin instantiates a registered plugin.
func LoadPlugin(name string) (Plugin, error) {
	pluginMu.RLock()
	factory, ok := pluginFactories[name]
	pluginMu.RUnlock()

	if !ok {
		return nil, configErrorf("output plugin %q is not registered", name)
	}
	p := factory()
	if p == nil {
		return nil, &FaultError{Msg: "output plugins have to declare the begin, change and commit callbacks"}
	}
	return p, nil
}
