package decoding

import (
	"bytes"

	"github.com/maxpert/slotkeeper/wal"
)

// WriteInfo describes a chunk of plugin output.
type WriteInfo struct {
	LSN wal.LSN
	XID wal.XID
	// Last is set on the final chunk of a callback's output
	Last bool
}

// PrepareWriteFunc is called by PrepareWrite before the plugin fills out.
type PrepareWriteFunc func(out *bytes.Buffer, info WriteInfo) error

// WriteFunc is called by Write with the filled buffer.
type WriteFunc func(out *bytes.Buffer, info WriteInfo) error

// PluginContext is handed to every plugin callback. Output may only be
// written from the begin, change, commit and message callbacks.
type PluginContext struct {
	slotName   string
	pluginName string
	options    map[string]string

	out          bytes.Buffer
	prepareWrite PrepareWriteFunc
	write        WriteFunc

	acceptWrites bool
	prepared     bool
	writeLSN     wal.LSN
	writeXID     wal.XID

	// first contract violation seen in the running callback
	fault error
}

func newPluginContext(slotName, pluginName string, options map[string]string, prepare PrepareWriteFunc, write WriteFunc) *PluginContext {
	if prepare == nil {
		prepare = func(out *bytes.Buffer, _ WriteInfo) error {
			out.Reset()
			return nil
		}
	}
	return &PluginContext{
		slotName:     slotName,
		pluginName:   pluginName,
		options:      options,
		prepareWrite: prepare,
		write:        write,
	}
}

// SlotName returns the name of the slot being decoded.
func (c *PluginContext) SlotName() string {
	return c.slotName
}

// Option returns a plugin option passed by the driver.
func (c *PluginContext) Option(name string) (string, bool) {
	v, ok := c.options[name]
	return v, ok
}

// Options returns all plugin options.
func (c *PluginContext) Options() map[string]string {
	return c.options
}

// Out is the buffer plugins write their output into between PrepareWrite
// and Write.
func (c *PluginContext) Out() *bytes.Buffer {
	return &c.out
}

// PrepareWrite starts a chunk of output.
func (c *PluginContext) PrepareWrite(last bool) error {
	if !c.acceptWrites {
		return c.setFault("writes are only accepted in commit, begin, change and message callbacks")
	}
	if err := c.prepareWrite(&c.out, c.info(last)); err != nil {
		return err
	}
	c.prepared = true
	return nil
}

// Write hands the chunk in Out to the driver.
func (c *PluginContext) Write(last bool) error {
	if !c.prepared {
		return c.setFault("PrepareWrite needs to be called before Write")
	}
	if err := c.write(&c.out, c.info(last)); err != nil {
		return err
	}
	c.prepared = false
	return nil
}

func (c *PluginContext) info(last bool) WriteInfo {
	return WriteInfo{LSN: c.writeLSN, XID: c.writeXID, Last: last}
}

func (c *PluginContext) setFault(msg string) error {
	err := &FaultError{Msg: msg}
	if c.fault == nil {
		c.fault = err
	}
	return err
}

func (c *PluginContext) openWindow(lsn wal.LSN, xid wal.XID) {
	c.acceptWrites = true
	c.prepared = false
	c.writeLSN = lsn
	c.writeXID = xid
}

func (c *PluginContext) closeWindow() {
	c.acceptWrites = false
	c.prepared = false
	c.writeLSN = wal.InvalidLSN
	c.writeXID = wal.InvalidXID
}
