package decoding

import (
	"time"

	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
)

// Callback names used in error contexts and metrics.
const (
	CallbackStartup        = "startup"
	CallbackShutdown       = "shutdown"
	CallbackBegin          = "begin"
	CallbackChange         = "change"
	CallbackCommit         = "commit"
	CallbackMessage        = "message"
	CallbackFilterByOrigin = "filter_by_origin"
)

// frame is the context a callback runs in.
type frame struct {
	callback string
	// reported in errors
	lsn wal.LSN
	// write window; invalid for callbacks that may not write
	window   bool
	writeLSN wal.LSN
	xid      wal.XID
}

// dispatcher invokes plugin callbacks. Every invocation runs inside a frame
// that is torn down on return, error or panic.
type dispatcher struct {
	plugin Plugin
	ctx    *PluginContext
}

func (d *dispatcher) invoke(f frame, fn func() error) (err error) {
	c := d.ctx
	c.fault = nil
	if f.window {
		c.openWindow(f.writeLSN, f.xid)
	} else {
		c.closeWindow()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
		c.closeWindow()
		telemetry.CallbackSeconds.With(f.callback).Observe(time.Since(start).Seconds())

		// A plugin that swallowed a contract violation still fails.
		if err == nil && c.fault != nil {
			err = c.fault
		}
		c.fault = nil
		if err != nil {
			telemetry.CallbackErrorsTotal.With(f.callback).Inc()
			err = &CallbackError{
				Slot:     c.slotName,
				Plugin:   c.pluginName,
				Callback: f.callback,
				LSN:      f.lsn,
				Err:      err,
			}
		}
	}()

	return fn()
}

func (d *dispatcher) startup(opts *OutputOptions, isInit bool) error {
	st, ok := d.plugin.(Starter)
	if !ok {
		return nil
	}
	return d.invoke(frame{callback: CallbackStartup}, func() error {
		return st.Startup(d.ctx, opts, isInit)
	})
}

func (d *dispatcher) shutdown() error {
	sd, ok := d.plugin.(Shutdowner)
	if !ok {
		return nil
	}
	return d.invoke(frame{callback: CallbackShutdown}, func() error {
		return sd.Shutdown(d.ctx)
	})
}

func (d *dispatcher) filterByOrigin(origin wal.OriginID) (bool, error) {
	of, ok := d.plugin.(OriginFilter)
	if !ok {
		return false, nil
	}
	var filtered bool
	err := d.invoke(frame{callback: CallbackFilterByOrigin}, func() error {
		filtered = of.FilterByOrigin(d.ctx, origin)
		return nil
	})
	return filtered, err
}

// Begin implements reorder.Emitter.
func (d *dispatcher) Begin(txn *reorder.Txn) error {
	f := frame{callback: CallbackBegin, lsn: txn.FirstLSN, window: true, writeLSN: txn.FirstLSN, xid: txn.XID}
	return d.invoke(f, func() error {
		return d.plugin.BeginTxn(d.ctx, txn)
	})
}

// Change implements reorder.Emitter.
func (d *dispatcher) Change(txn *reorder.Txn, change *reorder.Change) error {
	f := frame{callback: CallbackChange, lsn: change.LSN, window: true, writeLSN: change.LSN, xid: txn.XID}
	return d.invoke(f, func() error {
		return d.plugin.ApplyChange(d.ctx, txn, change)
	})
}

// Commit implements reorder.Emitter. Output is written at the end of the
// commit record so acknowledging it skips the transaction on resume.
func (d *dispatcher) Commit(txn *reorder.Txn) error {
	f := frame{callback: CallbackCommit, lsn: txn.FinalLSN, window: true, writeLSN: txn.EndLSN, xid: txn.XID}
	return d.invoke(f, func() error {
		return d.plugin.CommitTxn(d.ctx, txn, txn.FinalLSN)
	})
}

// Message implements reorder.Emitter. txn is nil for non-transactional
// messages.
func (d *dispatcher) Message(txn *reorder.Txn, msg *reorder.Message) error {
	mh, ok := d.plugin.(MessageHandler)
	if !ok {
		return nil
	}
	f := frame{callback: CallbackMessage, lsn: msg.LSN, window: true, writeLSN: msg.LSN}
	if txn != nil {
		f.xid = txn.XID
	}
	return d.invoke(f, func() error {
		return mh.Message(d.ctx, txn, msg)
	})
}
