package decoding

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/wal"
)

var (
	errTestPlugin = errors.New("boom")

	testStartups  atomic.Int32
	testShutdowns atomic.Int32
	testLastInit  atomic.Bool
)

func init() {
	RegisterPlugin("test", func() Plugin { return &testPlugin{} })
	RegisterPlugin("nil", func() Plugin { return nil })
}

// testPlugin writes one line per callback. Options inject failures.
type testPlugin struct{}

func (p *testPlugin) Startup(ctx *PluginContext, opts *OutputOptions, isInit bool) error {
	testStartups.Add(1)
	testLastInit.Store(isInit)

	if v, _ := ctx.Option("binary"); v == "true" {
		opts.OutputType = OutputBinary
	}
	if v, _ := ctx.Option("write_in_startup"); v == "true" {
		return ctx.PrepareWrite(true)
	}
	if v, _ := ctx.Option("swallow_fault"); v == "true" {
		_ = ctx.PrepareWrite(true)
	}
	if v, _ := ctx.Option("fail_on"); v == CallbackStartup {
		return errTestPlugin
	}
	return nil
}

func (p *testPlugin) Shutdown(ctx *PluginContext) error {
	testShutdowns.Add(1)
	return nil
}

func (p *testPlugin) emit(ctx *PluginContext, callback, line string) error {
	if v, _ := ctx.Option("fail_on"); v == callback {
		return errTestPlugin
	}
	if v, _ := ctx.Option("panic_on"); v == callback {
		panic("kaboom")
	}
	if v, _ := ctx.Option("skip_prepare"); v == callback {
		return ctx.Write(true)
	}
	if err := ctx.PrepareWrite(true); err != nil {
		return err
	}
	ctx.Out().WriteString(line)
	return ctx.Write(true)
}

func (p *testPlugin) BeginTxn(ctx *PluginContext, txn *reorder.Txn) error {
	return p.emit(ctx, CallbackBegin, "BEGIN")
}

func (p *testPlugin) ApplyChange(ctx *PluginContext, txn *reorder.Txn, change *reorder.Change) error {
	return p.emit(ctx, CallbackChange, fmt.Sprintf("%s %s", change.Kind, change.Relation))
}

func (p *testPlugin) CommitTxn(ctx *PluginContext, txn *reorder.Txn, commitLSN wal.LSN) error {
	return p.emit(ctx, CallbackCommit, "COMMIT")
}

func (p *testPlugin) Message(ctx *PluginContext, txn *reorder.Txn, msg *reorder.Message) error {
	return p.emit(ctx, CallbackMessage, fmt.Sprintf("message %s %t %s", msg.Prefix, txn != nil, msg.Payload))
}

func (p *testPlugin) FilterByOrigin(ctx *PluginContext, origin wal.OriginID) bool {
	v, ok := ctx.Option("filter_origin")
	return ok && v == strconv.Itoa(int(origin))
}

type output struct {
	LSN  wal.LSN
	XID  wal.XID
	Data string
}

type collector struct {
	out []output
}

func (c *collector) write(buf *bytes.Buffer, info WriteInfo) error {
	c.out = append(c.out, output{LSN: info.LSN, XID: info.XID, Data: buf.String()})
	return nil
}

func (c *collector) lines() []string {
	lines := make([]string, len(c.out))
	for i, o := range c.out {
		lines[i] = o.Data
	}
	return lines
}
