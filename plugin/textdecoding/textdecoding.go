// Package textdecoding is an output plugin that renders each transaction as
// human readable lines:
//
//	BEGIN 742
//	table public.users: INSERT: id[int4]:1 name[text]:'alice'
//	COMMIT 742
//
// Options (all optional):
//
//	include-xids       print xids on BEGIN/COMMIT (default true)
//	include-timestamp  print the commit time on COMMIT (default false)
//	skip-empty-xacts   omit transactions without output (default false)
//	only-local         skip changes replayed from another origin (default false)
//	force-binary       declare binary output (default false)
//	include-tables     comma separated relation globs to keep
//	exclude-tables     comma separated relation globs to drop
package textdecoding

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/filter"
	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/wal"
)

// Name is the name the plugin is registered under.
const Name = "test_decoding"

func init() {
	decoding.RegisterPlugin(Name, func() decoding.Plugin { return &Plugin{} })
}

// Plugin holds the options of one session.
type Plugin struct {
	includeXids      bool
	includeTimestamp bool
	skipEmptyXacts   bool
	onlyLocal        bool

	filter *filter.RelationFilter

	// a BEGIN has been held back until the first change
	pendingBegin bool
	// the current transaction produced output
	wroteChanges bool
}

func (p *Plugin) Startup(ctx *decoding.PluginContext, opts *decoding.OutputOptions, isInit bool) error {
	p.includeXids = true
	opts.OutputType = decoding.OutputText

	for name, value := range ctx.Options() {
		var target *bool
		switch name {
		case "include-xids":
			target = &p.includeXids
		case "include-timestamp":
			target = &p.includeTimestamp
		case "skip-empty-xacts":
			target = &p.skipEmptyXacts
		case "only-local":
			target = &p.onlyLocal
		case "force-binary":
			forced, err := parseBool(name, value)
			if err != nil {
				return err
			}
			if forced {
				opts.OutputType = decoding.OutputBinary
			}
			continue
		case "include-tables", "exclude-tables":
			continue
		default:
			return fmt.Errorf("option %q = %q is unknown", name, value)
		}

		v, err := parseBool(name, value)
		if err != nil {
			return err
		}
		*target = v
	}

	f, err := filter.FromOptions(ctx.Options(), "include-tables", "exclude-tables")
	if err != nil {
		return err
	}
	p.filter = f
	return nil
}

func parseBool(name, value string) (bool, error) {
	// A bare option turns the flag on.
	if value == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("could not parse value %q for parameter %q", value, name)
	}
	return v, nil
}

func (p *Plugin) FilterByOrigin(ctx *decoding.PluginContext, origin wal.OriginID) bool {
	return p.onlyLocal && origin != wal.InvalidOrigin
}

func (p *Plugin) BeginTxn(ctx *decoding.PluginContext, txn *reorder.Txn) error {
	p.wroteChanges = false
	if p.skipEmptyXacts {
		p.pendingBegin = true
		return nil
	}
	return p.writeBegin(ctx, txn, true)
}

func (p *Plugin) writeBegin(ctx *decoding.PluginContext, txn *reorder.Txn, last bool) error {
	p.pendingBegin = false
	if err := ctx.PrepareWrite(last); err != nil {
		return err
	}
	if p.includeXids {
		fmt.Fprintf(ctx.Out(), "BEGIN %s", txn.XID)
	} else {
		ctx.Out().WriteString("BEGIN")
	}
	return ctx.Write(last)
}

// flushBegin writes a held back BEGIN before the first output of a
// transaction.
func (p *Plugin) flushBegin(ctx *decoding.PluginContext, txn *reorder.Txn) error {
	p.wroteChanges = true
	if !p.pendingBegin {
		return nil
	}
	return p.writeBegin(ctx, txn, false)
}

func (p *Plugin) CommitTxn(ctx *decoding.PluginContext, txn *reorder.Txn, commitLSN wal.LSN) error {
	if p.skipEmptyXacts && !p.wroteChanges {
		p.pendingBegin = false
		return nil
	}

	if err := ctx.PrepareWrite(true); err != nil {
		return err
	}
	out := ctx.Out()
	if p.includeXids {
		fmt.Fprintf(out, "COMMIT %s", txn.XID)
	} else {
		out.WriteString("COMMIT")
	}
	if p.includeTimestamp && txn.CommitTime != 0 {
		fmt.Fprintf(out, " (at %s)", time.UnixMilli(txn.CommitTime).UTC().Format(time.RFC3339Nano))
	}
	return ctx.Write(true)
}

func (p *Plugin) ApplyChange(ctx *decoding.PluginContext, txn *reorder.Txn, change *reorder.Change) error {
	if !p.filter.Match(change.Relation) {
		return nil
	}
	if err := p.flushBegin(ctx, txn); err != nil {
		return err
	}

	if err := ctx.PrepareWrite(true); err != nil {
		return err
	}
	out := ctx.Out()
	fmt.Fprintf(out, "table %s: ", change.Relation)

	switch change.Kind {
	case wal.KindInsert:
		out.WriteString("INSERT:")
		writeTuple(out, change.NewTuple)
	case wal.KindUpdate:
		out.WriteString("UPDATE:")
		if len(change.OldTuple) > 0 {
			out.WriteString(" old-key:")
			writeTuple(out, change.OldTuple)
			out.WriteString(" new-tuple:")
		}
		writeTuple(out, change.NewTuple)
	case wal.KindDelete:
		out.WriteString("DELETE:")
		writeTuple(out, change.OldTuple)
	default:
		return fmt.Errorf("unexpected change kind %s", change.Kind)
	}
	return ctx.Write(true)
}

func (p *Plugin) Message(ctx *decoding.PluginContext, txn *reorder.Txn, msg *reorder.Message) error {
	if txn != nil {
		if err := p.flushBegin(ctx, txn); err != nil {
			return err
		}
	}

	if err := ctx.PrepareWrite(true); err != nil {
		return err
	}
	transactional := 0
	if msg.Transactional {
		transactional = 1
	}
	fmt.Fprintf(ctx.Out(), "message: transactional: %d prefix: %s, sz: %d content:%s",
		transactional, msg.Prefix, len(msg.Payload), msg.Payload)
	return ctx.Write(true)
}

type stringWriter interface {
	WriteString(string) (int, error)
}

func writeTuple(out stringWriter, tuple []wal.Datum) {
	if len(tuple) == 0 {
		out.WriteString(" (no-tuple-data)")
		return
	}
	for _, d := range tuple {
		out.WriteString(" " + d.Name + "[" + d.Type + "]:")
		switch {
		case d.IsNull:
			out.WriteString("null")
		case isQuoted(d.Type):
			out.WriteString("'" + strings.ReplaceAll(d.Value, "'", "''") + "'")
		default:
			out.WriteString(d.Value)
		}
	}
}

// isQuoted reports whether values of typ are printed as literals.
func isQuoted(typ string) bool {
	switch typ {
	case "int2", "int4", "int8", "oid", "float4", "float8", "numeric", "bool":
		return false
	}
	return true
}
