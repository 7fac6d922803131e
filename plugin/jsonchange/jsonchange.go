// Package jsonchange is an output plugin that writes every row change as a
// Debezium style JSON envelope with an embedded schema.
//
// Options (all optional):
//
//	include-schema       embed the envelope schema (default true)
//	include-transaction  write BEGIN and END markers (default false)
//	schema-cache-size    envelope schemas kept per session (default 256)
//	include-tables       comma separated relation globs to keep
//	exclude-tables       comma separated relation globs to drop
package jsonchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/filter"
	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// Name is the name the plugin is registered under.
const Name = "jsonchange"

const (
	connectorName          = "slotkeeper"
	defaultSchemaCacheSize  = 256
)

func init() {
	decoding.RegisterPlugin(Name, func() decoding.Plugin { return &Plugin{} })
}

// Plugin converts changes of one session. Envelope schemas are cached per
// relation and column layout.
type Plugin struct {
	includeSchema      bool
	includeTransaction bool

	filter      *filter.RelationFilter
	schemaCache *lru.Cache[string, *envelopeSchema]

	// changes written for the current transaction
	events int
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Fields []schemaField `json:"fields"`
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Name     string        `json:"name,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type changeMessage struct {
	Schema  *envelopeSchema `json:"schema,omitempty"`
	Payload changePayload   `json:"payload"`
}

type changePayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source source         `json:"source"`
}

type source struct {
	Connector string `json:"connector"`
	Slot      string `json:"slot"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      uint32 `json:"txId"`
	LSN       uint64 `json:"lsn"`
}

type txnMarker struct {
	Status     string `json:"status"`
	ID         uint32 `json:"id"`
	EventCount *int   `json:"event_count,omitempty"`
	TsMs       int64  `json:"ts_ms,omitempty"`
}

type messagePayload struct {
	Op      string `json:"op"`
	Prefix  string `json:"prefix"`
	Content []byte `json:"content"`
	// zero for non-transactional messages
	TxID uint32 `json:"txId,omitempty"`
	LSN  uint64 `json:"lsn"`
}

func (p *Plugin) Startup(ctx *decoding.PluginContext, opts *decoding.OutputOptions, isInit bool) error {
	opts.OutputType = decoding.OutputText
	p.includeSchema = true

	cacheSize := defaultSchemaCacheSize
	for name, value := range ctx.Options() {
		var err error
		switch name {
		case "include-schema":
			p.includeSchema, err = strconv.ParseBool(value)
		case "include-transaction":
			p.includeTransaction, err = strconv.ParseBool(value)
		case "schema-cache-size":
			cacheSize, err = strconv.Atoi(value)
			if err == nil && cacheSize < 1 {
				err = fmt.Errorf("must be positive")
			}
		case "include-tables", "exclude-tables":
		default:
			return fmt.Errorf("option %q = %q is unknown", name, value)
		}
		if err != nil {
			return fmt.Errorf("could not parse value %q for parameter %q: %w", value, name, err)
		}
	}

	f, err := filter.FromOptions(ctx.Options(), "include-tables", "exclude-tables")
	if err != nil {
		return err
	}
	p.filter = f

	p.schemaCache, err = lru.New[string, *envelopeSchema](cacheSize)
	return err
}

func (p *Plugin) Shutdown(ctx *decoding.PluginContext) error {
	if p.schemaCache != nil {
		p.schemaCache.Purge()
	}
	return nil
}

func (p *Plugin) BeginTxn(ctx *decoding.PluginContext, txn *reorder.Txn) error {
	p.events = 0
	if !p.includeTransaction {
		return nil
	}
	return p.writeJSON(ctx, txnMarker{Status: "BEGIN", ID: uint32(txn.XID)})
}

func (p *Plugin) CommitTxn(ctx *decoding.PluginContext, txn *reorder.Txn, commitLSN wal.LSN) error {
	if !p.includeTransaction {
		return nil
	}
	events := p.events
	return p.writeJSON(ctx, txnMarker{
		Status:     "END",
		ID:         uint32(txn.XID),
		EventCount: &events,
		TsMs:       txn.CommitTime,
	})
}

func (p *Plugin) ApplyChange(ctx *decoding.PluginContext, txn *reorder.Txn, change *reorder.Change) error {
	if !p.filter.Match(change.Relation) {
		return nil
	}

	msg := changeMessage{
		Payload: changePayload{
			Before: rowValues(change.OldTuple),
			After:  rowValues(change.NewTuple),
			Op:     mapOperation(change.Kind),
			TsMs:   txn.CommitTime,
			Source: source{
				Connector: connectorName,
				Slot:      ctx.SlotName(),
				Schema:    change.Relation.Namespace,
				Table:     change.Relation.Name,
				TxID:      uint32(txn.XID),
				LSN:       uint64(change.LSN),
			},
		},
	}
	if p.includeSchema {
		msg.Schema = p.getOrBuildSchema(change)
	}

	p.events++
	return p.writeJSON(ctx, msg)
}

func (p *Plugin) Message(ctx *decoding.PluginContext, txn *reorder.Txn, msg *reorder.Message) error {
	payload := messagePayload{
		Op:      "m",
		Prefix:  msg.Prefix,
		Content: msg.Payload,
		LSN:     uint64(msg.LSN),
	}
	if txn != nil {
		payload.TxID = uint32(txn.XID)
		p.events++
	}
	return p.writeJSON(ctx, payload)
}

func (p *Plugin) writeJSON(ctx *decoding.PluginContext, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := ctx.PrepareWrite(true); err != nil {
		return err
	}
	ctx.Out().Write(data)
	return ctx.Write(true)
}

func mapOperation(kind wal.RecordKind) string {
	switch kind {
	case wal.KindInsert:
		return "c"
	case wal.KindUpdate:
		return "u"
	case wal.KindDelete:
		return "d"
	default:
		log.Warn().Stringer("kind", kind).Msg("Unknown change kind, defaulting to update")
		return "u"
	}
}

// getOrBuildSchema looks the envelope up by relation and column layout so
// a changed table gets a fresh schema.
func (p *Plugin) getOrBuildSchema(change *reorder.Change) *envelopeSchema {
	columns := change.NewTuple
	if len(columns) == 0 {
		columns = change.OldTuple
	}

	var key strings.Builder
	key.WriteString(change.Relation.String())
	for _, d := range columns {
		key.WriteString("|" + d.Name + ":" + d.Type)
	}

	if cached, ok := p.schemaCache.Get(key.String()); ok {
		return cached
	}
	schema := buildEnvelopeSchema(change.Relation, columns)
	p.schemaCache.Add(key.String(), schema)
	return schema
}

func buildEnvelopeSchema(rel wal.Relation, columns []wal.Datum) *envelopeSchema {
	valueName := rel.String() + ".Value"

	columnFields := make([]schemaField, len(columns))
	for i, d := range columns {
		columnFields[i] = schemaField{Field: d.Name, Type: mapType(d.Type), Optional: true}
	}

	return &envelopeSchema{
		Type: "struct",
		Name: rel.String() + ".Envelope",
		Fields: []schemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueName, Fields: columnFields},
			{Field: "after", Type: "struct", Optional: true, Name: valueName, Fields: columnFields},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.slotkeeper.Source",
				Fields: []schemaField{
					{Field: "connector", Type: "string"},
					{Field: "slot", Type: "string"},
					{Field: "schema", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "txId", Type: "int64"},
					{Field: "lsn", Type: "int64"},
				},
			},
		},
	}
}

// mapType maps column type names to schema types.
func mapType(typ string) string {
	switch strings.ToLower(typ) {
	case "int2", "int4", "int8", "integer", "bigint", "smallint", "oid":
		return "int64"
	case "float4", "float8", "real", "double precision":
		return "double"
	case "bool", "boolean":
		return "boolean"
	case "bytea":
		return "bytes"
	default:
		return "string"
	}
}

// rowValues converts a tuple into JSON values. Values that do not parse as
// their declared type are kept as strings.
func rowValues(tuple []wal.Datum) map[string]any {
	if len(tuple) == 0 {
		return nil
	}

	row := make(map[string]any, len(tuple))
	for _, d := range tuple {
		if d.IsNull {
			row[d.Name] = nil
			continue
		}
		row[d.Name] = d.Value
		switch mapType(d.Type) {
		case "int64":
			if v, err := strconv.ParseInt(d.Value, 10, 64); err == nil {
				row[d.Name] = v
			}
		case "double":
			if v, err := strconv.ParseFloat(d.Value, 64); err == nil {
				row[d.Name] = v
			}
		case "boolean":
			if v, err := strconv.ParseBool(d.Value); err == nil {
				row[d.Name] = v
			}
		}
	}
	return row
}
