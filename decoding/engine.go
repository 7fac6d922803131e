// Package decoding runs logical decoding sessions on replication slots. A
// session reads the WAL from the slot's restart position, reassembles
// transactions and hands committed ones to an output plugin. It proposes
// retention candidates to the slot as it goes; the driver advances them by
// confirming what its consumer received.
package decoding

import (
	"fmt"

	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/snapbuild"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// WALSource opens readers on the write-ahead log.
type WALSource interface {
	NewReader() wal.Reader
	// OldestLSN is the first position not yet truncated away
	OldestLSN() wal.LSN
}

// WALReserver logs a running-transactions record and returns its position,
// which becomes a new slot's restart position.
type WALReserver interface {
	ReserveWAL() (wal.LSN, error)
}

// Caller describes the session asking to decode.
type Caller struct {
	Owner    *slot.Owner
	Database string
	// set when the caller's own transaction has written data
	InWriteTransaction bool
}

// Options configure a session.
type Options struct {
	// Plugin names the output plugin. Resumed sessions use the slot's plugin
	// and only check this if set.
	Plugin        string
	PluginOptions map[string]string
	// TextOnly rejects plugins that produce binary output
	TextOnly bool

	PrepareWrite PrepareWriteFunc
	Write        WriteFunc
}

// Engine creates decoding sessions.
type Engine struct {
	slots    *slot.Manager
	horizon  *horizon.Horizon
	wal      WALSource
	reserver WALReserver
}

func NewEngine(slots *slot.Manager, h *horizon.Horizon, source WALSource, reserver WALReserver) *Engine {
	return &Engine{
		slots:    slots,
		horizon:  h,
		wal:      source,
		reserver: reserver,
	}
}

// StartNewSession initializes an unused logical slot for decoding with the
// given plugin. The caller must own the slot. The slot's restart position,
// plugin and catalog xmin are set and written durably before the plugin's
// startup callback runs. The session still has to find a consistent start
// point before it can stream.
func (e *Engine) StartNewSession(caller Caller, s *slot.Slot, opts Options) (*Session, error) {
	if err := checkCaller(caller, s); err != nil {
		return nil, err
	}
	if caller.InWriteTransaction {
		return nil, configErrorf("cannot create logical replication slot in transaction that has performed writes")
	}
	if opts.Write == nil {
		return nil, configErrorf("a write callback is required for logical decoding")
	}

	st := s.State()
	if st.Plugin != "" || st.RestartLSN.IsValid() || st.CatalogXmin.IsValid() {
		return nil, configErrorf("replication slot %q has already been initialized", s.Name())
	}

	plugin, err := LoadPlugin(opts.Plugin)
	if err != nil {
		return nil, err
	}

	s.SetPlugin(opts.Plugin)

	if err := e.reserveWAL(s); err != nil {
		return nil, err
	}

	// The safe id is published while the horizon cannot move past it.
	if err := e.slots.InstallCatalogXmin(s, e.horizon); err != nil {
		return nil, err
	}
	if err := e.horizon.EnsureOldestCatalogXmin(); err != nil {
		return nil, fmt.Errorf("failed to record oldest catalog xmin: %w", err)
	}

	e.slots.MarkDirty(s)
	if err := e.slots.Save(s); err != nil {
		return nil, err
	}

	st = s.State()
	log.Info().
		Str("slot", s.Name()).
		Str("plugin", opts.Plugin).
		Stringer("restart_lsn", st.RestartLSN).
		Stringer("catalog_xmin", st.CatalogXmin).
		Msg("Initialized logical decoding slot")

	return e.newSession(caller, s, plugin, opts.Plugin, opts, wal.InvalidLSN, false, true)
}

// ResumeSession continues decoding a slot from startLSN. An invalid or
// already confirmed startLSN resumes from the slot's confirmed position.
// The slot must still be usable: if the installation's oldest catalog xmin
// has moved past the slot's catalog xmin, a RetentionExhaustedError is
// returned and the slot has to be recreated.
func (e *Engine) ResumeSession(caller Caller, s *slot.Slot, startLSN wal.LSN, opts Options) (*Session, error) {
	if err := checkCaller(caller, s); err != nil {
		return nil, err
	}
	if opts.Write == nil {
		return nil, configErrorf("a write callback is required for logical decoding")
	}

	st := s.State()
	if st.Plugin == "" {
		return nil, configErrorf("replication slot %q has not been initialized for logical decoding", s.Name())
	}
	if opts.Plugin != "" && opts.Plugin != st.Plugin {
		return nil, configErrorf("replication slot %q uses output plugin %q, not %q", s.Name(), st.Plugin, opts.Plugin)
	}

	if !startLSN.IsValid() {
		startLSN = st.ConfirmedFlush
	} else if startLSN < st.ConfirmedFlush {
		log.Debug().
			Str("slot", s.Name()).
			Msgf("cannot stream from %s, minimum is %s, forwarding", startLSN, st.ConfirmedFlush)
		startLSN = st.ConfirmedFlush
	}

	if err := e.ensureSlotValid(st); err != nil {
		return nil, err
	}

	plugin, err := LoadPlugin(st.Plugin)
	if err != nil {
		return nil, err
	}

	sess, err := e.newSession(caller, s, plugin, st.Plugin, opts, startLSN, st.ConfirmedFlush.IsValid(), false)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("slot", s.Name()).
		Str("plugin", st.Plugin).
		Stringer("start_lsn", startLSN).
		Stringer("restart_lsn", st.RestartLSN).
		Msg("starting logical decoding for slot")

	return sess, nil
}

// reserveWAL sets the slot's restart position and publishes it. If the
// WAL was truncated past the position before it was published, it retries
// with a newer one.
func (e *Engine) reserveWAL(s *slot.Slot) error {
	for {
		restart, err := e.reserver.ReserveWAL()
		if err != nil {
			return fmt.Errorf("failed to reserve WAL for slot %q: %w", s.Name(), err)
		}
		if err := s.SetRestartLSN(restart); err != nil {
			return err
		}
		if err := e.slots.ComputeRequiredLSN(); err != nil {
			return err
		}
		if restart >= e.wal.OldestLSN() {
			return nil
		}
		log.Debug().
			Str("slot", s.Name()).
			Stringer("restart_lsn", restart).
			Msg("Reserved WAL was removed concurrently, retrying")
	}
}

// ensureSlotValid fails when the catalog rows the slot needs may be gone.
func (e *Engine) ensureSlotValid(st slot.State) error {
	oldest := e.horizon.OldestCatalogXmin()
	if !oldest.IsValid() || oldest.Follows(st.CatalogXmin) {
		return &RetentionExhaustedError{
			Slot:              st.Name,
			CatalogXmin:       st.CatalogXmin,
			OldestCatalogXmin: oldest,
		}
	}
	return nil
}

func checkCaller(caller Caller, s *slot.Slot) error {
	if caller.Owner == nil {
		return &FaultError{Msg: "logical decoding requires an owner"}
	}
	switch owner := s.ActiveOwner(); owner {
	case caller.Owner.ID():
	case slot.NoOwner:
		return &FaultError{Msg: fmt.Sprintf("replication slot %q must be acquired before decoding", s.Name())}
	default:
		return &slot.ActiveError{Slot: s.Name(), Owner: owner}
	}

	if !s.IsLogical() {
		return configErrorf("cannot use physical replication slot %q for logical decoding", s.Name())
	}
	if db := s.State().Database; db != caller.Database {
		return configErrorf("replication slot %q was not created in this database", s.Name())
	}
	return nil
}

func (e *Engine) newSession(caller Caller, s *slot.Slot, plugin Plugin, pluginName string, opts Options, startLSN wal.LSN, consistent, isInit bool) (*Session, error) {
	st := s.State()
	sess := &Session{
		engine:     e,
		slot:       s,
		owner:      caller.Owner,
		pluginName: pluginName,
		dispatch: &dispatcher{
			plugin: plugin,
			ctx:    newPluginContext(s.Name(), pluginName, opts.PluginOptions, opts.PrepareWrite, opts.Write),
		},
		reader:   e.wal.NewReader(),
		buffer:   reorder.NewBuffer(),
		builder:  snapbuild.New(st.CatalogXmin, consistent),
		startLSN: startLSN,
		readFrom: st.RestartLSN,
	}
	telemetry.SessionsActive.Inc()

	var out OutputOptions
	if err := sess.dispatch.startup(&out, isInit); err != nil {
		sess.Close()
		return nil, err
	}
	sess.startupDone = true
	sess.outputType = out.OutputType

	if opts.TextOnly && out.OutputType != OutputText {
		sess.Close()
		return nil, configErrorf("logical decoding output plugin %q produces binary output, but the caller expects textual data", pluginName)
	}
	return sess, nil
}
