package admin

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/slotkeeper/encoding"
	"github.com/maxpert/slotkeeper/wal"
)

// ContentTypeMsgpack is the body type of /admin/wal/replay
const ContentTypeMsgpack = "application/msgpack"

// ColumnValue is one column of a row
type ColumnValue struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Value *string `json:"value"`
}

// ChangeRequest is one row change
type ChangeRequest struct {
	Op     string        `json:"op"`
	Schema string        `json:"schema,omitempty"`
	Table  string        `json:"table"`
	Old    []ColumnValue `json:"old,omitempty"`
	New    []ColumnValue `json:"new,omitempty"`
}

// MessageRequest is a logical message. Content is base64.
type MessageRequest struct {
	Prefix  string `json:"prefix"`
	Content string `json:"content"`
}

// TransactionRequest logs one transaction
type TransactionRequest struct {
	Origin   uint16           `json:"origin,omitempty"`
	Changes  []ChangeRequest  `json:"changes,omitempty"`
	Messages []MessageRequest `json:"messages,omitempty"`
	Abort    bool             `json:"abort,omitempty"`
}

// TransactionResult reports where the transaction ended
type TransactionResult struct {
	XID       uint32 `json:"xid"`
	CommitLSN string `json:"commit_lsn,omitempty"`
	Committed bool   `json:"committed"`
}

// PrefixRequest registers a message prefix
type PrefixRequest struct {
	Prefix string `json:"prefix"`
}

func toDatums(cols []ColumnValue) []wal.Datum {
	if cols == nil {
		return nil
	}
	out := make([]wal.Datum, len(cols))
	for i, c := range cols {
		out[i] = wal.Datum{Name: c.Name, Type: c.Type}
		if c.Value == nil {
			out[i].IsNull = true
		} else {
			out[i].Value = *c.Value
		}
	}
	return out
}

func validateChange(c ChangeRequest) error {
	if c.Table == "" {
		return errors.New("change is missing a table")
	}
	switch c.Op {
	case "insert":
		if len(c.New) == 0 {
			return errors.New("insert needs new values")
		}
	case "update":
		if len(c.New) == 0 {
			return errors.New("update needs new values")
		}
	case "delete":
		if len(c.Old) == 0 {
			return errors.New("delete needs old values")
		}
	default:
		return fmt.Errorf("unknown change op %q", c.Op)
	}
	return nil
}

// handleIngestTransaction handles POST /admin/wal/transactions
func (h *AdminHandlers) handleIngestTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	payloads := make([][]byte, len(req.Messages))
	for i, m := range req.Messages {
		p, err := base64.StdEncoding.DecodeString(m.Content)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("message %d: invalid content: %v", i, err))
			return
		}
		payloads[i] = p
	}
	for i, c := range req.Changes {
		if err := validateChange(c); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("change %d: %v", i, err))
			return
		}
	}

	res, err := h.logTransaction(req, payloads)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

func (h *AdminHandlers) logTransaction(req TransactionRequest, payloads [][]byte) (TransactionResult, error) {
	txn, err := h.deps.Xact.Begin()
	if err != nil {
		return TransactionResult{}, err
	}
	txn.SetOrigin(wal.OriginID(req.Origin))
	res := TransactionResult{XID: uint32(txn.XID())}

	fail := func(err error) (TransactionResult, error) {
		// the id must leave the running set
		txn.Abort()
		return res, err
	}

	for _, c := range req.Changes {
		rel := wal.Relation{Namespace: c.Schema, Name: c.Table}
		if rel.Namespace == "" {
			rel.Namespace = "public"
		}
		switch c.Op {
		case "insert":
			_, err = txn.Insert(rel, toDatums(c.New))
		case "update":
			_, err = txn.Update(rel, toDatums(c.Old), toDatums(c.New))
		case "delete":
			_, err = txn.Delete(rel, toDatums(c.Old))
		}
		if err != nil {
			return fail(err)
		}
	}
	for i, m := range req.Messages {
		if _, err := txn.LogMessage(m.Prefix, payloads[i]); err != nil {
			return fail(err)
		}
	}

	if req.Abort {
		return res, txn.Abort()
	}
	lsn, err := txn.Commit()
	if err != nil {
		return res, err
	}
	res.CommitLSN = lsn.String()
	res.Committed = true
	return res, nil
}

// handleLogMessage handles POST /admin/wal/messages. The message is
// non-transactional.
func (h *AdminHandlers) handleLogMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid content: %v", err))
		return
	}
	lsn, err := h.deps.Xact.LogMessage(req.Prefix, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"lsn": lsn.String()})
}

// handleRegisterPrefix handles POST /admin/wal/message-prefixes
func (h *AdminHandlers) handleRegisterPrefix(w http.ResponseWriter, r *http.Request) {
	var req PrefixRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.deps.Xact.RegisterMessagePrefix(req.Prefix); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, req)
}

// handleUnregisterPrefix handles DELETE /admin/wal/message-prefixes/{prefix}
func (h *AdminHandlers) handleUnregisterPrefix(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Xact.UnregisterMessagePrefix(chi.URLParam(r, "prefix")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplay handles POST /admin/wal/replay. The body is a msgpack array of
// records streamed from the primary; it is only accepted in recovery.
func (h *AdminHandlers) handleReplay(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != ContentTypeMsgpack {
		writeErrorResponse(w, http.StatusUnsupportedMediaType, fmt.Sprintf("expected %s body", ContentTypeMsgpack))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	var records []*wal.Record
	if err := encoding.Unmarshal(body, &records); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid records: %v", err))
		return
	}

	if err := h.deps.Xact.ApplyRecords(records); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"applied":    len(records),
		"insert_lsn": h.deps.WAL.InsertLSN().String(),
	})
}
