package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bigbag/papyrix-ota/internal/updater"
)

// RPCError is the error member of an RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcReply struct {
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// UpdateArgs are the arguments of OTA.Update.
type UpdateArgs struct {
	Section           string `json:"section"`
	BlobURL           string `json:"blob_url"`
	CommitTimeout     *int   `json:"commit_timeout,omitempty"`
	IgnoreSameVersion *bool  `json:"ignore_same_version,omitempty"`
}

// UpdateResult is the result of a successful OTA.Update.
type UpdateResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SetBootStateArgs are the arguments of OTA.SetBootState. Absent fields
// keep their current value.
type SetBootStateArgs struct {
	ActiveSlot    *int  `json:"active_slot,omitempty"`
	IsCommitted   *bool `json:"is_committed,omitempty"`
	RevertSlot    *int  `json:"revert_slot,omitempty"`
	CommitTimeout *int  `json:"commit_timeout,omitempty"`
}

var errMalformed = &RPCError{Code: -1, Message: "Malformed request"}

type rpcHandler func(ctx context.Context, args json.RawMessage) (any, *RPCError)

func (s *Server) rpcHandlers() map[string]rpcHandler {
	return map[string]rpcHandler{
		"OTA.Update":       s.rpcUpdate,
		"OTA.Commit":       s.rpcCommit,
		"OTA.Revert":       s.rpcRevert,
		"OTA.GetBootState": s.rpcGetBootState,
		"OTA.SetBootState": s.rpcSetBootState,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	h, ok := s.rpcHandlers()[method]
	if !ok {
		writeJSON(w, http.StatusNotFound, rpcReply{Error: &RPCError{Code: 404, Message: "No handler for " + method}})
		return
	}

	args, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcReply{Error: errMalformed})
		return
	}

	s.logger.Debug("rpc request", "method", method, "args", string(args))
	result, rerr := h(r.Context(), args)
	if rerr != nil {
		s.logger.Error("rpc failed", "method", method, "code", rerr.Code, "message", rerr.Message)
		writeJSON(w, http.StatusOK, rpcReply{Error: rerr})
		return
	}
	if result == nil {
		result = struct{}{}
	}
	writeJSON(w, http.StatusOK, rpcReply{Result: result})
}

func decodeArgs(args json.RawMessage, v any) *RPCError {
	if len(args) == 0 {
		return errMalformed
	}
	if err := json.Unmarshal(args, v); err != nil {
		return errMalformed
	}
	return nil
}

// fromURL runs a complete update from rawURL.
func (s *Server) fromURL(ctx context.Context, rawURL string, commitTimeout time.Duration, ignore bool) (*updater.Context, updater.Result, error) {
	if s.opener == nil {
		return nil, updater.Result{}, errors.New("updates from URL are not enabled")
	}

	c, err := s.session(commitTimeout, ignore)
	if err != nil {
		return nil, updater.Result{}, err
	}

	blob, err := s.opener.Open(ctx, rawURL)
	if err != nil {
		res := c.Abort(err.Error())
		return c, res, nil
	}
	defer blob.Close()
	c.AttachConn(blob)

	s.logger.Info("update from url started", "session", c.ID(), "url", rawURL, "size", blob.Size)
	return c, updater.Stream(c, blob, 0, nil), nil
}

func (s *Server) handleUpdateURL(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeText(w, http.StatusBadRequest, "url is required")
		return
	}
	commitTimeout, ignore, err := s.queryOptions(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	c, res, err := s.fromURL(r.Context(), rawURL, commitTimeout, ignore)
	if err != nil {
		writeText(w, createStatus(err), err.Error())
		return
	}
	defer c.Free()

	writeText(w, resultStatus(res), res.Message)
	s.afterUpdate(c, res)
}

func (s *Server) rpcUpdate(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var args UpdateArgs
	if rerr := decodeArgs(raw, &args); rerr != nil {
		return nil, rerr
	}
	if args.Section != "firmware" || args.BlobURL == "" {
		return nil, errMalformed
	}

	commitTimeout := s.commitTimeout
	if args.CommitTimeout != nil {
		if *args.CommitTimeout < 0 {
			return nil, errMalformed
		}
		commitTimeout = time.Duration(*args.CommitTimeout) * time.Second
	}
	ignore := s.ignoreSameVersion
	if args.IgnoreSameVersion != nil {
		ignore = *args.IgnoreSameVersion
	}

	c, res, err := s.fromURL(ctx, args.BlobURL, commitTimeout, ignore)
	if err != nil {
		return nil, &RPCError{Code: -1, Message: err.Error()}
	}
	defer c.Free()

	s.afterUpdate(c, res)
	if !res.OK() {
		return nil, &RPCError{Code: res.Code, Message: res.Message}
	}
	return UpdateResult{Code: res.Code, Message: res.Message}, nil
}

func (s *Server) rpcCommit(ctx context.Context, _ json.RawMessage) (any, *RPCError) {
	ok, err := s.boot.Commit()
	if err != nil {
		return nil, &RPCError{Code: -1, Message: err.Error()}
	}
	if !ok {
		return nil, &RPCError{Code: -1, Message: "Nothing to commit"}
	}
	return nil, nil
}

func (s *Server) rpcRevert(ctx context.Context, _ json.RawMessage) (any, *RPCError) {
	ok, err := s.boot.Revert(false)
	if err != nil {
		return nil, &RPCError{Code: -1, Message: err.Error()}
	}
	if !ok {
		return nil, &RPCError{Code: -1, Message: "Nothing to revert"}
	}
	if s.restart != nil {
		go s.restart()
	}
	return nil, nil
}

func (s *Server) rpcGetBootState(ctx context.Context, _ json.RawMessage) (any, *RPCError) {
	st, err := s.boot.State()
	if err != nil {
		return nil, &RPCError{Code: 500, Message: err.Error()}
	}
	return st, nil
}

func (s *Server) rpcSetBootState(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var args SetBootStateArgs
	if rerr := decodeArgs(raw, &args); rerr != nil {
		return nil, rerr
	}

	cur, err := s.boot.State()
	if err != nil {
		return nil, &RPCError{Code: 500, Message: err.Error()}
	}
	st := cur.BootState
	if args.ActiveSlot != nil {
		st.ActiveSlot = *args.ActiveSlot
	}
	if args.IsCommitted != nil {
		st.IsCommitted = *args.IsCommitted
	}
	if args.RevertSlot != nil {
		st.RevertSlot = *args.RevertSlot
	}
	commitTimeout := time.Duration(-1)
	if args.CommitTimeout != nil {
		if *args.CommitTimeout < 0 {
			return nil, errMalformed
		}
		commitTimeout = time.Duration(*args.CommitTimeout) * time.Second
	}

	if err := s.boot.SetState(st, commitTimeout); err != nil {
		return nil, &RPCError{Code: 500, Message: err.Error()}
	}
	return nil, nil
}
