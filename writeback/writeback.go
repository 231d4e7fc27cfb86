// Package writeback turns write requests arriving over a broker into tag
// writes. The MQTT, Valkey and Kafka sinks share its request format.
package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"eiptag/logix"
)

// ErrUnknownPLC is returned for requests naming a PLC with no writer.
var ErrUnknownPLC = errors.New("writeback: unknown plc")

// Writer is the part of logix.Client that write-back needs.
type Writer interface {
	WriteTag(ctx context.Context, name string, value any, typ ...logix.DataType) logix.TagResult
}

// Request is the JSON structure for incoming write requests. Type is
// optional; without it the tag's own type is used. PLC may be empty when
// the transport already names the PLC, as MQTT's per-PLC topic does.
type Request struct {
	PLC       string `json:"plc,omitempty"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Type      string `json:"type,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Response is the JSON structure for write responses.
type Response struct {
	PLC          string `json:"plc"`
	Tag          string `json:"tag"`
	Value        any    `json:"value"`
	Type         string `json:"type,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`      // request too old
	Deduplicated bool   `json:"deduplicated,omitempty"` // replaced by a newer request
	Timestamp    string `json:"timestamp"`
}

// ParseRequest decodes and checks a write request payload.
func ParseRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Tag == "" {
		return req, errors.New("missing tag")
	}
	if req.Value == nil {
		return req, errors.New("missing value")
	}
	if req.Type != "" {
		if _, err := logix.ParseDataType(req.Type); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Execute performs req against w and describes the outcome.
func Execute(ctx context.Context, w Writer, plc string, req Request) Response {
	var types []logix.DataType
	if req.Type != "" {
		t, err := logix.ParseDataType(req.Type)
		if err != nil {
			return Failed(plc, req, err)
		}
		types = append(types, t)
	}

	res := w.WriteTag(ctx, req.Tag, req.Value, types...)
	if !res.Success {
		return Failed(plc, req, res.Err)
	}
	return Response{
		PLC:       plc,
		Tag:       req.Tag,
		Value:     res.Value.Interface(),
		Type:      res.Value.Type().String(),
		RequestID: req.RequestID,
		Success:   true,
		Timestamp: now(),
	}
}

// Failed describes a request that was not carried out.
func Failed(plc string, req Request, err error) Response {
	return Response{
		PLC:       plc,
		Tag:       req.Tag,
		Value:     req.Value,
		Type:      req.Type,
		RequestID: req.RequestID,
		Error:     err.Error(),
		Timestamp: now(),
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Router maps PLC names to writers for transports that carry the PLC in
// the request itself.
type Router struct {
	mu      sync.RWMutex
	writers map[string]Writer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{writers: make(map[string]Writer)}
}

// Set registers w as the write target for plc.
func (r *Router) Set(plc string, w Writer) {
	r.mu.Lock()
	r.writers[plc] = w
	r.mu.Unlock()
}

// Get returns the writer for plc.
func (r *Router) Get(plc string) (Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.writers[plc]
	return w, ok
}

// Names lists the registered PLCs in order.
func (r *Router) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.writers))
	for name := range r.writers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Handle executes req against the writer named by req.PLC.
func (r *Router) Handle(ctx context.Context, req Request) Response {
	w, ok := r.Get(req.PLC)
	if !ok {
		return Failed(req.PLC, req, fmt.Errorf("%w %q", ErrUnknownPLC, req.PLC))
	}
	return Execute(ctx, w, req.PLC, req)
}
