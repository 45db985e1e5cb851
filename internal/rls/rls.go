// Package rls implements the rate-limit service façade (C7): it maps an
// Envoy-RLS-shaped request onto the decision engine (C5) and translates the
// result into response codes and headers the sidecar proxy understands.
//
// The public gRPC surface (generated protobuf bindings) is an external
// collaborator's responsibility; this package works against plain Go types
// that mirror the wire shape described in the spec.
package rls

import (
	"context"
	"errors"
	"fmt"

	"github.com/ratelimitd/limitador/internal/expr"
	"github.com/ratelimitd/limitador/internal/ratelimiter"
	"github.com/ratelimitd/limitador/internal/storage"
)

// Code mirrors the Envoy RLS response code enum.
type Code int

const (
	CodeUnknown Code = iota
	CodeOk
	CodeOverLimit
)

// Entry is one key/value header entry.
type Entry struct {
	Key   string
	Value string
}

// RateLimitDescriptor is one labeled descriptor supplied by the caller.
type RateLimitDescriptor struct {
	Entries []Entry
}

// RateLimitRequest mirrors the Envoy RLS request message.
type RateLimitRequest struct {
	Domain      string
	Descriptors []RateLimitDescriptor
	HitsAddend  uint32
}

// RateLimitResponse mirrors the Envoy RLS response message.
type RateLimitResponse struct {
	OverallCode          Code
	ResponseHeadersToAdd []Entry
}

// Service is the RLS façade bound to a decision engine and a headers policy.
type Service struct {
	engine *ratelimiter.Engine
	policy ratelimiter.HeadersPolicy
}

// New builds a façade over engine, emitting headers per policy.
func New(engine *ratelimiter.Engine, policy ratelimiter.HeadersPolicy) *Service {
	return &Service{engine: engine, policy: policy}
}

// ShouldRateLimit evaluates req and returns the RLS response.
//
// An empty domain short-circuits to Unknown with no side effects. A zero
// HitsAddend is normalized to 1: the wire default is 0, but the protocol's
// semantic default is 1.
func (s *Service) ShouldRateLimit(ctx context.Context, req RateLimitRequest) (RateLimitResponse, error) {
	if req.Domain == "" {
		return RateLimitResponse{OverallCode: CodeUnknown}, nil
	}

	hitsAddend := req.HitsAddend
	if hitsAddend == 0 {
		hitsAddend = 1
	}

	descCtx := &expr.Context{Descriptors: toDescriptorMaps(req.Descriptors)}

	decision, err := s.engine.Check(ctx, req.Domain, descCtx, uint64(hitsAddend), s.policy)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return RateLimitResponse{}, fmt.Errorf("rls: %w", storage.ErrUnavailable)
		}
		return RateLimitResponse{}, fmt.Errorf("rls: should rate limit: %w", err)
	}

	resp := RateLimitResponse{OverallCode: CodeOk}
	if decision.Limited {
		resp.OverallCode = CodeOverLimit
	}
	for _, h := range decision.Headers {
		resp.ResponseHeadersToAdd = append(resp.ResponseHeadersToAdd, Entry{Key: h.Key, Value: h.Value})
	}
	return resp, nil
}

func toDescriptorMaps(descs []RateLimitDescriptor) []map[string]string {
	out := make([]map[string]string, len(descs))
	for i, d := range descs {
		m := make(map[string]string, len(d.Entries))
		for _, e := range d.Entries {
			m[e.Key] = e.Value
		}
		out[i] = m
	}
	return out
}
