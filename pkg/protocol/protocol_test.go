// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResponseChunkAlwaysSerialized(t *testing.T) {
	r := Response{RequestID: "1", Success: true}

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var obj map[string]any
	if err = json.Unmarshal(b, &obj); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if _, ok := obj["chunk"]; !ok {
		t.Fatalf("expected 'chunk' field to be serialized")
	}
	if _, ok := obj["totalChunks"]; ok {
		t.Fatalf("did not expect 'totalChunks' when value is zero")
	}
}

func TestRequestIDSupportsStringAndNumber(t *testing.T) {
	var req Request

	if err := json.Unmarshal([]byte(`{"requestId":"abc","action":"ping"}`), &req); err != nil {
		t.Fatalf("string requestId unmarshal failed: %v", err)
	}
	if got := NormalizeRequestID(req.RequestID); got != "abc" {
		t.Fatalf("unexpected requestId value: %q", got)
	}

	if err := json.Unmarshal([]byte(`{"requestId":12,"action":"ping"}`), &req); err != nil {
		t.Fatalf("number requestId unmarshal failed: %v", err)
	}
	if got := NormalizeRequestID(req.RequestID); got != "12" {
		t.Fatalf("expected numeric requestId rendered as 12, got %q", got)
	}
	if got := NormalizeRequestID(nil); got != "" {
		t.Fatalf("expected empty id for nil, got %q", got)
	}
}

func TestSplitChunksData(t *testing.T) {
	resp := Response{RequestID: "7", Success: true, Data: strings.Repeat("a", 10) + strings.Repeat("b", 10) + "c"}

	parts := Split(resp, 10)
	if len(parts) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(parts))
	}
	var joined strings.Builder
	for i, p := range parts {
		if p.Chunk != i || p.TotalChunks != 3 || p.DataLen != 21 || p.RequestID != "7" {
			t.Fatalf("unexpected chunk header %d: %#v", i, p)
		}
		joined.WriteString(p.Data)
	}
	if joined.String() != resp.Data {
		t.Fatalf("chunks do not rebuild the payload")
	}
}

func TestSplitKeepsSmallResponse(t *testing.T) {
	resp := Response{RequestID: "1", Data: "abc"}
	parts := Split(resp, 10)
	if len(parts) != 1 || parts[0].TotalChunks != 0 || parts[0].Data != "abc" {
		t.Fatalf("unexpected split result: %#v", parts)
	}
}
