// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package protocol defines the JSON messages exchanged with the host.
package protocol

import "fmt"

// Actions understood by the host.
const (
	ActionPing            = "ping"
	ActionGetCertificates = "getCertificates"
	ActionSign            = "sign"
	ActionVerify          = "verify"
	ActionExtract         = "extract"
	ActionHash            = "hash"
	ActionTimestamp       = "timestamp"
	ActionTsd             = "tsd"
	ActionCheckName       = "checkName"
)

// Request from the browser extension or websocket client. Binary fields are
// base64 encoded.
type Request struct {
	RequestID     interface{} `json:"requestId"`
	Action        string      `json:"action"`
	CertificateID string      `json:"certificateId,omitempty"`
	Data          string      `json:"data,omitempty"`
	FileName      string      `json:"fileName,omitempty"`
	PIN           string      `json:"pin,omitempty"`
	Format        string      `json:"format,omitempty"` // cades, xades
	Algorithm     string      `json:"algorithm,omitempty"`
	Encoding      string      `json:"encoding,omitempty"` // base64, hex
	// Signature carries the .p7m for the tsd action.
	Signature   string `json:"signature,omitempty"`
	TSAURL      string `json:"tsaUrl,omitempty"`
	TSAUser     string `json:"tsaUser,omitempty"`
	TSAPassword string `json:"tsaPassword,omitempty"`
}

// Response to a Request. Large Data payloads are split over several
// responses sharing RequestID.
type Response struct {
	RequestID    string          `json:"requestId"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"errorKind,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
	Certificates []Certificate   `json:"certificates,omitempty"`
	Data         string          `json:"data,omitempty"`
	DataLen      int             `json:"dataLen,omitempty"` // Total length for integrity check
	Digest       string          `json:"digest,omitempty"`
	Signatures   []SignatureInfo `json:"signatures,omitempty"`
	Version      string          `json:"version,omitempty"`
	Chunk        int             `json:"chunk"`                 // Current chunk index (0-based) - MUST always serialize
	TotalChunks  int             `json:"totalChunks,omitempty"` // Total number of chunks
}

// SignatureInfo is the verification outcome of one signature.
type SignatureInfo struct {
	Index       int    `json:"index"`
	Valid       bool   `json:"valid"`
	SignerName  string `json:"signerName,omitempty"`
	SignerOrg   string `json:"signerOrg,omitempty"`
	SigningTime string `json:"signingTime,omitempty"`
	Format      string `json:"format,omitempty"`
	Algorithm   string `json:"algorithm,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Certificate information
type Certificate struct {
	ID           string            `json:"id"`
	Subject      map[string]string `json:"subject"`
	Issuer       map[string]string `json:"issuer"`
	SerialNumber string            `json:"serialNumber"`
	ValidFrom    string            `json:"validFrom"`
	ValidTo      string            `json:"validTo"`
	Fingerprint  string            `json:"fingerprint"`
	Source       string            `json:"source"` // smartcard, file, remote
	Module       string            `json:"module,omitempty"`
	PEM          string            `json:"pem"`
	CanSign      bool              `json:"canSign"`
	SignIssue    string            `json:"signIssue,omitempty"`
	Content      []byte            `json:"-"` // Raw DER content (internal use, not serialized)
}

// NormalizeRequestID renders the JSON requestId, string or number, as text.
func NormalizeRequestID(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Split cuts resp.Data into chunks of at most size bytes. A response whose
// Data fits is returned unchanged.
func Split(resp Response, size int) []Response {
	if size <= 0 || len(resp.Data) <= size {
		return []Response{resp}
	}
	total := (len(resp.Data) + size - 1) / size
	out := make([]Response, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(resp.Data) {
			end = len(resp.Data)
		}
		part := resp
		part.Chunk = i
		part.TotalChunks = total
		part.Data = resp.Data[start:end]
		part.DataLen = len(resp.Data)
		out = append(out, part)
	}
	return out
}
