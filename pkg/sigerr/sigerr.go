// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package sigerr defines the error taxonomy shared by the signing, verification
// and timestamp engines. Every engine call fails with an *Error carrying exactly
// one Kind and a human readable detail.
package sigerr

import (
	"errors"
	"fmt"
)

// Kind is the coarse category of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput is malformed or missing input. Not a trust failure.
	KindInput
	// KindCapability is a signing backend that is unavailable or refused the operation.
	KindCapability
	// KindCryptoMismatch is a negative verification result.
	KindCryptoMismatch
	// KindProtocol is a malformed CMS, XML, ASN.1 or timestamp structure.
	KindProtocol
	// KindTransport is a network level failure delegated from the HTTP collaborator.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindCapability:
		return "CapabilityError"
	case KindCryptoMismatch:
		return "CryptoMismatchError"
	case KindProtocol:
		return "ProtocolError"
	case KindTransport:
		return "TransportError"
	default:
		return "UnknownError"
	}
}

// Reason is the precise failure inside a Kind.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPathNotFound
	ReasonUnsupportedAlgorithm
	ReasonNotXML
	ReasonInvalidCertificate
	ReasonInvalidInput
	ReasonNoSignatures
	ReasonSourceEqualsDestination
	ReasonDestinationExists
	ReasonInvalidFileName
	ReasonCapabilityUnavailable
	ReasonSigningFailed
	ReasonDigestMismatch
	ReasonSignatureInvalid
	ReasonMalformedCMS
	ReasonMalformedSignature
	ReasonInvalidTSR
	ReasonEncodingFailure
	ReasonTSARejected
	ReasonEmptyResponse
	ReasonTransportFailure
)

var reasonNames = map[Reason]string{
	ReasonPathNotFound:            "PathNotFound",
	ReasonUnsupportedAlgorithm:    "UnsupportedAlgorithm",
	ReasonNotXML:                  "NotXml",
	ReasonInvalidCertificate:      "InvalidCertificate",
	ReasonInvalidInput:            "InvalidInput",
	ReasonNoSignatures:            "NoSignatures",
	ReasonSourceEqualsDestination: "SourceEqualsDestination",
	ReasonDestinationExists:       "DestinationExists",
	ReasonInvalidFileName:         "InvalidFileName",
	ReasonCapabilityUnavailable:   "CapabilityUnavailable",
	ReasonSigningFailed:           "SigningFailed",
	ReasonDigestMismatch:          "DigestMismatch",
	ReasonSignatureInvalid:        "SignatureInvalid",
	ReasonMalformedCMS:            "MalformedCms",
	ReasonMalformedSignature:      "MalformedSignature",
	ReasonInvalidTSR:              "InvalidTsr",
	ReasonEncodingFailure:         "EncodingFailure",
	ReasonTSARejected:             "TsaRejected",
	ReasonEmptyResponse:           "EmptyResponse",
	ReasonTransportFailure:        "TransportFailure",
}

func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "None"
}

// Kind returns the category a reason belongs to.
func (r Reason) Kind() Kind {
	switch r {
	case ReasonPathNotFound, ReasonUnsupportedAlgorithm, ReasonNotXML, ReasonInvalidCertificate,
		ReasonInvalidInput, ReasonNoSignatures, ReasonSourceEqualsDestination,
		ReasonDestinationExists, ReasonInvalidFileName:
		return KindInput
	case ReasonCapabilityUnavailable, ReasonSigningFailed:
		return KindCapability
	case ReasonDigestMismatch, ReasonSignatureInvalid:
		return KindCryptoMismatch
	case ReasonMalformedCMS, ReasonMalformedSignature, ReasonInvalidTSR, ReasonEncodingFailure,
		ReasonTSARejected, ReasonEmptyResponse:
		return KindProtocol
	case ReasonTransportFailure:
		return KindTransport
	default:
		return KindUnknown
	}
}

// Error is returned by every engine operation. It supports errors.Is against
// the sentinels below, matching by reason when the target names one and by
// kind otherwise.
type Error struct {
	Kind   Kind
	Reason Reason
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Reason.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != ReasonNone {
		return e.Reason == t.Reason
	}
	return e.Kind == t.Kind
}

// Kind sentinels.
var (
	ErrInput          = &Error{Kind: KindInput}
	ErrCapability     = &Error{Kind: KindCapability}
	ErrCryptoMismatch = &Error{Kind: KindCryptoMismatch}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrTransport      = &Error{Kind: KindTransport}
)

// Reason sentinels.
var (
	ErrPathNotFound            = sentinel(ReasonPathNotFound)
	ErrUnsupportedAlgorithm    = sentinel(ReasonUnsupportedAlgorithm)
	ErrNotXML                  = sentinel(ReasonNotXML)
	ErrInvalidCertificate      = sentinel(ReasonInvalidCertificate)
	ErrInvalidInput            = sentinel(ReasonInvalidInput)
	ErrNoSignatures            = sentinel(ReasonNoSignatures)
	ErrSourceEqualsDestination = sentinel(ReasonSourceEqualsDestination)
	ErrDestinationExists       = sentinel(ReasonDestinationExists)
	ErrInvalidFileName         = sentinel(ReasonInvalidFileName)
	ErrCapabilityUnavailable   = sentinel(ReasonCapabilityUnavailable)
	ErrSigningFailed           = sentinel(ReasonSigningFailed)
	ErrDigestMismatch          = sentinel(ReasonDigestMismatch)
	ErrSignatureInvalid        = sentinel(ReasonSignatureInvalid)
	ErrMalformedCMS            = sentinel(ReasonMalformedCMS)
	ErrMalformedSignature      = sentinel(ReasonMalformedSignature)
	ErrInvalidTSR              = sentinel(ReasonInvalidTSR)
	ErrEncodingFailure         = sentinel(ReasonEncodingFailure)
	ErrTSARejected             = sentinel(ReasonTSARejected)
	ErrEmptyResponse           = sentinel(ReasonEmptyResponse)
	ErrTransportFailure        = sentinel(ReasonTransportFailure)
)

func sentinel(r Reason) *Error {
	return &Error{Kind: r.Kind(), Reason: r}
}

// New builds an error for reason with a detail message.
func New(r Reason, detail string) *Error {
	return &Error{Kind: r.Kind(), Reason: r, Detail: detail}
}

// Newf is New with formatting.
func Newf(r Reason, format string, args ...interface{}) *Error {
	return New(r, fmt.Sprintf(format, args...))
}

// Wrap builds an error for reason keeping cause in the chain.
func Wrap(r Reason, detail string, cause error) *Error {
	return &Error{Kind: r.Kind(), Reason: r, Detail: detail, Cause: cause}
}

// KindOf reports the kind of the first *Error found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf reports the reason of the first *Error found in err's chain.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}
