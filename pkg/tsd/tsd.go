// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package tsd assembles RFC 5544 TimeStampedData containers from a CAdES
// signature and the TSA response that time-stamps it.
package tsd

import (
	"encoding/asn1"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/asn1tree"
	"fattura-firma/pkg/sigerr"
)

// OIDTimeStampedData is id-ct-timestampedData.
var OIDTimeStampedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 31}

const version = 1

// Container is the decoded form of a TimeStampedData.
type Container struct {
	Version int64
	// Content is the embedded CAdES signature.
	Content []byte
	// Evidence holds the DER of every element inside the evidence [0].
	Evidence [][]byte
}

// BuildTsd returns the DER of
//
//	SEQUENCE { id-ct-timestampedData, [0] { SEQUENCE { 1, OCTET STRING cades, [0] { tsr without status } } } }
func BuildTsd(tsr, cades []byte) ([]byte, error) {
	logger := applog.With("tsd")
	if len(cades) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidInput, "firma CAdES vacia")
	}
	resp, err := asn1tree.Parse(tsr)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidTSR, "respuesta de sello de tiempo no decodificable", err)
	}
	if !resp.Is(asn1tree.ClassUniversal, asn1tree.TagSequence) || len(resp.Children) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidTSR, "la respuesta no es una SEQUENCE con contenido")
	}
	status := resp.Children[0]
	if !status.Is(asn1tree.ClassUniversal, asn1tree.TagSequence) || len(status.Children) == 0 ||
		!status.Children[0].Is(asn1tree.ClassUniversal, asn1tree.TagInteger) {
		return nil, sigerr.New(sigerr.ReasonInvalidTSR, "la respuesta no empieza por PKIStatusInfo")
	}
	if err := resp.RemoveChild(0); err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidTSR, "no se pudo retirar PKIStatusInfo", err)
	}
	if len(resp.Children) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidTSR, "la respuesta no contiene TimeStampToken")
	}

	tree := asn1tree.Sequence(
		asn1tree.OID(OIDTimeStampedData),
		asn1tree.ContextSpecific(0,
			asn1tree.Sequence(
				asn1tree.Integer(version),
				asn1tree.OctetString(cades),
				asn1tree.ContextSpecific(0, resp.Children...),
			),
		),
	)
	out, err := tree.Marshal()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo serializar TimeStampedData", err)
	}
	logger.Info().Int("cades_len", len(cades)).Int("tsr_len", len(tsr)).Int("tsd_len", len(out)).Msg("TimeStampedData generado")
	return out, nil
}

// Inspect decodes a container produced by BuildTsd.
func Inspect(tsd []byte) (*Container, error) {
	root, err := asn1tree.Parse(tsd)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "TimeStampedData no decodificable", err)
	}
	oidNode, err := root.Get("oid")
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "TimeStampedData sin tipo de contenido", err)
	}
	oid, err := oidNode.ObjectIdentifier()
	if err != nil || !oid.Equal(OIDTimeStampedData) {
		return nil, sigerr.Newf(sigerr.ReasonMalformedCMS, "tipo de contenido inesperado: %v", oid)
	}
	body, err := root.Get("contextSpecific|sequence")
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "TimeStampedData sin cuerpo", err)
	}
	verNode, err := body.Get("int")
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "TimeStampedData sin version", err)
	}
	ver, err := verNode.Int()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "version no valida", err)
	}
	out := &Container{Version: ver.Int64()}
	if content, err := body.Get("octets"); err == nil {
		out.Content = content.Content
	}
	evidence, err := body.Get("contextSpecific")
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "TimeStampedData sin evidencias", err)
	}
	for _, c := range evidence.Children {
		der, err := c.Marshal()
		if err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "evidencia no serializable", err)
		}
		out.Evidence = append(out.Evidence, der)
	}
	return out, nil
}
