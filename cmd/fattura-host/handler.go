// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/cades"
	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/certstore"
	"fattura-firma/pkg/config"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/invoicename"
	"fattura-firma/pkg/protocol"
	"fattura-firma/pkg/sigerr"
	"fattura-firma/pkg/signer"
	"fattura-firma/pkg/tsa"
	"fattura-firma/pkg/tsd"
	"fattura-firma/pkg/version"
)

const dataChunkSize = 512 * 1024

var openCapabilityFunc = signer.OpenCapability

// Handler answers protocol requests.
type Handler struct {
	cfg       *config.Config
	tsa       *tsa.Client
	chunkSize int
}

func NewHandler(cfg *config.Config) *Handler {
	return &Handler{cfg: cfg, tsa: tsa.NewClient(nil), chunkSize: dataChunkSize}
}

func errorResponse(reqID string, err error) protocol.Response {
	resp := protocol.Response{
		RequestID: reqID,
		Success:   false,
		Error:     err.Error(),
		Chunk:     0,
	}
	if kind := sigerr.KindOf(err); kind != sigerr.KindUnknown {
		resp.ErrorKind = kind.String()
	}
	if reason := sigerr.ReasonOf(err); reason != sigerr.ReasonNone {
		resp.ErrorReason = reason.String()
	}
	return resp
}

// Handle decodes payload and returns the encoded responses, several when the
// Data field has to be chunked.
func (h *Handler) Handle(ctx context.Context, payload []byte) [][]byte {
	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		encoded, _ := json.Marshal(errorResponse("", sigerr.Wrap(sigerr.ReasonInvalidInput, "formato de peticion no valido", err)))
		return [][]byte{encoded}
	}

	reqID := protocol.NormalizeRequestID(req.RequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	logger := applog.With("host")
	start := time.Now()
	logger.Info().
		Str("request_id", applog.MaskID(reqID)).
		Str("action", req.Action).
		Str("cert", applog.MaskID(req.CertificateID)).
		Bool("pin_set", req.PIN != "").
		Str("data", applog.SecretMeta("data", req.Data)).
		Msg("peticion recibida")

	resp := h.dispatch(ctx, reqID, req)
	resp.RequestID = reqID

	var ev *zerolog.Event
	if resp.Success {
		ev = logger.Info()
	} else {
		ev = logger.Warn().Str("error_kind", resp.ErrorKind).Str("error_reason", resp.ErrorReason)
	}
	ev.Str("request_id", applog.MaskID(reqID)).
		Str("action", req.Action).
		Bool("success", resp.Success).
		Int("data_len", len(resp.Data)).
		Dur("elapsed", time.Since(start)).
		Msg("peticion atendida")

	parts := protocol.Split(resp, h.chunkSize)
	out := make([][]byte, 0, len(parts))
	for _, part := range parts {
		encoded, err := json.Marshal(part)
		if err != nil {
			fallback, _ := json.Marshal(errorResponse(reqID, errors.New("error interno al fragmentar la respuesta")))
			return [][]byte{fallback}
		}
		out = append(out, encoded)
	}
	return out
}

func (h *Handler) dispatch(ctx context.Context, reqID string, req protocol.Request) protocol.Response {
	resp := protocol.Response{RequestID: reqID, Chunk: 0}
	var err error

	switch req.Action {
	case protocol.ActionPing:
		resp.Version = version.CurrentVersion
	case protocol.ActionGetCertificates:
		resp.Certificates, err = h.certificates()
	case protocol.ActionSign:
		err = h.sign(ctx, req, &resp)
	case protocol.ActionVerify:
		err = h.verify(req, &resp)
	case protocol.ActionExtract:
		err = h.extract(req, &resp)
	case protocol.ActionHash:
		err = h.hash(req, &resp)
	case protocol.ActionTimestamp:
		err = h.timestamp(ctx, req, &resp)
	case protocol.ActionTsd:
		err = h.buildTsd(req, &resp)
	case protocol.ActionCheckName:
		err = invoicename.Validate(req.FileName)
	default:
		err = sigerr.Newf(sigerr.ReasonInvalidInput, "accion desconocida: %s", req.Action)
	}
	if err != nil {
		failed := errorResponse(reqID, err)
		failed.Signatures = resp.Signatures
		return failed
	}
	resp.Success = true
	return resp
}

func decodeData(field, value string) ([]byte, error) {
	if strings.TrimSpace(value) == "" {
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "falta el campo %s", field)
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidInput, "base64 no valido en "+field, err)
	}
	return data, nil
}

func (h *Handler) certificates() ([]protocol.Certificate, error) {
	opts := certstore.Options{
		Modules:       h.cfg.Smartcard.Modules,
		IncludePKCS11: h.cfg.Signing.Capability == config.CapabilitySmartcard,
		Password:      h.cfg.Local.Password,
	}
	switch {
	case h.cfg.Local.PKCS12 != "":
		opts.Files = append(opts.Files, h.cfg.Local.PKCS12)
	case h.cfg.Local.CertFile != "":
		opts.Files = append(opts.Files, h.cfg.Local.CertFile)
	}
	if h.cfg.Remote.CertificateFile != "" {
		opts.Files = append(opts.Files, h.cfg.Remote.CertificateFile)
	}
	return certstore.List(opts)
}

func (h *Handler) service(c capability.Capability) (*signer.Service, error) {
	opts, err := signer.FromConfig(h.cfg)
	if err != nil {
		return nil, err
	}
	opts.Capability = c
	opts.TSA = h.tsa
	return signer.New(opts), nil
}

func (h *Handler) sign(ctx context.Context, req protocol.Request, resp *protocol.Response) error {
	data, err := decodeData("data", req.Data)
	if err != nil {
		return err
	}
	c, err := openCapabilityFunc(ctx, h.cfg, req.CertificateID, req.PIN)
	if err != nil {
		return err
	}
	defer capability.Close(c)

	svc, err := h.service(c)
	if err != nil {
		return err
	}
	out, _, err := svc.SignBytes(ctx, data, req.Format, req.Algorithm)
	if err != nil {
		return err
	}
	resp.Data = base64.StdEncoding.EncodeToString(out)
	resp.DataLen = len(resp.Data)
	return nil
}

func (h *Handler) verify(req protocol.Request, resp *protocol.Response) error {
	data, err := decodeData("data", req.Data)
	if err != nil {
		return err
	}
	rep, err := signer.VerifyBytes(req.FileName, data)
	if rep != nil {
		resp.Signatures = signatureInfos(rep)
	}
	return err
}

func signatureInfos(rep *signer.Report) []protocol.SignatureInfo {
	out := make([]protocol.SignatureInfo, 0, len(rep.Checks))
	for _, c := range rep.Checks {
		info := protocol.SignatureInfo{
			Index:     c.Index,
			Valid:     c.Valid,
			Format:    rep.Format,
			Algorithm: string(c.Algorithm),
		}
		if c.Certificate != nil {
			info.SignerName = c.Certificate.Subject.CommonName
			if len(c.Certificate.Subject.Organization) > 0 {
				info.SignerOrg = c.Certificate.Subject.Organization[0]
			}
		}
		if !c.SigningTime.IsZero() {
			info.SigningTime = c.SigningTime.UTC().Format(time.RFC3339)
		}
		if c.Err != nil {
			info.Reason = c.Err.Error()
		}
		out = append(out, info)
	}
	return out
}

func (h *Handler) extract(req protocol.Request, resp *protocol.Response) error {
	data, err := decodeData("data", req.Data)
	if err != nil {
		return err
	}
	content, err := cades.ExtractOriginal(data)
	if err != nil {
		return err
	}
	resp.Data = base64.StdEncoding.EncodeToString(content)
	resp.DataLen = len(resp.Data)
	return nil
}

func (h *Handler) hash(req protocol.Request, resp *protocol.Response) error {
	data, err := decodeData("data", req.Data)
	if err != nil {
		return err
	}
	alg, err := digest.Parse(req.Algorithm)
	if err != nil {
		return err
	}
	enc, err := digest.ParseEncoding(req.Encoding)
	if err != nil {
		return err
	}
	sum, err := digest.Sum(data, alg)
	if err != nil {
		return err
	}
	resp.Digest, err = digest.Encode(sum, enc)
	return err
}

func (h *Handler) timestamp(ctx context.Context, req protocol.Request, resp *protocol.Response) error {
	data, err := decodeData("data", req.Data)
	if err != nil {
		return err
	}
	svc, err := h.service(nil)
	if err != nil {
		return err
	}
	var auth *tsa.BasicAuth
	if req.TSAUser != "" {
		auth = &tsa.BasicAuth{Username: req.TSAUser, Password: req.TSAPassword}
	}
	tsr, err := svc.TimestampBytes(ctx, data, req.TSAURL, auth)
	if err != nil {
		return err
	}
	resp.Data = base64.StdEncoding.EncodeToString(tsr)
	resp.DataLen = len(resp.Data)
	return nil
}

func (h *Handler) buildTsd(req protocol.Request, resp *protocol.Response) error {
	tsr, err := decodeData("data", req.Data)
	if err != nil {
		return err
	}
	p7m, err := decodeData("signature", req.Signature)
	if err != nil {
		return err
	}
	out, err := tsd.BuildTsd(tsr, p7m)
	if err != nil {
		return err
	}
	resp.Data = base64.StdEncoding.EncodeToString(out)
	resp.DataLen = len(resp.Data)
	return nil
}
