// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package capability

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// RemoteOptions configures a Cloud Signature Consortium (CSC v1) service.
type RemoteOptions struct {
	// ServiceURL precedes /csc/<version>/... in endpoint URLs.
	ServiceURL   string
	APIVersion   string
	CredentialID string
	// Token is the OAuth bearer token.
	Token string
	PIN   string
	OTP   string
	// Certificate is the DER signer certificate. When empty it is fetched
	// with credentials/info.
	Certificate []byte
	HTTPClient  *http.Client
}

// RemoteHSM signs through a remote HSM: each Sign obtains a Signature
// Activation Data token with credentials/authorize and then calls
// signatures/signHash.
type RemoteHSM struct {
	opts   RemoteOptions
	client *http.Client
	cert   *x509.Certificate
}

type cscAuthorizeRequest struct {
	CredentialID  string   `json:"credentialID"`
	NumSignatures int      `json:"numSignatures"`
	Hash          []string `json:"hash,omitempty"`
	PIN           string   `json:"PIN,omitempty"`
	OTP           string   `json:"OTP,omitempty"`
}

type cscAuthorizeResponse struct {
	SAD       string `json:"SAD"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
}

type cscSignHashRequest struct {
	CredentialID string   `json:"credentialID"`
	SAD          string   `json:"SAD"`
	Hash         []string `json:"hash"`
	HashAlgo     string   `json:"hashAlgo"`
	SignAlgo     string   `json:"signAlgo"`
}

type cscSignHashResponse struct {
	Signatures []string `json:"signatures"`
}

type cscInfoRequest struct {
	CredentialID string `json:"credentialID"`
	Certificates string `json:"certificates"`
	CertInfo     bool   `json:"certInfo"`
}

type cscInfoResponse struct {
	Cert struct {
		Certificates []string `json:"certificates"`
	} `json:"cert"`
}

// NewRemoteHSM validates opts and resolves the signer certificate.
func NewRemoteHSM(ctx context.Context, opts RemoteOptions) (*RemoteHSM, error) {
	opts.ServiceURL = strings.TrimRight(strings.TrimSpace(opts.ServiceURL), "/")
	if opts.ServiceURL == "" || strings.TrimSpace(opts.CredentialID) == "" {
		return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "servicio remoto sin URL o credencial")
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	r := &RemoteHSM{opts: opts, client: client}

	certDER := opts.Certificate
	if len(certDER) == 0 {
		var err error
		certDER, err = r.fetchCertificate(ctx)
		if err != nil {
			return nil, err
		}
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "certificado remoto no valido", err)
	}
	if keyType(cert.PublicKey) == "" {
		return nil, sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "tipo de clave publica no soportado")
	}
	r.cert = cert
	return r, nil
}

func (r *RemoteHSM) endpoint(name string) string {
	return fmt.Sprintf("%s/csc/%s/%s", r.opts.ServiceURL, r.opts.APIVersion, name)
}

func (r *RemoteHSM) CertificateBytes() []byte {
	return r.cert.Raw
}

func (r *RemoteHSM) Sign(ctx context.Context, d []byte, alg digest.Algorithm) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if err := checkDigest(d, alg); err != nil {
		return nil, err
	}
	signAlgo, err := SignatureAlgorithmOID(r.cert.PublicKey, alg)
	if err != nil {
		return nil, err
	}
	logger := applog.With("capability.remote")
	hashB64 := base64.StdEncoding.EncodeToString(d)

	var auth cscAuthorizeResponse
	if err := r.post(ctx, "credentials/authorize", cscAuthorizeRequest{
		CredentialID:  r.opts.CredentialID,
		NumSignatures: 1,
		Hash:          []string{hashB64},
		PIN:           r.opts.PIN,
		OTP:           r.opts.OTP,
	}, &auth, sigerr.ReasonCapabilityUnavailable); err != nil {
		logger.Warn().Err(err).Str("credential", applog.MaskID(r.opts.CredentialID)).Msg("autorizacion remota fallida")
		return nil, err
	}
	if strings.TrimSpace(auth.SAD) == "" {
		return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "respuesta de autorizacion sin SAD")
	}

	var signed cscSignHashResponse
	if err := r.post(ctx, "signatures/signHash", cscSignHashRequest{
		CredentialID: r.opts.CredentialID,
		SAD:          auth.SAD,
		Hash:         []string{hashB64},
		HashAlgo:     alg.OID().String(),
		SignAlgo:     signAlgo,
	}, &signed, sigerr.ReasonSigningFailed); err != nil {
		logger.Warn().Err(err).Str("credential", applog.MaskID(r.opts.CredentialID)).Msg("firma remota fallida")
		return nil, err
	}
	if len(signed.Signatures) != 1 {
		return nil, sigerr.Newf(sigerr.ReasonSigningFailed, "se esperaba 1 firma remota, recibidas %d", len(signed.Signatures))
	}
	sig, err := base64.StdEncoding.DecodeString(signed.Signatures[0])
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonSigningFailed, "firma remota no es base64", err)
	}
	if keyType(r.cert.PublicKey) == "ecdsa" {
		sig, err = rawECDSAToDER(sig)
		if err != nil {
			return nil, err
		}
	}
	logger.Debug().Str("alg", string(alg)).Str("credential", applog.MaskID(r.opts.CredentialID)).Msg("firma remota completada")
	return sig, nil
}

func (r *RemoteHSM) fetchCertificate(ctx context.Context) ([]byte, error) {
	var info cscInfoResponse
	if err := r.post(ctx, "credentials/info", cscInfoRequest{
		CredentialID: r.opts.CredentialID,
		Certificates: "single",
	}, &info, sigerr.ReasonCapabilityUnavailable); err != nil {
		return nil, err
	}
	if len(info.Cert.Certificates) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidCertificate, "credentials/info sin certificados")
	}
	der, err := base64.StdEncoding.DecodeString(info.Cert.Certificates[0])
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "certificado remoto no es base64", err)
	}
	return der, nil
}

// post sends a JSON request; failures are reported with reason.
func (r *RemoteHSM) post(ctx context.Context, name string, in, out interface{}, reason sigerr.Reason) error {
	body, err := json.Marshal(in)
	if err != nil {
		return sigerr.Wrap(reason, "no se pudo codificar la peticion "+name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(name), bytes.NewReader(body))
	if err != nil {
		return sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "peticion "+name+" no valida", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.Token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "servicio de firma remota inaccesible ("+name+")", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return sigerr.Newf(reason, "%s respondio HTTP %d: %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return sigerr.Wrap(reason, "respuesta "+name+" no valida", err)
	}
	return nil
}
