// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package capability

import (
	"encoding/asn1"
	"math/big"

	"fattura-firma/pkg/sigerr"
)

type ecdsaSignature struct {
	R, S *big.Int
}

// rawECDSAToDER converts the r||s form returned by tokens and CSC services
// into the ASN.1 DER form. DER input is returned unchanged.
func rawECDSAToDER(sig []byte) ([]byte, error) {
	var parsed ecdsaSignature
	if rest, err := asn1.Unmarshal(sig, &parsed); err == nil && len(rest) == 0 {
		return sig, nil
	}
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, sigerr.Newf(sigerr.ReasonSigningFailed, "firma ECDSA con longitud invalida (%d)", len(sig))
	}
	half := len(sig) / 2
	der, err := asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(sig[:half]),
		S: new(big.Int).SetBytes(sig[half:]),
	})
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonSigningFailed, "no se pudo codificar la firma ECDSA", err)
	}
	return der, nil
}
