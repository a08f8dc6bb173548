// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"encoding/binary"
	"fmt"
	"io"
)

// defaultMaxMessage bounds incoming messages when no limit is configured.
const defaultMaxMessage = 64 << 20

// readNativeMessage reads one length-prefixed (uint32, little endian) message.
// Lengths above max, or above defaultMaxMessage when max is not positive, are
// rejected without reading the payload.
func readNativeMessage(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = defaultMaxMessage
	}
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if int64(length) > int64(max) {
		return nil, fmt.Errorf("mensaje de %d bytes supera el maximo de %d", length, max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeNativeMessage(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	return nil
}
