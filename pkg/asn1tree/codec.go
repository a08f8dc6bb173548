// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package asn1tree

import (
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"fattura-firma/pkg/sigerr"
)

// Parse decodes one DER element (and nothing after it) into a tree.
func Parse(der []byte) (*Node, error) {
	if len(der) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidInput, "DER vacio")
	}
	s := cryptobyte.String(der)
	n, err := parseElement(&s, 0)
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "%d bytes sobrantes tras el elemento DER", len(s))
	}
	return n, nil
}

func parseElement(s *cryptobyte.String, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, sigerr.New(sigerr.ReasonInvalidInput, "anidamiento DER excesivo")
	}
	var body cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1(&body, &tag) {
		return nil, sigerr.New(sigerr.ReasonInvalidInput, "elemento DER mal formado")
	}
	n := &Node{
		Class:       Class(uint8(tag) >> 6),
		Tag:         int(uint8(tag) & 0x1f),
		Constructed: uint8(tag)&0x20 != 0,
	}
	if !n.Constructed {
		n.Content = append([]byte{}, body...)
		return n, nil
	}
	for !body.Empty() {
		child, err := parseElement(&body, depth+1)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

// Marshal serializes the tree to DER.
func (n *Node) Marshal() ([]byte, error) {
	if n == nil {
		return nil, sigerr.New(sigerr.ReasonEncodingFailure, "nodo nulo")
	}
	var b cryptobyte.Builder
	if err := n.build(&b, 0); err != nil {
		return nil, err
	}
	out, err := b.Bytes()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "error serializando DER", err)
	}
	return out, nil
}

func (n *Node) build(b *cryptobyte.Builder, depth int) error {
	if depth > maxDepth {
		return sigerr.New(sigerr.ReasonEncodingFailure, "anidamiento DER excesivo")
	}
	tag, err := n.tag()
	if err != nil {
		return err
	}
	var childErr error
	b.AddASN1(tag, func(c *cryptobyte.Builder) {
		if !n.Constructed {
			c.AddBytes(n.Content)
			return
		}
		for _, ch := range n.Children {
			if ch == nil {
				childErr = sigerr.New(sigerr.ReasonEncodingFailure, "hijo nulo en nodo construido")
				return
			}
			if err := ch.build(c, depth+1); err != nil {
				childErr = err
				return
			}
		}
	})
	return childErr
}
