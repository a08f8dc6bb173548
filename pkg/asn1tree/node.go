// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package asn1tree is a small DER tree model: typed nodes that can be built
// programmatically, parsed from DER, addressed by "|" separated tag paths,
// mutated and serialized back to canonical DER.
//
// It only covers what the timestamp and CMS tooling needs. Tags must use the
// low-tag-number form (< 31) and lengths must be definite and minimal.
package asn1tree

import (
	"encoding/asn1"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"fattura-firma/pkg/sigerr"
)

// Class is the ASN.1 tag class.
type Class uint8

const (
	ClassUniversal       Class = 0
	ClassApplication     Class = 1
	ClassContextSpecific Class = 2
	ClassPrivate         Class = 3
)

// Universal tag numbers used by the package.
const (
	TagBoolean         = 1
	TagInteger         = 2
	TagBitString       = 3
	TagOctetString     = 4
	TagNull            = 5
	TagOID             = 6
	TagEnumerated      = 10
	TagUTF8String      = 12
	TagSequence        = 16
	TagSet             = 17
	TagPrintableString = 19
	TagIA5String       = 22
	TagUTCTime         = 23
	TagGeneralizedTime = 24
)

const maxDepth = 64

// Node is one TLV element. Constructed nodes use Children, primitive nodes
// use Content.
type Node struct {
	Class       Class
	Tag         int
	Constructed bool
	Content     []byte
	Children    []*Node
}

// Sequence builds a SEQUENCE.
func Sequence(children ...*Node) *Node {
	return &Node{Class: ClassUniversal, Tag: TagSequence, Constructed: true, Children: children}
}

// Set builds a SET. Children are kept in the given order.
func Set(children ...*Node) *Node {
	return &Node{Class: ClassUniversal, Tag: TagSet, Constructed: true, Children: children}
}

// ContextSpecific builds a constructed [tag] node.
func ContextSpecific(tag int, children ...*Node) *Node {
	return &Node{Class: ClassContextSpecific, Tag: tag, Constructed: true, Children: children}
}

// ContextPrimitive builds a primitive [tag] node.
func ContextPrimitive(tag int, content []byte) *Node {
	return &Node{Class: ClassContextSpecific, Tag: tag, Content: clone(content)}
}

// Integer builds an INTEGER.
func Integer(v int64) *Node {
	return BigInteger(big.NewInt(v))
}

// BigInteger builds an INTEGER from an arbitrary precision value.
func BigInteger(v *big.Int) *Node {
	var b cryptobyte.Builder
	b.AddASN1BigInt(v)
	return mustLeaf(b.Bytes())
}

// OctetString builds an OCTET STRING holding a copy of content.
func OctetString(content []byte) *Node {
	return &Node{Class: ClassUniversal, Tag: TagOctetString, Content: clone(content)}
}

// OID builds an OBJECT IDENTIFIER. It panics if oid cannot be encoded.
func OID(oid asn1.ObjectIdentifier) *Node {
	der, err := asn1.Marshal(oid)
	if err != nil {
		panic(fmt.Sprintf("asn1tree: OID %v no codificable: %v", oid, err))
	}
	return mustLeaf(der, nil)
}

// UTF8String builds a UTF8String.
func UTF8String(s string) *Node {
	return &Node{Class: ClassUniversal, Tag: TagUTF8String, Content: []byte(s)}
}

// Null builds a NULL.
func Null() *Node {
	return &Node{Class: ClassUniversal, Tag: TagNull}
}

func mustLeaf(der []byte, err error) *Node {
	if err != nil {
		panic(fmt.Sprintf("asn1tree: %v", err))
	}
	n, err := Parse(der)
	if err != nil {
		panic(fmt.Sprintf("asn1tree: %v", err))
	}
	return n
}

// Name is the path segment name for the node's tag.
func (n *Node) Name() string {
	switch n.Class {
	case ClassContextSpecific:
		return "contextSpecific"
	case ClassApplication:
		return "application"
	case ClassPrivate:
		return "private"
	}
	if name, ok := universalNames[n.Tag]; ok {
		return name
	}
	return fmt.Sprintf("universal%d", n.Tag)
}

var universalNames = map[int]string{
	TagBoolean:         "bool",
	TagInteger:         "int",
	TagBitString:       "bits",
	TagOctetString:     "octets",
	TagNull:            "null",
	TagOID:             "oid",
	TagEnumerated:      "enum",
	TagUTF8String:      "utf8",
	TagSequence:        "sequence",
	TagSet:             "set",
	TagPrintableString: "printable",
	TagIA5String:       "ia5",
	TagUTCTime:         "utctime",
	TagGeneralizedTime: "gentime",
}

// Is reports whether the node has the given class and tag.
func (n *Node) Is(class Class, tag int) bool {
	return n != nil && n.Class == class && n.Tag == tag
}

// Int decodes an INTEGER node.
func (n *Node) Int() (*big.Int, error) {
	if !n.Is(ClassUniversal, TagInteger) || n.Constructed {
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "el nodo %s no es INTEGER", n.Name())
	}
	der, err := n.Marshal()
	if err != nil {
		return nil, err
	}
	out := new(big.Int)
	s := cryptobyte.String(der)
	if !s.ReadASN1Integer(out) {
		return nil, sigerr.New(sigerr.ReasonInvalidInput, "INTEGER mal codificado")
	}
	return out, nil
}

// ObjectIdentifier decodes an OBJECT IDENTIFIER node.
func (n *Node) ObjectIdentifier() (asn1.ObjectIdentifier, error) {
	if !n.Is(ClassUniversal, TagOID) || n.Constructed {
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "el nodo %s no es OID", n.Name())
	}
	der, err := n.Marshal()
	if err != nil {
		return nil, err
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(der, &oid); err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidInput, "OID mal codificado", err)
	}
	return oid, nil
}

// Copy returns a deep copy of the subtree.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Class: n.Class, Tag: n.Tag, Constructed: n.Constructed, Content: clone(n.Content)}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Copy()
		}
	}
	return out
}

// Append adds children at the end of a constructed node.
func (n *Node) Append(children ...*Node) {
	n.Constructed = true
	n.Children = append(n.Children, children...)
}

// RemoveChild drops the child at index i.
func (n *Node) RemoveChild(i int) error {
	if i < 0 || i >= len(n.Children) {
		return sigerr.Newf(sigerr.ReasonPathNotFound, "indice %d fuera de rango (%d hijos)", i, len(n.Children))
	}
	n.Children = append(n.Children[:i:i], n.Children[i+1:]...)
	return nil
}

func (n *Node) tag() (cbasn1.Tag, error) {
	if n.Tag < 0 || n.Tag >= 31 {
		return 0, sigerr.Newf(sigerr.ReasonEncodingFailure, "numero de etiqueta %d no soportado", n.Tag)
	}
	t := cbasn1.Tag(uint8(n.Class)<<6 | uint8(n.Tag))
	if n.Constructed {
		t = t.Constructed()
	}
	return t, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
