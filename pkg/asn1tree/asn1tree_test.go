// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package asn1tree

import (
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fattura-firma/pkg/sigerr"
)

func TestMarshalMatchesEncodingASN1(t *testing.T) {
	type inner struct {
		Version int
		Data    []byte
	}
	type outer struct {
		ID    asn1.ObjectIdentifier
		Inner inner  `asn1:"explicit,tag:0"`
		Label string `asn1:"utf8"`
	}
	want, err := asn1.Marshal(outer{
		ID:    asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 31},
		Inner: inner{Version: 1, Data: []byte("contenido")},
		Label: "fattura",
	})
	require.NoError(t, err)

	tree := Sequence(
		OID(asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 31}),
		ContextSpecific(0, Sequence(Integer(1), OctetString([]byte("contenido")))),
		UTF8String("fattura"),
	)
	got, err := tree.Marshal()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseMarshalRoundTripIsByteExact(t *testing.T) {
	der, err := asn1.Marshal(struct {
		A int
		B []int
		C asn1.RawValue
		D bool
		E asn1.BitString
	}{
		A: 300,
		B: []int{1, -1, 65536},
		C: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 3, Bytes: []byte{0xca, 0xfe}},
		D: true,
		E: asn1.BitString{Bytes: []byte{0x80}, BitLength: 1},
	})
	require.NoError(t, err)

	tree, err := Parse(der)
	require.NoError(t, err)
	again, err := tree.Marshal()
	require.NoError(t, err)
	assert.Equal(t, der, again)

	n, err := tree.Get("int")
	require.NoError(t, err)
	v, err := n.Int()
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(300).Cmp(v))

	n, err = tree.Get("contextSpecific")
	require.NoError(t, err)
	assert.Equal(t, 3, n.Tag)
	assert.Equal(t, []byte{0xca, 0xfe}, n.Content)
}

func TestGetMissingPathReturnsPathNotFound(t *testing.T) {
	tree := Sequence(Integer(1), Sequence(OctetString(nil)))
	_, err := tree.Get("sequence|oid")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sigerr.ErrPathNotFound))
	assert.Equal(t, sigerr.KindInput, sigerr.KindOf(err))

	_, err = tree.Get("sequence[1]")
	assert.True(t, errors.Is(err, sigerr.ErrPathNotFound))
}

func TestIndexedSegments(t *testing.T) {
	tree := Sequence(Integer(1), Integer(2), Integer(3))
	n, err := tree.Get("int[2]")
	require.NoError(t, err)
	v, err := n.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Int64())
}

func TestSetAutoVivifiesIntermediates(t *testing.T) {
	root := Sequence()
	_, err := root.Set("contextSpecific|sequence|octets", []byte("abc"))
	require.NoError(t, err)

	n, err := root.Get("contextSpecific|sequence|octets")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), n.Content)

	_, err = root.Set("contextSpecific|sequence|octets", []byte("xyz"))
	require.NoError(t, err)
	seq, err := root.Get("contextSpecific|sequence")
	require.NoError(t, err)
	require.Len(t, seq.Children, 1, "Set sobre ruta existente no debe duplicar nodos")
	assert.Equal(t, []byte("xyz"), seq.Children[0].Content)
}

func TestGraftAndRemoveChild(t *testing.T) {
	tsr := Sequence(Sequence(Integer(0)), Sequence(OID(asn1.ObjectIdentifier{1, 2, 3})))
	require.NoError(t, tsr.RemoveChild(0))
	require.Len(t, tsr.Children, 1)

	root := Sequence(Integer(1))
	require.NoError(t, root.Graft("contextSpecific", tsr))
	n, err := root.Get("contextSpecific|sequence|sequence|oid")
	require.NoError(t, err)
	oid, err := n.ObjectIdentifier()
	require.NoError(t, err)
	assert.True(t, oid.Equal(asn1.ObjectIdentifier{1, 2, 3}))

	assert.True(t, errors.Is(root.RemoveChild(5), sigerr.ErrPathNotFound))
}

func TestReplace(t *testing.T) {
	root := Sequence(Integer(1), OctetString([]byte("a")))
	require.NoError(t, root.Replace("octets", OctetString([]byte("b"))))
	n, err := root.Get("octets")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), n.Content)
}

func TestParseRejectsTrailingDataAndGarbage(t *testing.T) {
	der, err := Integer(5).Marshal()
	require.NoError(t, err)

	_, err = Parse(append(der, 0x00))
	assert.Error(t, err)
	_, err = Parse([]byte{0x30, 0x80, 0x00, 0x00})
	assert.Error(t, err, "longitud indefinida no es DER")
	_, err = Parse(nil)
	assert.Error(t, err)
}

func TestCopyIsDeep(t *testing.T) {
	a := Sequence(OctetString([]byte("x")))
	b := a.Copy()
	b.Children[0].Content[0] = 'y'
	assert.Equal(t, []byte("x"), a.Children[0].Content)
}

func TestHighTagNumberIsRejectedOnMarshal(t *testing.T) {
	n := &Node{Class: ClassContextSpecific, Tag: 40}
	_, err := n.Marshal()
	assert.True(t, errors.Is(err, sigerr.ErrEncodingFailure))
}
