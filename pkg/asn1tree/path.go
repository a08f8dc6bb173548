// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package asn1tree

import (
	"strconv"
	"strings"

	"fattura-firma/pkg/sigerr"
)

// Paths are "|" separated segment names relative to the receiver, for example
// "contextSpecific|sequence|octets". A segment may carry an index,
// "sequence[1]", selecting the n-th child with that name. The empty path is
// the receiver itself.

type segment struct {
	name  string
	index int
}

func parsePath(path string) ([]segment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "|")
	out := make([]segment, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		seg := segment{name: p}
		if i := strings.IndexByte(p, '['); i >= 0 {
			if !strings.HasSuffix(p, "]") {
				return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "segmento de ruta invalido: %q", p)
			}
			idx, err := strconv.Atoi(p[i+1 : len(p)-1])
			if err != nil || idx < 0 {
				return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "indice invalido en segmento %q", p)
			}
			seg.name = p[:i]
			seg.index = idx
		}
		if seg.name == "" {
			return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "segmento vacio en ruta %q", path)
		}
		out = append(out, seg)
	}
	return out, nil
}

// child finds the index-th child named name. It returns the position in
// Children and the number of same-named children seen.
func (n *Node) child(seg segment) (int, int) {
	seen := 0
	for i, c := range n.Children {
		if c.Name() != seg.name {
			continue
		}
		if seen == seg.index {
			return i, seen
		}
		seen++
	}
	return -1, seen
}

// Get returns the node at path.
func (n *Node) Get(path string) (*Node, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cur := n
	for depth, seg := range segs {
		pos, _ := cur.child(seg)
		if pos < 0 {
			return nil, sigerr.Newf(sigerr.ReasonPathNotFound, "ruta no encontrada: %s", joinSegments(segs[:depth+1]))
		}
		cur = cur.Children[pos]
	}
	return cur, nil
}

// Has reports whether path resolves.
func (n *Node) Has(path string) bool {
	_, err := n.Get(path)
	return err == nil
}

// Set stores content in the primitive node at path, creating the node and any
// missing intermediates.
func (n *Node) Set(path string, content []byte) (*Node, error) {
	target, err := n.vivify(path)
	if err != nil {
		return nil, err
	}
	if target.Constructed {
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "el nodo %s es construido, no admite contenido", target.Name())
	}
	target.Content = clone(content)
	return target, nil
}

// Graft appends subtree as the last child of the node at path, creating the
// path when absent.
func (n *Node) Graft(path string, subtree *Node) error {
	if subtree == nil {
		return sigerr.New(sigerr.ReasonInvalidInput, "subarbol nulo")
	}
	target, err := n.vivify(path)
	if err != nil {
		return err
	}
	if !target.Constructed && len(target.Content) > 0 {
		return sigerr.Newf(sigerr.ReasonInvalidInput, "el nodo %s es primitivo con contenido", target.Name())
	}
	target.Append(subtree)
	return nil
}

// Replace swaps the node at path for replacement.
func (n *Node) Replace(path string, replacement *Node) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return sigerr.New(sigerr.ReasonInvalidInput, "no se puede reemplazar la raiz")
	}
	parent, err := n.Get(joinSegments(segs[:len(segs)-1]))
	if err != nil {
		return err
	}
	pos, _ := parent.child(segs[len(segs)-1])
	if pos < 0 {
		return sigerr.Newf(sigerr.ReasonPathNotFound, "ruta no encontrada: %s", path)
	}
	parent.Children[pos] = replacement
	return nil
}

func (n *Node) vivify(path string) (*Node, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cur := n
	for _, seg := range segs {
		pos, seen := cur.child(seg)
		if pos >= 0 {
			cur = cur.Children[pos]
			continue
		}
		if seg.index != seen {
			return nil, sigerr.Newf(sigerr.ReasonPathNotFound, "no se puede crear %s[%d]: solo hay %d", seg.name, seg.index, seen)
		}
		created, err := newNamed(seg.name)
		if err != nil {
			return nil, err
		}
		cur.Append(created)
		cur = created
	}
	return cur, nil
}

func newNamed(name string) (*Node, error) {
	switch name {
	case "contextSpecific":
		return ContextSpecific(0), nil
	case "sequence":
		return Sequence(), nil
	case "set":
		return Set(), nil
	}
	for tag, n := range universalNames {
		if n == name {
			return &Node{Class: ClassUniversal, Tag: tag}, nil
		}
	}
	return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "tipo de nodo desconocido: %q", name)
}

func joinSegments(segs []segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		if s.index > 0 {
			parts[i] = s.name + "[" + strconv.Itoa(s.index) + "]"
		} else {
			parts[i] = s.name
		}
	}
	return strings.Join(parts, "|")
}
