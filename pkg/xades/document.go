// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package xades

import (
	"bytes"
	"io"
	"strings"

	"github.com/beevik/etree"
	"github.com/russellhaering/goxmldsig/etreeutils"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"fattura-firma/pkg/sigerr"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// parseDocument reads data into an etree document. Any declared charset known
// to IANA is accepted.
func parseDocument(data []byte) (*etree.Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, sigerr.New(sigerr.ReasonNotXML, "documento XML vacio")
	}
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charsetReader
	if err := doc.ReadFromBytes(bytes.TrimPrefix(data, utf8BOM)); err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonNotXML, "XML invalido", err)
	}
	if doc.Root() == nil {
		return nil, sigerr.New(sigerr.ReasonNotXML, "XML sin elemento raiz")
	}
	return doc, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := lookupCharset(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

// lookupCharset returns nil for UTF-8.
func lookupCharset(label string) (encoding.Encoding, error) {
	label = strings.TrimSpace(label)
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil || enc == nil {
		return nil, sigerr.Newf(sigerr.ReasonNotXML, "codificacion XML no soportada: %s", label)
	}
	return enc, nil
}

// declaredCharset reads the encoding pseudo-attribute of the XML declaration.
func declaredCharset(doc *etree.Document) string {
	for _, tok := range doc.Child {
		pi, ok := tok.(*etree.ProcInst)
		if !ok || pi.Target != "xml" {
			continue
		}
		inst := pi.Inst
		i := strings.Index(inst, "encoding")
		if i < 0 {
			return ""
		}
		rest := strings.TrimLeft(inst[i+len("encoding"):], " \t\r\n")
		rest = strings.TrimPrefix(rest, "=")
		rest = strings.TrimLeft(rest, " \t\r\n")
		if rest == "" || (rest[0] != '"' && rest[0] != '\'') {
			return ""
		}
		end := strings.IndexByte(rest[1:], rest[0])
		if end < 0 {
			return ""
		}
		return rest[1 : end+1]
	}
	return ""
}

// spliceSignature inserts sig just before the root end tag of original so
// every other byte of the document is preserved. Documents whose root end tag
// cannot be located (self-closing roots) are re-serialized from doc, where sig
// is already attached.
func spliceSignature(original []byte, doc *etree.Document, sig *etree.Element) ([]byte, error) {
	enc, err := lookupCharset(declaredCharset(doc))
	if err != nil {
		return nil, err
	}
	sigDoc := etree.NewDocument()
	sigDoc.SetRoot(sig.Copy())
	sigBytes, err := sigDoc.WriteToBytes()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo serializar la firma", err)
	}
	if enc != nil {
		if sigBytes, err = enc.NewEncoder().Bytes(sigBytes); err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "la firma no es representable en la codificacion del documento", err)
		}
	}

	if pos := rootEndTag(original, doc); pos >= 0 {
	out := make([]byte, 0, len(original)+len(sigBytes))
		out = append(out, original[:pos]...)
		out = append(out, sigBytes...)
		out = append(out, original[pos:]...)
		return out, nil
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo serializar el documento firmado", err)
	}
	if enc != nil {
		if out, err = enc.NewEncoder().Bytes(out); err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "el documento no es representable en su codificacion", err)
		}
	}
	return out, nil
}

// rootEndTag returns the offset of the end tag of the root element of doc in
// data, or -1 when the root is self-closing or the offset cannot be located.
// Comments and processing instructions following the root are skipped
// first, so markup inside them is never taken for the end tag.
func rootEndTag(data []byte, doc *etree.Document) int {
	root := doc.Root()
	if root == nil {
		return -1
	}
	end := len(data)
	trailing := doc.Child[root.Index()+1:]
	for i := len(trailing) - 1; i >= 0; i-- {
		end = len(bytes.TrimRight(data[:end], " \t\r\n"))
		switch tok := trailing[i].(type) {
		case *etree.CharData:
			if strings.TrimSpace(tok.Data) != "" {
				return -1
			}
		case *etree.Comment:
			if !bytes.HasSuffix(data[:end], []byte("-->")) {
				return -1
			}
			start := bytes.LastIndex(data[:end-3], []byte("<!--"))
			if start < 0 {
				return -1
			}
			end = start
		case *etree.ProcInst:
			if !bytes.HasSuffix(data[:end], []byte("?>")) {
				return -1
			}
			start := bytes.LastIndex(data[:end-2], []byte("<?"+tok.Target))
			if start < 0 {
				return -1
			}
			end = start
		default:
			return -1
		}
	}

	data = bytes.TrimRight(data[:end], " \t\r\n")
	if !bytes.HasSuffix(data, []byte(">")) {
		return -1
	}
	i := bytes.LastIndex(data, []byte("</"+root.FullTag()))
	if i < 0 {
		return -1
	}
	if rest := data[i+2+len(root.FullTag()) : len(data)-1]; len(bytes.Trim(rest, " \t\r\n")) > 0 {
		return -1
	}
	return i
}

func walkElements(el *etree.Element, fn func(*etree.Element)) {
	if el == nil {
		return
	}
	fn(el)
	for _, child := range el.ChildElements() {
		walkElements(child, fn)
	}
}

func isDS(el *etree.Element, local string) bool {
	return el != nil && el.Tag == local && el.NamespaceURI() == nsDS
}

func isSignatureElement(el *etree.Element) bool {
	return isDS(el, "Signature")
}

// childNS returns the first child element named local in namespace ns.
func childNS(el *etree.Element, ns, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func childrenNS(el *etree.Element, ns, local string) []*etree.Element {
	var out []*etree.Element
	if el == nil {
		return out
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

// findPath follows ns/local pairs from el.
func findPath(el *etree.Element, steps ...[2]string) *etree.Element {
	for _, s := range steps {
		el = childNS(el, s[0], s[1])
		if el == nil {
			return nil
		}
	}
	return el
}

var idAttrs = []string{"Id", "ID", "id"}

func findByID(root *etree.Element, id string) *etree.Element {
	var found *etree.Element
	walkElements(root, func(el *etree.Element) {
		if found != nil {
			return
		}
		for _, key := range idAttrs {
			if a := el.SelectAttr(key); a != nil && a.Space == "" && a.Value == id {
				found = el
				return
			}
		}
	})
	return found
}

// duplicateID returns the first identifier carried by more than one element,
// or "".
func duplicateID(root *etree.Element) string {
	seen := map[string]bool{}
	dup := ""
	walkElements(root, func(el *etree.Element) {
		if dup != "" {
			return
		}
		for _, key := range idAttrs {
			a := el.SelectAttr(key)
			if a == nil || a.Space != "" {
				continue
			}
			if seen[a.Value] {
				dup = a.Value
				return
			}
			seen[a.Value] = true
		}
	})
	return dup
}

// removeSignatures drops every ds:Signature below el.
func removeSignatures(el *etree.Element) {
	for _, c := range el.ChildElements() {
		if isSignatureElement(c) {
			el.RemoveChild(c)
			continue
		}
		removeSignatures(c)
	}
}

// elementPath is the list of Child indexes leading from root to el, or nil
// when el is not below root.
func elementPath(root, el *etree.Element) []int {
	var path []int
	for cur := el; cur != root; cur = cur.Parent() {
		if cur == nil || cur.Parent() == nil {
			return nil
		}
		path = append([]int{cur.Index()}, path...)
	}
	return path
}

func elementAt(root *etree.Element, path []int) *etree.Element {
	cur := root
	for _, i := range path {
		if i < 0 || i >= len(cur.Child) {
			return nil
		}
		next, ok := cur.Child[i].(*etree.Element)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// detach copies el with every namespace declaration in scope at its position
// in the document.
func detach(orig, transformed *etree.Element) (*etree.Element, error) {
	ctx, err := etreeutils.NSBuildParentContext(orig)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedSignature, "contexto de espacios de nombres invalido", err)
	}
	out, err := etreeutils.NSDetatch(ctx, transformed)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedSignature, "no se pudo aislar el elemento", err)
	}
	return out, nil
}

func compactBase64(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

func attrValue(el *etree.Element, key string) string {
	if el == nil {
		return ""
	}
	return el.SelectAttrValue(key, "")
}

func textOf(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.Text()
}

// inclusivePrefixes reads the InclusiveNamespaces PrefixList of an exclusive
// canonicalization method or transform.
func inclusivePrefixes(el *etree.Element) string {
	if el == nil {
		return ""
	}
	for _, c := range el.ChildElements() {
		if c.Tag == "InclusiveNamespaces" {
			return c.SelectAttrValue("PrefixList", "")
		}
	}
	return ""
}
