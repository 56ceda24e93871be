// Package javasrc reads the bits of a Java source file the test generator
// needs: package, imports and top-level type declarations.
package javasrc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
)

// File is one parsed compilation unit.
type File struct {
	Package string
	Imports []string
	Types   []Type
}

// Type is a top-level type declaration. Kind is one of class, interface,
// enum, record or annotation.
type Type struct {
	Name              string
	Kind              string
	Public            bool
	Annotations       []string
	MethodAnnotations []string
	// Source is the declaration text, annotations included, without the
	// package and import header.
	Source string
}

var declKinds = map[string]string{
	"class_declaration":           "class",
	"interface_declaration":       "interface",
	"enum_declaration":            "enum",
	"record_declaration":          "record",
	"annotation_type_declaration": "annotation",
}

// Parse reads src with the tree-sitter Java grammar.
func Parse(ctx context.Context, src []byte) (*File, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(java.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse java: %w", err)
	}
	defer tree.Close()

	f := &File{}
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "package_declaration":
			f.Package = qualifiedName(child, src)
		case "import_declaration":
			f.Imports = append(f.Imports, importPath(child, src))
		default:
			if kind, ok := declKinds[child.Type()]; ok {
				f.Types = append(f.Types, parseType(child, kind, src))
			}
		}
	}
	return f, nil
}

// Primary picks the type a file is about: the one named after the file,
// else the first public type, else the first type.
func (f *File) Primary(path string) (Type, bool) {
	if len(f.Types) == 0 {
		return Type{}, false
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for _, t := range f.Types {
		if t.Name == base {
			return t, true
		}
	}
	for _, t := range f.Types {
		if t.Public {
			return t, true
		}
	}
	return f.Types[0], true
}

// Lookup returns the top-level type called name.
func (f *File) Lookup(name string) (Type, bool) {
	for _, t := range f.Types {
		if t.Name == name {
			return t, true
		}
	}
	return Type{}, false
}

// Qualify resolves an annotation or type name against the imports.
func (f *File) Qualify(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	for _, imp := range f.Imports {
		if strings.HasSuffix(imp, "."+name) {
			return imp
		}
	}
	for _, imp := range f.Imports {
		if strings.HasSuffix(imp, ".*") && strings.HasPrefix(imp, "org.junit") {
			return strings.TrimSuffix(imp, "*") + name
		}
	}
	return name
}

func parseType(node *sitter.Node, kind string, src []byte) Type {
	t := Type{Kind: kind, Source: node.Content(src)}
	if name := node.ChildByFieldName("name"); name != nil {
		t.Name = name.Content(src)
	}
	if mods := childOfType(node, "modifiers"); mods != nil {
		t.Public, t.Annotations = readModifiers(mods, src)
	}
	if body := node.ChildByFieldName("body"); body != nil {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			member := body.NamedChild(i)
			if member.Type() != "method_declaration" {
				continue
			}
			if mods := childOfType(member, "modifiers"); mods != nil {
				_, anns := readModifiers(mods, src)
				t.MethodAnnotations = append(t.MethodAnnotations, anns...)
			}
		}
	}
	return t
}

func readModifiers(mods *sitter.Node, src []byte) (public bool, annotations []string) {
	for i := 0; i < int(mods.ChildCount()); i++ {
		c := mods.Child(i)
		switch c.Type() {
		case "public":
			public = true
		case "marker_annotation", "annotation":
			if name := c.ChildByFieldName("name"); name != nil {
				annotations = append(annotations, name.Content(src))
			}
		}
	}
	return public, annotations
}

func childOfType(node *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if c := node.NamedChild(i); c.Type() == typ {
			return c
		}
	}
	return nil
}

func qualifiedName(node *sitter.Node, src []byte) string {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		c := node.NamedChild(i)
		if c.Type() == "scoped_identifier" || c.Type() == "identifier" {
			return c.Content(src)
		}
	}
	return ""
}

func importPath(node *sitter.Node, src []byte) string {
	text := strings.TrimSpace(node.Content(src))
	text = strings.TrimPrefix(text, "import")
	text = strings.TrimSuffix(text, ";")
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "static ")
	return strings.Join(strings.Fields(text), "")
}
