// Package stubgen generates typed M2MI stubs for a target interface.
//
// For an interface `Chat`, it emits `ChatBroadcast`, `ChatGroup` and
// `ChatSingle`, three wrappers around the corresponding M2MI handles which
// implement `Chat` by posting invocations, plus `DescribeChat` and `ChatOf`.
// The generated `init` registers the wrappers with `m2mi.RegisterStub`, so
// handles received for a `Chat` parameter arrive already wrapped.
package stubgen

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"
)

const importPath = "github.com/raskyld/m2mi"

var (
	ErrNotFound    = errors.New("stubgen: interface not found")
	ErrUnsupported = errors.New("stubgen: unsupported interface")
)

// Options of `Generate`.
type Options struct {
	// Interface is the name of the interface type to generate stubs for.
	Interface string
	// Name overrides the wire name of the interface, see `m2mi.WithName`.
	Name string
}

type method struct {
	Name    string
	Decl    string
	Forward string
}

type variant struct {
	Kind   string
	Handle string
	Doc    string
	Ctor   string
	Make   string
}

type stubData struct {
	Package  string
	Name     string
	Local    string
	Imports  []string
	Describe string
	Methods  []method
	Variants []variant
}

// Generate parses the Go source `src` (read from `filename` when nil)
// and returns the formatted stub file.
func Generate(filename string, src []byte, opts Options) ([]byte, error) {
	fset := token.NewFileSet()
	var input any
	if src != nil {
		input = src
	}
	file, err := parser.ParseFile(fset, filename, input, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	g := &generator{file: file, used: make(map[string]struct{})}
	iface, err := g.lookup(opts.Interface)
	if err != nil {
		return nil, err
	}

	methods := make(map[string]method)
	if err := g.collect(opts.Interface, iface, methods, make(map[string]bool)); err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: %s has no method", ErrUnsupported, opts.Interface)
	}

	data := &stubData{
		Package: file.Name.Name,
		Name:    opts.Interface,
		Local:   lowerFirst(opts.Interface) + "Handle",
	}
	for _, m := range methods {
		data.Methods = append(data.Methods, m)
	}
	sort.Slice(data.Methods, func(i, j int) bool {
		return data.Methods[i].Name < data.Methods[j].Name
	})

	extra := ""
	if opts.Name != "" {
		extra = "m2mi.WithName(" + strconv.Quote(opts.Name) + ")"
	}
	data.Describe, err = g.describeExpr(opts.Interface, iface, extra)
	if err != nil {
		return nil, err
	}

	data.Imports, err = g.imports()
	if err != nil {
		return nil, err
	}

	name := opts.Interface
	data.Variants = []variant{
		{
			Kind:   "Broadcast",
			Handle: "BroadcastHandle",
			Doc:    "invokes " + name + " on every exported implementation, in\n// this process or elsewhere.",
			Ctor:   "l *m2mi.Layer",
			Make:   "l.NewBroadcastHandle(Describe" + name + "())",
		},
		{
			Kind:   "Group",
			Handle: "GroupHandle",
			Doc:    "invokes " + name + " on every object attached to its group.",
			Ctor:   "l *m2mi.Layer",
			Make:   "l.NewGroupHandle(Describe" + name + "())",
		},
		{
			Kind:   "Single",
			Handle: "SingleHandle",
			Doc:    "invokes " + name + " on exactly one object.",
			Ctor:   "l *m2mi.Layer, obj " + name,
			Make:   "l.NewSingleHandle(obj, Describe" + name + "())",
		},
	}

	var buf bytes.Buffer
	if err := stubTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("stubgen: generated invalid code: %w", err)
	}
	return out, nil
}

type generator struct {
	file *ast.File
	// used holds the package names referenced by method parameters.
	used map[string]struct{}
}

func (g *generator) lookup(name string) (*ast.InterfaceType, error) {
	for _, decl := range g.file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts := spec.(*ast.TypeSpec)
			if ts.Name.Name != name {
				continue
			}
			iface, ok := ts.Type.(*ast.InterfaceType)
			if !ok {
				return nil, fmt.Errorf("%w: %s is not an interface", ErrUnsupported, name)
			}
			if ts.TypeParams != nil {
				return nil, fmt.Errorf("%w: %s is generic", ErrUnsupported, name)
			}
			return iface, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// collect gathers the methods of `iface` and of the interfaces it embeds.
func (g *generator) collect(name string, iface *ast.InterfaceType, into map[string]method, visiting map[string]bool) error {
	if visiting[name] {
		return fmt.Errorf("%w: %s embeds itself", ErrUnsupported, name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	for _, field := range iface.Methods.List {
		switch typ := field.Type.(type) {
		case *ast.FuncType:
			if typ.Results != nil && len(typ.Results.List) > 0 {
				return fmt.Errorf("%w: method %s.%s has results", ErrUnsupported, name, field.Names[0].Name)
			}
			for _, id := range field.Names {
				if _, dup := into[id.Name]; dup {
					continue
				}
				into[id.Name] = g.newMethod(id.Name, typ)
			}
		case *ast.Ident:
			super, err := g.lookup(typ.Name)
			if err != nil {
				return err
			}
			if err := g.collect(typ.Name, super, into, visiting); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s embeds %s, only interfaces of the same file can be embedded", ErrUnsupported, name, types.ExprString(field.Type))
		}
	}
	return nil
}

func (g *generator) newMethod(name string, fn *ast.FuncType) method {
	var decl, forward []string
	i := 0
	for _, field := range fn.Params.List {
		g.trackPackages(field.Type)
		typ := types.ExprString(field.Type)
		names := field.Names
		if len(names) == 0 {
			names = []*ast.Ident{nil}
		}
		for _, id := range names {
			param := "a" + strconv.Itoa(i)
			if id != nil && id.Name != "_" && id.Name != "stub" {
				param = id.Name
			}
			decl = append(decl, param+" "+typ)
			forward = append(forward, param)
			i++
		}
	}
	fwd := strconv.Quote(name)
	if len(forward) > 0 {
		fwd += ", " + strings.Join(forward, ", ")
	}
	return method{
		Name:    name,
		Decl:    name + "(" + strings.Join(decl, ", ") + ")",
		Forward: fwd,
	}
}

func (g *generator) trackPackages(expr ast.Expr) {
	ast.Inspect(expr, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if id, ok := sel.X.(*ast.Ident); ok {
			g.used[id.Name] = struct{}{}
		}
		return false
	})
}

// describeExpr renders the `m2mi.MustDescribe` call of `name`, declaring
// the interfaces it embeds as supers.
func (g *generator) describeExpr(name string, iface *ast.InterfaceType, extra string) (string, error) {
	var opts []string
	if extra != "" {
		opts = append(opts, extra)
	}
	var supers []string
	for _, field := range iface.Methods.List {
		id, ok := field.Type.(*ast.Ident)
		if !ok {
			continue
		}
		super, err := g.lookup(id.Name)
		if err != nil {
			return "", err
		}
		expr, err := g.describeExpr(id.Name, super, "")
		if err != nil {
			return "", err
		}
		supers = append(supers, expr)
	}
	if len(supers) > 0 {
		opts = append(opts, "m2mi.Extends("+strings.Join(supers, ", ")+")")
	}
	return "m2mi.MustDescribe[" + name + "](" + strings.Join(opts, ", ") + ")", nil
}

// imports resolves the packages used by parameters against the imports of
// the source file.
func (g *generator) imports() ([]string, error) {
	specs := []string{strconv.Quote(importPath)}
	for pkg := range g.used {
		spec, err := g.resolve(pkg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return importSortKey(specs[i]) < importSortKey(specs[j])
	})
	return specs, nil
}

func (g *generator) resolve(pkg string) (string, error) {
	for _, imp := range g.file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return "", err
		}
		if imp.Name != nil {
			if imp.Name.Name == pkg {
				return pkg + " " + imp.Path.Value, nil
			}
			continue
		}
		if packageName(p) == pkg {
			return imp.Path.Value, nil
		}
	}
	return "", fmt.Errorf("%w: cannot resolve package %s", ErrUnsupported, pkg)
}

// packageName guesses the name of a package from its import path:
// "gopkg.in/yaml.v3" is yaml, "github.com/x/go-y/v2" is y.
func packageName(p string) string {
	base := path.Base(p)
	if len(base) > 1 && base[0] == 'v' && isDigits(base[1:]) {
		base = path.Base(path.Dir(p))
	}
	if i := strings.Index(base, ".v"); i > 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, "go-")
	base = strings.TrimSuffix(base, "-go")
	return strings.ReplaceAll(base, "-", "")
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func importSortKey(spec string) string {
	if i := strings.IndexByte(spec, '"'); i > 0 {
		return spec[i:]
	}
	return spec
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

var stubTemplate = template.Must(template.New("stub").Parse(`// Code generated by m2mi-stubgen. DO NOT EDIT.

package {{.Package}}

import (
{{- range .Imports}}
	{{.}}
{{- end}}
)

// Describe{{.Name}} returns the descriptor of {{.Name}}.
func Describe{{.Name}}() *m2mi.InterfaceDescriptor {
	return {{.Describe}}
}
{{range $v := .Variants}}
// {{$.Name}}{{$v.Kind}} {{$v.Doc}}
type {{$.Name}}{{$v.Kind}} struct {
	*m2mi.{{$v.Handle}}
}

func New{{$.Name}}{{$v.Kind}}({{$v.Ctor}}) (*{{$.Name}}{{$v.Kind}}, error) {
	h, err := {{$v.Make}}
	if err != nil {
		return nil, err
	}
	return &{{$.Name}}{{$v.Kind}}{h}, nil
}
{{range $.Methods}}
func (stub *{{$.Name}}{{$v.Kind}}) {{.Decl}} {
	stub.{{$v.Handle}}.Post({{.Forward}})
}
{{end}}{{end}}
// {{.Name}}Of wraps a handle, typically one received as an argument.
func {{.Name}}Of(h m2mi.Handle) {{.Name}} {
	return {{.Local}}{h}
}

func init() {
	m2mi.RegisterStub(Describe{{.Name}}(), func(h m2mi.Handle) any {
		switch h := h.(type) {
{{- range .Variants}}
		case *m2mi.{{.Handle}}:
			return &{{$.Name}}{{.Kind}}{h}
{{- end}}
		default:
			return {{.Name}}Of(h)
		}
	})
}

type {{.Local}} struct {
	m2mi.Handle
}
{{range .Methods}}
func (stub {{$.Local}}) {{.Decl}} {
	stub.Handle.Post({{.Forward}})
}
{{end}}
var (
	_ {{.Name}} = (*{{.Name}}Broadcast)(nil)
	_ {{.Name}} = (*{{.Name}}Group)(nil)
	_ {{.Name}} = (*{{.Name}}Single)(nil)
	_ {{.Name}} = {{.Local}}{}
)
`))
