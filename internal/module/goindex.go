package module

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strings"
)

// goIndex is the exported surface of one Go source file.
type goIndex struct {
	pkg     string
	imports []string
	types   []goTypeDecl
	funcs   []goFuncDecl
	methods map[string][]goFuncDecl
}

type goTypeDecl struct {
	name     string
	isStruct bool
}

type goFuncDecl struct {
	name     string
	recv     string
	params   []string
	results  []string
	variadic bool
	// ctorFor is the local type a New… function constructs, if any.
	ctorFor string
}

// indexGoSource parses src and records exported, non-generic declarations.
func indexGoSource(filename string, src []byte) (*goIndex, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	idx := &goIndex{pkg: file.Name.Name, methods: map[string][]goFuncDecl{}}

	local := map[string]bool{}
	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts := spec.(*ast.TypeSpec)
			local[ts.Name.Name] = true
			if !ts.Name.IsExported() || ts.TypeParams != nil {
				continue
			}
			_, isStruct := ts.Type.(*ast.StructType)
			idx.types = append(idx.types, goTypeDecl{name: ts.Name.Name, isStruct: isStruct && !ts.Assign.IsValid()})
		}
	}

	for _, imp := range file.Imports {
		line := imp.Path.Value
		if imp.Name != nil {
			if imp.Name.Name == "_" || imp.Name.Name == "." {
				continue
			}
			line = imp.Name.Name + " " + line
		}
		idx.imports = append(idx.imports, line)
	}

	q := qualifier{pkg: idx.pkg, local: local, fset: fset}
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || !fd.Name.IsExported() || fd.Type.TypeParams != nil {
			continue
		}
		f, ok := q.funcDecl(fd)
		if !ok {
			continue
		}
		if f.recv != "" {
			idx.methods[f.recv] = append(idx.methods[f.recv], f)
			continue
		}
		if strings.HasPrefix(f.name, "New") && fd.Type.Results != nil && len(fd.Type.Results.List) > 0 {
			if name := baseTypeName(fd.Type.Results.List[0].Type); name != "" && local[name] {
				f.ctorFor = name
			}
		}
		idx.funcs = append(idx.funcs, f)
	}
	return idx, nil
}

// baseTypeName returns N for the type expressions N and *N.
func baseTypeName(expr ast.Expr) string {
	if star, ok := expr.(*ast.StarExpr); ok {
		expr = star.X
	}
	if id, ok := expr.(*ast.Ident); ok {
		return id.Name
	}
	return ""
}

// qualifier prints type expressions so they resolve from outside the package.
type qualifier struct {
	pkg   string
	local map[string]bool
	fset  *token.FileSet
}

func (q qualifier) funcDecl(fd *ast.FuncDecl) (goFuncDecl, bool) {
	f := goFuncDecl{name: fd.Name.Name}
	if fd.Recv != nil && len(fd.Recv.List) == 1 {
		recv := fd.Recv.List[0].Type
		if star, ok := recv.(*ast.StarExpr); ok {
			recv = star.X
		}
		id, ok := recv.(*ast.Ident)
		if !ok {
			// Generic receivers are not callable without instantiation.
			return f, false
		}
		if !id.IsExported() {
			return f, false
		}
		f.recv = id.Name
	}
	if fd.Type.Params != nil {
		for _, field := range fd.Type.Params.List {
			typ := field.Type
			if ell, ok := typ.(*ast.Ellipsis); ok {
				f.variadic = true
				typ = ell.Elt
			}
			s, ok := q.typeString(typ)
			if !ok {
				return f, false
			}
			for range max(1, len(field.Names)) {
				f.params = append(f.params, s)
			}
		}
	}
	if fd.Type.Results != nil {
		for _, field := range fd.Type.Results.List {
			s, ok := q.typeString(field.Type)
			if !ok {
				return f, false
			}
			for range max(1, len(field.Names)) {
				f.results = append(f.results, s)
			}
		}
	}
	return f, true
}

// typeString prints expr with package-local type names qualified by the
// package name. It reports false for expressions that cannot be named from
// outside the package.
func (q qualifier) typeString(expr ast.Expr) (string, bool) {
	ok := true
	var rewrite func(e ast.Expr) ast.Expr
	rewrite = func(e ast.Expr) ast.Expr {
		switch t := e.(type) {
		case *ast.Ident:
			if q.local[t.Name] {
				if !ast.IsExported(t.Name) {
					ok = false
				}
				return &ast.SelectorExpr{X: ast.NewIdent(q.pkg), Sel: ast.NewIdent(t.Name)}
			}
			return t
		case *ast.StarExpr:
			return &ast.StarExpr{X: rewrite(t.X)}
		case *ast.ArrayType:
			return &ast.ArrayType{Len: t.Len, Elt: rewrite(t.Elt)}
		case *ast.MapType:
			return &ast.MapType{Key: rewrite(t.Key), Value: rewrite(t.Value)}
		case *ast.ChanType:
			return &ast.ChanType{Dir: t.Dir, Value: rewrite(t.Value)}
		case *ast.Ellipsis:
			return &ast.Ellipsis{Elt: rewrite(t.Elt)}
		case *ast.FuncType:
			return &ast.FuncType{Params: q.rewriteFields(t.Params, rewrite), Results: q.rewriteFields(t.Results, rewrite)}
		case *ast.StructType:
			return &ast.StructType{Fields: q.rewriteFields(t.Fields, rewrite)}
		case *ast.SelectorExpr, *ast.InterfaceType:
			return t
		case *ast.ParenExpr:
			return &ast.ParenExpr{X: rewrite(t.X)}
		default:
			// Instantiated generics and other forms are not supported.
			ok = false
			return e
		}
	}
	out := rewrite(expr)
	if !ok {
		return "", false
	}
	var buf bytes.Buffer
	if err := printer.Fprint(&buf, q.fset, out); err != nil {
		return "", false
	}
	return buf.String(), true
}

func (q qualifier) rewriteFields(fl *ast.FieldList, rewrite func(ast.Expr) ast.Expr) *ast.FieldList {
	if fl == nil {
		return nil
	}
	out := &ast.FieldList{}
	for _, f := range fl.List {
		out.List = append(out.List, &ast.Field{Names: f.Names, Type: rewrite(f.Type), Tag: f.Tag})
	}
	return out
}

// methodWrapper renders a function literal that calls recv.name; yaegi
// evaluates it to a native func whose first parameter is the receiver.
func (idx *goIndex) methodWrapper(f goFuncDecl) string {
	var params, args []string
	params = append(params, fmt.Sprintf("r *%s.%s", idx.pkg, f.recv))
	for i, p := range f.params {
		name := fmt.Sprintf("a%d", i)
		if f.variadic && i == len(f.params)-1 {
			params = append(params, name+" ..."+p)
			args = append(args, name+"...")
			continue
		}
		params = append(params, name+" "+p)
		args = append(args, name)
	}
	call := fmt.Sprintf("r.%s(%s)", f.name, strings.Join(args, ", "))
	switch len(f.results) {
	case 0:
		return fmt.Sprintf("func(%s) { %s }", strings.Join(params, ", "), call)
	case 1:
		return fmt.Sprintf("func(%s) %s { return %s }", strings.Join(params, ", "), f.results[0], call)
	}
	return fmt.Sprintf("func(%s) (%s) { return %s }", strings.Join(params, ", "), strings.Join(f.results, ", "), call)
}

// zeroConstructorSource renders a func literal returning new(pkg.T).
func (idx *goIndex) zeroConstructorSource(typeName string) string {
	return fmt.Sprintf("func() *%[1]s.%[2]s { return new(%[1]s.%[2]s) }", idx.pkg, typeName)
}
