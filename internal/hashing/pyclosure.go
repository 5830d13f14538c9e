package hashing

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/hashicorp/go-hclog"
)

// PythonTaskDirs bounds how far cross-module import resolution is
// allowed to follow: only modules that live under one of these
// directories are inspected when a called function turns out to live
// in a different file.
type PythonTaskDirs []string

// pyModule is a parsed Python source file together with the funcDefs it
// declares at any nesting depth, keyed by unqualified name, plus the
// module aliases it imports ("import x.y as z" / "import x.y").
type pyModule struct {
	path        string
	source      []byte
	lines       []string
	funcs       map[string]*ast.FunctionDef
	moduleAlias map[string]string // alias -> dotted module path
}

func parsePyModule(path string) (*pyModule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tree, err := parser.Parse(strings.NewReader(string(src)), path, "exec")
	if err != nil {
		return nil, err
	}
	mod, ok := tree.(*ast.Module)
	if !ok {
		return nil, fmt.Errorf("%s: expected a module", path)
	}

	pm := &pyModule{
		path:        path,
		source:      src,
		lines:       strings.Split(string(src), "\n"),
		funcs:       map[string]*ast.FunctionDef{},
		moduleAlias: map[string]string{},
	}
	collectFunctionDefs(mod.Body, pm.funcs)
	collectImportAliases(mod.Body, pm.moduleAlias)
	return pm, nil
}

// collectFunctionDefs records every FunctionDef reachable from stmts,
// recursing into nested defs and class bodies so methods are visible
// too (keyed by their own unqualified name; a name collision between
// nested scopes keeps the most recently visited one, which matches
// the way a flat "locally-defined callables" search works in practice).
func collectFunctionDefs(stmts []ast.Stmt, out map[string]*ast.FunctionDef) {
	for _, s := range stmts {
		switch n := s.(type) {
		case *ast.FunctionDef:
			out[string(n.Name)] = n
			collectFunctionDefs(n.Body, out)
		case *ast.ClassDef:
			collectFunctionDefs(n.Body, out)
		case *ast.If:
			collectFunctionDefs(n.Body, out)
			collectFunctionDefs(n.Orelse, out)
		case *ast.For:
			collectFunctionDefs(n.Body, out)
			collectFunctionDefs(n.Orelse, out)
		case *ast.While:
			collectFunctionDefs(n.Body, out)
			collectFunctionDefs(n.Orelse, out)
		case *ast.With:
			collectFunctionDefs(n.Body, out)
		case *ast.Try:
			collectFunctionDefs(n.Body, out)
			for _, h := range n.Handlers {
				collectFunctionDefs(h.Body, out)
			}
			collectFunctionDefs(n.Orelse, out)
			collectFunctionDefs(n.Finalbody, out)
		}
	}
}

func collectImportAliases(stmts []ast.Stmt, out map[string]string) {
	for _, s := range stmts {
		switch n := s.(type) {
		case *ast.Import:
			for _, alias := range n.Names {
				name := string(alias.Name)
				as := name
				if alias.AsName != "" {
					as = string(alias.AsName)
				} else if idx := strings.Index(name, "."); idx >= 0 {
					as = name[:idx]
				}
				out[as] = name
			}
		case *ast.ImportFrom:
			module := ""
			if n.Module != "" {
				module = string(n.Module)
			}
			for _, alias := range n.Names {
				as := string(alias.Name)
				if alias.AsName != "" {
					as = string(alias.AsName)
				}
				out[as] = module + "." + string(alias.Name)
			}
		}
	}
}

// funcSource returns the exact source segment for fn: the lines from
// its declaration through the end of the file content it owns, found
// by scanning forward for the next statement at the same or lesser
// indentation. gpython's AST carries line/column positions but not
// byte spans, so this mirrors how a line-oriented source extractor
// would reconstruct a function body.
func (pm *pyModule) funcSource(fn *ast.FunctionDef) string {
	startLine := fn.Pos.Lineno - 1 // zero-indexed
	if startLine < 0 || startLine >= len(pm.lines) {
		return ""
	}
	defIndent := leadingSpaces(pm.lines[startLine])
	end := len(pm.lines)
	for i := startLine + 1; i < len(pm.lines); i++ {
		line := pm.lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if leadingSpaces(line) <= defIndent {
			end = i
			break
		}
	}
	return strings.Join(pm.lines[startLine:end], "\n")
}

func leadingSpaces(s string) int {
	n := 0
	for _, r := range s {
		if r == ' ' {
			n++
		} else if r == '\t' {
			n += 8
		} else {
			break
		}
	}
	return n
}

// collectCalls returns every function name called in fn's body: a bare
// name call ("helper()") or an attribute call on a module alias
// ("mod.helper()").
func collectCalls(fn *ast.FunctionDef) (localCalls []string, moduleCalls []struct{ alias, name string }) {
	var walk func(stmts []ast.Stmt)
	var walkExpr func(e ast.Expr)

	walkExpr = func(e ast.Expr) {
		switch n := e.(type) {
		case *ast.Call:
			switch callee := n.Func.(type) {
			case *ast.Name:
				localCalls = append(localCalls, string(callee.Id))
			case *ast.Attribute:
				if name, ok := callee.Value.(*ast.Name); ok {
					moduleCalls = append(moduleCalls, struct{ alias, name string }{string(name.Id), string(callee.Attr)})
				}
			}
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.BinOp:
			walkExpr(n.Left)
			walkExpr(n.Right)
		case *ast.BoolOp:
			for _, v := range n.Values {
				walkExpr(v)
			}
		}
	}

	walk = func(stmts []ast.Stmt) {
		for _, s := range stmts {
			switch n := s.(type) {
			case *ast.ExprStmt:
				walkExpr(n.Value)
			case *ast.Assign:
				walkExpr(n.Value)
			case *ast.Return:
				if n.Value != nil {
					walkExpr(n.Value)
				}
			case *ast.If:
				walk(n.Body)
				walk(n.Orelse)
			case *ast.For:
				walk(n.Body)
				walk(n.Orelse)
			case *ast.While:
				walk(n.Body)
				walk(n.Orelse)
			case *ast.With:
				walk(n.Body)
			case *ast.Try:
				walk(n.Body)
				for _, h := range n.Handlers {
					walk(h.Body)
				}
				walk(n.Orelse)
				walk(n.Finalbody)
			}
		}
	}
	walk(fn.Body)
	return
}

// resolveModulePath finds the file backing a dotted module path by
// searching the configured Python task directories.
func resolveModulePath(dotted string, dirs PythonTaskDirs) (string, bool) {
	rel := strings.ReplaceAll(dotted, ".", string(filepath.Separator)) + ".py"
	for _, dir := range dirs {
		candidate := filepath.Join(dir, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// PythonFunctionClosure computes a Python task's code-version digest
// inputs: starting from entryFile's entryFunc, collect every reachable
// local function and attribute call on a module alias imported in the
// same module, following imports across modules up to pyDirs, and
// return the sorted {qualified_name -> sha1(source)} list.
//
// On any parse/IO failure this returns an error; callers fall back to
// a file-level digest instead of failing the whole task outright.
func PythonFunctionClosure(entryFile, entryFunc string, pyDirs PythonTaskDirs, logger hclog.Logger) ([]KV, error) {
	modules := map[string]*pyModule{}
	visitedFuncs := map[string]struct{}{}
	var entries []KV

	var visit func(modPath string, funcName string) error
	visit = func(modPath string, funcName string) error {
		qualName := modPath + ":" + funcName
		if _, ok := visitedFuncs[qualName]; ok {
			return nil
		}
		visitedFuncs[qualName] = struct{}{}

		pm, ok := modules[modPath]
		if !ok {
			parsed, err := parsePyModule(modPath)
			if err != nil {
				return err
			}
			modules[modPath] = parsed
			pm = parsed
		}

		fn, ok := pm.funcs[funcName]
		if !ok {
			// Not a local callable we can see (builtin, third-party, or
			// otherwise opaque): nothing further to hash for this edge.
			return nil
		}

		src := pm.funcSource(fn)
		digest, err := DigestObject(src)
		if err != nil {
			return err
		}
		entries = append(entries, KV{Key: qualName, Value: digest})

		localCalls, moduleCalls := collectCalls(fn)
		for _, name := range localCalls {
			if err := visit(modPath, name); err != nil {
				return err
			}
		}
		for _, mc := range moduleCalls {
			dotted, ok := pm.moduleAlias[mc.alias]
			if !ok {
				continue
			}
			depPath, found := resolveModulePath(dotted, pyDirs)
			if !found {
				if logger != nil {
					logger.Warn("could not resolve imported module within configured python task dirs", "module", dotted)
				}
				continue
			}
			if err := visit(depPath, mc.name); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(entryFile, entryFunc); err != nil {
		return nil, err
	}

	SortKV(entries)
	return entries, nil
}

// HashPythonClosure computes the final digest for a Python task's
// function closure, falling back to a file-level digest if parsing
// fails anywhere in the closure.
func HashPythonClosure(entryFile, entryFunc string, pyDirs PythonTaskDirs, logger hclog.Logger) (string, error) {
	entries, err := PythonFunctionClosure(entryFile, entryFunc, pyDirs, logger)
	if err != nil {
		if logger != nil {
			logger.Warn("python closure hashing failed, downgrading to file-level digest", "file", entryFile, "err", err)
		}
		return DigestFile(entryFile)
	}
	return DigestOrderedPairs(entries)
}
